package orchestrator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/pdsmove/pdsmove/internal/blob"
	"github.com/pdsmove/pdsmove/internal/cache"
	"github.com/pdsmove/pdsmove/internal/identity"
	"github.com/pdsmove/pdsmove/internal/pds"
	"github.com/pdsmove/pdsmove/pkg/models"
)

func cidFor(data []byte) string {
	sum := sha256.Sum256(data)
	mh, _ := multihash.Encode(sum[:], multihash.SHA2_256)
	return cid.NewCidV1(cid.Raw, mh).String()
}

// fakePDS implements just enough of an AT Protocol PDS to drive the
// orchestrator end to end against an httptest server.
type fakePDS struct {
	repoBytes []byte
	blobBytes []byte
	blobCID   string
	activated bool
	submitted bool
}

func (f *fakePDS) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.describeServer":
			writeJSON(w, map[string]any{"did": "did:web:target-pds.example", "availableUserDomains": []string{"example.com"}})
		case "/xrpc/com.atproto.server.getServiceAuth":
			writeJSON(w, map[string]string{"token": "service-auth-token"})
		case "/xrpc/com.atproto.server.createAccount":
			if got := r.Header.Get("Authorization"); got != "Bearer service-auth-token" {
				w.WriteHeader(http.StatusUnauthorized)
				writeJSON(w, map[string]string{"error": "AuthMissing", "message": "expected service auth token"})
				return
			}
			writeJSON(w, map[string]string{"did": "did:plc:target", "handle": "new.example.com", "accessJwt": "tgt-access", "refreshJwt": "tgt-refresh"})
		case "/xrpc/com.atproto.sync.getRepo":
			w.Write(f.repoBytes)
		case "/xrpc/com.atproto.repo.importRepo":
			io.Copy(io.Discard, r.Body)
			w.WriteHeader(http.StatusOK)
		case "/xrpc/com.atproto.sync.listBlobs":
			writeJSON(w, map[string]any{"cids": []string{f.blobCID}})
		case "/xrpc/com.atproto.repo.listMissingBlobs":
			writeJSON(w, map[string]any{"blobRefs": []map[string]string{{"cid": f.blobCID}}})
		case "/xrpc/com.atproto.sync.getBlob":
			w.Write(f.blobBytes)
		case "/xrpc/com.atproto.repo.uploadBlob":
			io.Copy(io.Discard, r.Body)
			writeJSON(w, map[string]string{})
		case "/xrpc/app.bsky.actor.getPreferences":
			w.Write([]byte(`{"preferences":[]}`))
		case "/xrpc/app.bsky.actor.putPreferences":
			w.WriteHeader(http.StatusOK)
		case "/xrpc/com.atproto.identity.getRecommendedDidCredentials":
			w.Write([]byte(`{"rotationKeys":["did:key:abc"]}`))
		case "/xrpc/com.atproto.identity.requestPlcOperationSignature":
			w.WriteHeader(http.StatusOK)
		case "/xrpc/com.atproto.identity.signPlcOperation":
			writeJSON(w, map[string]any{"operation": map[string]string{"type": "plc_operation"}})
		case "/xrpc/com.atproto.identity.submitPlcOperation":
			f.submitted = true
			w.WriteHeader(http.StatusOK)
		case "/xrpc/com.atproto.server.checkAccountStatus":
			writeJSON(w, map[string]any{"activated": false, "validDid": f.submitted, "expectedBlobs": 1, "importedBlobs": 1, "indexedRecords": 0})
		case "/xrpc/com.atproto.server.activateAccount":
			f.activated = true
			w.WriteHeader(http.StatusOK)
		case "/xrpc/com.atproto.server.deactivateAccount":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	b, _ := json.Marshal(v)
	w.Write(b)
}

type memCheckpointStore struct {
	saved []models.Checkpoint
}

func (m *memCheckpointStore) Save(ctx context.Context, cp models.Checkpoint) error {
	m.saved = append(m.saved, cp)
	return nil
}

func (m *memCheckpointStore) Load(ctx context.Context, did string) (models.Checkpoint, error) {
	if len(m.saved) == 0 {
		return models.Checkpoint{}, nil
	}
	return m.saved[len(m.saved)-1], nil
}

func TestOrchestratorRunCompletesAllSixPhases(t *testing.T) {
	blobBytes := []byte("blobcontent")
	fake := &fakePDS{repoBytes: bytes.Repeat([]byte("r"), 100), blobBytes: blobBytes, blobCID: cidFor(blobBytes)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	source := pds.New(&models.Session{PDSHost: srv.URL, DID: "did:plc:source"}, 0)
	target := pds.New(&models.Session{PDSHost: srv.URL}, 0)

	c := cache.NewMemCache(10 << 20)
	migrator := &blob.Migrator{Source: source, Target: target, Cache: c, MaxAttempts: 2}
	rotator := &identity.Rotator{Source: source, Target: target}
	tokens := identity.NewChannelTokenSource()
	tokens.Submit("123456")

	store := &memCheckpointStore{}
	progress := make(chan models.ProgressEvent, 32)

	orch := &Orchestrator{
		Checkpoints: store,
		Migrator:    migrator,
		Rotator:     rotator,
		Tokens:      tokens,
		Source:      source,
		Target:      target,
		Progress:    progress,
	}

	state := &models.MigrationState{
		Checkpoint: models.Checkpoint{DID: "did:plc:source", SourcePDS: srv.URL, TargetPDS: srv.URL},
	}

	if err := orch.Run(context.Background(), state, Params{Handle: "new.example.com", Email: "a@b.com", Password: "pw"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if state.Checkpoint.Phase != models.PhaseActivated {
		t.Fatalf("expected final phase activated, got %s", state.Checkpoint.Phase)
	}
	if !fake.activated {
		t.Error("expected target account to be activated")
	}
	if len(store.saved) < 6 {
		t.Errorf("expected at least 6 checkpoint saves (one per phase), got %d", len(store.saved))
	}

	close(progress)
	var phaseEvents int
	for ev := range progress {
		if !ev.Chunk {
			phaseEvents++
		}
	}
	if phaseEvents != 6 {
		t.Errorf("expected 6 phase-complete events, got %d", phaseEvents)
	}
}

func TestOrchestratorRunResumesFromCheckpointedPhase(t *testing.T) {
	fake := &fakePDS{repoBytes: []byte("r"), blobBytes: []byte("b")}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	source := pds.New(&models.Session{PDSHost: srv.URL, DID: "did:plc:source"}, 0)
	target := pds.New(&models.Session{PDSHost: srv.URL}, 0)
	c := cache.NewMemCache(10 << 20)

	orch := &Orchestrator{
		Checkpoints: &memCheckpointStore{},
		Migrator:    &blob.Migrator{Source: source, Target: target, Cache: c, MaxAttempts: 2},
		Rotator:     &identity.Rotator{Source: source, Target: target},
		Tokens:      identity.NewChannelTokenSource(),
		Source:      source,
		Target:      target,
	}
	orch.Tokens.(*identity.ChannelTokenSource).Submit("000000")

	state := &models.MigrationState{
		Checkpoint: models.Checkpoint{
			DID:   "did:plc:source",
			Phase: models.PhasePreferencesTransferred,
		},
	}

	if err := orch.Run(context.Background(), state, Params{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if state.Checkpoint.Phase != models.PhaseActivated {
		t.Fatalf("expected resumed run to reach activated, got %s", state.Checkpoint.Phase)
	}
}

// TestTransferBlobsCompletesBatchDespiteOnePermanentFailure covers the
// S5 scenario: one blob among several fails terminally (a CID mismatch,
// non-retryable) and the rest are otherwise healthy. The phase must
// still attempt and complete every other blob rather than abandoning
// the batch on the first failure.
func TestTransferBlobsCompletesBatchDespiteOnePermanentFailure(t *testing.T) {
	good1 := []byte("good blob one")
	good2 := []byte("good blob two")
	bad := []byte("bad blob content")
	badCID := cidFor([]byte("something else entirely"))

	blobContent := map[string][]byte{
		cidFor(good1): good1,
		cidFor(good2): good2,
		badCID:        bad,
	}
	cids := []string{cidFor(good1), badCID, cidFor(good2)}

	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.sync.listBlobs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"cids": cids})
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.listMissingBlobs", func(w http.ResponseWriter, r *http.Request) {
		refs := make([]map[string]string, 0, len(cids))
		for _, c := range cids {
			refs = append(refs, map[string]string{"cid": c})
		}
		writeJSON(w, map[string]any{"blobRefs": refs})
	})
	mux.HandleFunc("/xrpc/com.atproto.sync.getBlob", func(w http.ResponseWriter, r *http.Request) {
		w.Write(blobContent[r.URL.Query().Get("cid")])
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.uploadBlob", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		writeJSON(w, map[string]string{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	source := pds.New(&models.Session{PDSHost: srv.URL, DID: "did:plc:source"}, 0)
	target := pds.New(&models.Session{PDSHost: srv.URL}, 0)
	c := cache.NewMemCache(10 << 20)
	migrator := &blob.Migrator{Source: source, Target: target, Cache: c, MaxAttempts: 1}

	progress := make(chan models.ProgressEvent, 32)
	orch := &Orchestrator{
		Checkpoints: &memCheckpointStore{},
		Migrator:    migrator,
		Source:      source,
		Target:      target,
		Progress:    progress,
	}

	state := &models.MigrationState{
		Checkpoint: models.Checkpoint{DID: "did:plc:source"},
	}

	err := orch.transferBlobs(context.Background(), state, Params{})
	if err != nil {
		t.Fatalf("transferBlobs should not fail the phase on a single blob's terminal failure: %v", err)
	}

	if got := state.Checkpoint.Blobs[badCID].Status; got != models.BlobFailed {
		t.Errorf("expected mismatched blob to end BlobFailed, got %s", got)
	}
	for _, okCID := range []string{cidFor(good1), cidFor(good2)} {
		if got := state.Checkpoint.Blobs[okCID].Status; got != models.BlobDone {
			t.Errorf("expected healthy blob %s to end BlobDone, got %s", okCID, got)
		}
	}
}
