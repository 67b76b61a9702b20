// Package orchestrator runs the six-phase migration as a linear saga:
// each phase executes at most once per target phase (re-running an
// already-completed phase on resume is a no-op), persists a checkpoint
// immediately after it completes, and reports progress on a channel
// that never drops a phase transition but may drop byte-level chunk
// events under backpressure.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pdsmove/pdsmove/internal/blob"
	"github.com/pdsmove/pdsmove/internal/identity"
	"github.com/pdsmove/pdsmove/internal/pds"
	"github.com/pdsmove/pdsmove/pkg/migerr"
	"github.com/pdsmove/pdsmove/pkg/models"
)

// CheckpointStore persists and loads the single checkpoint for a DID's
// migration. Cache-backed implementations key entries as
// "checkpoint/<did>".
type CheckpointStore interface {
	Save(ctx context.Context, cp models.Checkpoint) error
	Load(ctx context.Context, did string) (models.Checkpoint, error)
}

// Orchestrator wires every component the six phases need.
type Orchestrator struct {
	Checkpoints CheckpointStore
	Logger      *slog.Logger

	Migrator *blob.Migrator
	Rotator  *identity.Rotator
	Tokens   identity.TokenSource

	Source *pds.Client
	Target *pds.Client

	ChunkSize int

	// Progress receives phase transitions (always sent, blocking) and
	// chunk-level byte progress (best-effort, dropped if the channel is
	// full). Nil disables progress reporting entirely.
	Progress chan<- models.ProgressEvent
}

// Params carries the per-run secrets account creation needs; they are
// not stored on Orchestrator since Orchestrator is reused across runs.
type Params struct {
	Handle     string
	Email      string
	Password   string
	InviteCode string
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Orchestrator) emit(ev models.ProgressEvent) {
	if o.Progress == nil {
		return
	}
	if ev.Chunk {
		select {
		case o.Progress <- ev:
		default:
		}
		return
	}
	o.Progress <- ev
}

type phaseStep struct {
	target models.Phase
	run    func(context.Context, *models.MigrationState, Params) error
}

func (o *Orchestrator) steps() []phaseStep {
	return []phaseStep{
		{models.PhaseAccountCreated, o.createAccount},
		{models.PhaseRepoTransferred, o.transferRepo},
		{models.PhaseBlobsTransferred, o.transferBlobs},
		{models.PhasePreferencesTransferred, o.transferPreferences},
		{models.PhaseIdentityRotated, o.rotateIdentity},
		{models.PhaseActivated, o.activate},
	}
}

// Run drives state from its current checkpoint phase through
// PhaseActivated, skipping any phase already marked complete. A
// failure at any phase is reported as a PhaseFailed progress event and
// returned; the checkpoint stays at the last successfully completed
// phase, so Run is safe to call again afterward and reruns the phase
// that failed.
func (o *Orchestrator) Run(ctx context.Context, state *models.MigrationState, params Params) error {
	for _, step := range o.steps() {
		if state.Checkpoint.Phase >= step.target {
			continue
		}
		o.logger().Info("entering migration phase", "did", state.Checkpoint.DID, "phase", step.target.String())
		if err := step.run(ctx, state, params); err != nil {
			o.fail(ctx, state, err)
			return err
		}
		if err := state.Advance(step.target); err != nil {
			o.fail(ctx, state, err)
			return err
		}
		if err := o.Checkpoints.Save(ctx, state.Checkpoint); err != nil {
			return migerr.Wrap(migerr.KindProtocol, "persist checkpoint after phase", err)
		}
		o.emit(models.ProgressEvent{Phase: step.target, Message: "phase complete"})
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, state *models.MigrationState, cause error) {
	o.logger().Error("migration phase failed", "did", state.Checkpoint.DID, "completed", state.Checkpoint.Phase.String(), "error", cause)
	o.emit(models.ProgressEvent{Phase: models.PhaseFailed, Message: cause.Error()})
}

// createAccount proves ownership of the DID to the target PDS before
// creating the account there. The target session has no access token
// yet, so the proof travels as a service-auth token minted by the
// source PDS (which does hold a session) and scoped to the target's own
// DID and the createAccount method, per the describe_new -> service_auth
// -> create_account edges of the migration graph.
func (o *Orchestrator) createAccount(ctx context.Context, state *models.MigrationState, params Params) error {
	desc, err := o.Target.DescribeServer(ctx)
	if err != nil {
		return migerr.Wrap(migerr.KindProtocol, "describe target server", err)
	}
	serviceAuthToken, err := o.Source.GetServiceAuth(ctx, desc.Did, "com.atproto.server.createAccount")
	if err != nil {
		return migerr.Wrap(migerr.KindProtocol, "mint service auth token", err)
	}
	resp, err := o.Target.CreateAccount(ctx, pds.CreateAccountRequest{
		Email:      params.Email,
		Handle:     params.Handle,
		Did:        state.Checkpoint.DID,
		InviteCode: params.InviteCode,
		Password:   params.Password,
	}, serviceAuthToken)
	if err != nil {
		return migerr.Wrap(migerr.KindProtocol, "create target account", err)
	}
	state.Target.DID = resp.Did
	state.Target.Handle = resp.Handle
	state.Target.AccessToken = resp.AccessJwt
	state.Target.RefreshToken = resp.RefreshJwt
	return nil
}

func (o *Orchestrator) transferRepo(ctx context.Context, state *models.MigrationState, _ Params) error {
	src, err := o.Source.GetRepo(ctx, state.Checkpoint.DID, o.ChunkSize)
	if err != nil {
		return migerr.Wrap(migerr.KindNetworkTransient, "open source repo stream", err)
	}
	defer src.Close()
	n, err := o.Target.ImportRepo(ctx, src)
	if err != nil {
		return migerr.Wrap(migerr.KindProtocol, "import repo into target", err)
	}
	o.emit(models.ProgressEvent{Phase: models.PhaseRepoTransferred, Chunk: true, BytesMoved: n})
	return nil
}

// transferBlobs lists what the source has and the target still needs,
// picks one strategy for the whole batch, and migrates each missing
// blob in turn, checkpointing after every blob so a crash mid-batch
// resumes without re-sending already-uploaded blobs.
func (o *Orchestrator) transferBlobs(ctx context.Context, state *models.MigrationState, _ Params) error {
	cids, err := o.Source.ListBlobs(ctx, state.Checkpoint.DID)
	if err != nil {
		return migerr.Wrap(migerr.KindProtocol, "list source blobs", err)
	}
	missing, err := o.Target.ListMissingBlobs(ctx)
	if err != nil {
		return migerr.Wrap(migerr.KindProtocol, "list target missing blobs", err)
	}
	want := make(map[string]bool, len(missing))
	for _, c := range missing {
		want[c] = true
	}

	if state.Checkpoint.Blobs == nil {
		state.Checkpoint.Blobs = make(map[string]models.Blob)
	}

	var totalBytes int64
	pending := 0
	for _, c := range cids {
		if !want[c] {
			continue
		}
		b := state.Checkpoint.Blobs[c]
		if b.Status == models.BlobDone {
			continue
		}
		b.CID = c
		state.Checkpoint.Blobs[c] = b
		totalBytes += b.Size
		pending++
	}

	quota, err := o.Migrator.Cache.AvailableBytes(ctx)
	if err != nil {
		quota = 0
	}
	strategy := blob.Select(blob.SelectionInput{
		PendingBlobs:      pending,
		TotalBytes:        totalBytes,
		CacheAvailable:    quota,
		PreferReliability: true,
	})

	var failed []string
	for _, c := range cids {
		if !want[c] {
			continue
		}
		b := state.Checkpoint.Blobs[c]
		if b.Status == models.BlobDone {
			continue
		}
		err := o.Migrator.MigrateBlob(ctx, state.Checkpoint.DID, strategy, &b)
		state.Checkpoint.Blobs[c] = b
		if saveErr := o.Checkpoints.Save(ctx, state.Checkpoint); saveErr != nil {
			o.logger().Error("checkpoint save failed mid blob transfer", "error", saveErr)
		}
		if err != nil {
			// A blob that terminally fails does not block the rest of the
			// batch; its failure is recorded in the checkpoint and the
			// phase still completes, with the aggregate failed set
			// reported below.
			failed = append(failed, c)
			o.logger().Warn("blob migration failed, continuing with remaining blobs", "cid", c, "error", err)
			o.emit(models.ProgressEvent{Phase: models.PhaseBlobsTransferred, Chunk: true, BlobCID: c, Message: "failed: " + err.Error()})
			continue
		}
		o.emit(models.ProgressEvent{Phase: models.PhaseBlobsTransferred, Chunk: true, BlobCID: c, BytesMoved: b.Size})
	}
	if len(failed) > 0 {
		o.emit(models.ProgressEvent{Phase: models.PhaseBlobsTransferred, Message: fmt.Sprintf("%d blob(s) permanently failed: %v", len(failed), failed)})
	}
	return nil
}

func (o *Orchestrator) transferPreferences(ctx context.Context, _ *models.MigrationState, _ Params) error {
	raw, err := o.Source.GetPreferences(ctx)
	if err != nil {
		return migerr.Wrap(migerr.KindProtocol, "get source preferences", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	if err := o.Target.PutPreferences(ctx, raw); err != nil {
		return migerr.Wrap(migerr.KindProtocol, "put target preferences", err)
	}
	return nil
}

func (o *Orchestrator) rotateIdentity(ctx context.Context, state *models.MigrationState, _ Params) error {
	result, err := o.Rotator.Rotate(ctx, o.Tokens)
	if err != nil {
		return err
	}
	state.Checkpoint.PLCOperationCID = fingerprint(result.Operation)
	return nil
}

func (o *Orchestrator) activate(ctx context.Context, _ *models.MigrationState, _ Params) error {
	if err := o.Target.ActivateAccount(ctx); err != nil {
		return migerr.Wrap(migerr.KindProtocol, "activate target account", err)
	}
	if err := o.Source.DeactivateAccount(ctx); err != nil {
		return migerr.Wrap(migerr.KindProtocol, "deactivate source account", err)
	}
	return nil
}

// fingerprint hashes the signed PLC operation for the checkpoint
// record, so resume can tell whether a previously-signed operation is
// the one that was actually submitted. It is not the PLC directory's
// own operation CID, which the directory assigns on acceptance.
func fingerprint(op json.RawMessage) string {
	if len(op) == 0 {
		return ""
	}
	sum := sha256.Sum256(op)
	return hex.EncodeToString(sum[:])
}
