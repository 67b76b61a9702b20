// Package models holds the data types shared across the migration
// pipeline: session credentials, migration state, and the cache/stream
// record types the durable cache and blob layer exchange.
package models

import "time"

// Phase is one step of the six-phase migration. Phases are totally
// ordered; Advance only ever moves forward or into PhaseFailed.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseAccountCreated
	PhaseRepoTransferred
	PhaseBlobsTransferred
	PhasePreferencesTransferred
	PhaseIdentityRotated
	PhaseActivated
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseAccountCreated:
		return "account_created"
	case PhaseRepoTransferred:
		return "repo_transferred"
	case PhaseBlobsTransferred:
		return "blobs_transferred"
	case PhasePreferencesTransferred:
		return "preferences_transferred"
	case PhaseIdentityRotated:
		return "identity_rotated"
	case PhaseActivated:
		return "activated"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session holds credentials and endpoint for one PDS actor (source or
// target). AccessToken and RefreshToken are never serialized to the
// durable cache or logged.
type Session struct {
	PDSHost      string `json:"pdsHost"`
	DID          string `json:"did"`
	Handle       string `json:"handle"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	ExpiresAt    time.Time
}

// BlobStatus tracks one blob's position in the migration.
type BlobStatus int

const (
	BlobPending BlobStatus = iota
	BlobInFlight
	BlobDone
	BlobFailed
)

func (s BlobStatus) String() string {
	switch s {
	case BlobPending:
		return "pending"
	case BlobInFlight:
		return "in_flight"
	case BlobDone:
		return "done"
	case BlobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Blob is one content-addressed blob referenced from the source repo.
type Blob struct {
	CID      string     `json:"cid"`
	MimeType string     `json:"mimeType"`
	Size     int64      `json:"size"`
	Status   BlobStatus `json:"status"`
	Attempts int        `json:"attempts"`
}

// Checkpoint is the durable, resumable record of migration progress.
// It is the only state Advance/resume consult; everything else is
// recomputed from the source/target PDS on resume.
type Checkpoint struct {
	DID              string          `json:"did"`
	Phase            Phase           `json:"phase"`
	SourcePDS        string          `json:"sourcePds"`
	TargetPDS        string          `json:"targetPds"`
	RepoCommitCID    string          `json:"repoCommitCid,omitempty"`
	Blobs            map[string]Blob `json:"blobs,omitempty"`
	PLCOperationCID  string          `json:"plcOperationCid,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// MigrationState is the in-memory working state for one migration run,
// backed by a Checkpoint that is persisted after every phase.
type MigrationState struct {
	Checkpoint Checkpoint
	Source     Session
	Target     Session
}

// Advance moves the checkpoint to next, rejecting any transition that
// is not strictly forward (or into PhaseFailed from any non-terminal
// phase). It is the single place phase-order is enforced.
func (m *MigrationState) Advance(next Phase) error {
	cur := m.Checkpoint.Phase
	if next == PhaseFailed {
		if cur == PhaseActivated {
			return errPhaseOrder(cur, next)
		}
		m.Checkpoint.Phase = next
		m.Checkpoint.UpdatedAt = nowFunc()
		return nil
	}
	if next <= cur {
		return errPhaseOrder(cur, next)
	}
	m.Checkpoint.Phase = next
	m.Checkpoint.UpdatedAt = nowFunc()
	return nil
}

// nowFunc is indirected so tests can substitute a fixed clock without
// reaching for a wall-clock call inside assertions.
var nowFunc = time.Now

func errPhaseOrder(cur, next Phase) error {
	return &phaseOrderError{cur: cur, next: next}
}

type phaseOrderError struct {
	cur, next Phase
}

func (e *phaseOrderError) Error() string {
	return "illegal phase transition: " + e.cur.String() + " -> " + e.next.String()
}

// ProgressEvent is emitted on the orchestrator's progress channel.
// Phase events always carry Phase set and Chunk false; byte-progress
// events carry Chunk true and may be dropped under backpressure.
type ProgressEvent struct {
	Phase      Phase
	Chunk      bool
	BlobCID    string
	BytesMoved int64
	Message    string
}

// CacheEntry describes one durable-cache record's metadata. None of the
// cache backends stores or returns it; they keep only the raw bytes
// under each key.
type CacheEntry struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}
