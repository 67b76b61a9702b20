package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/internal/cache"
	"github.com/pdsmove/pdsmove/pkg/migerr"
	"github.com/pdsmove/pdsmove/pkg/models"
)

// CacheCheckpointStore persists checkpoints as JSON under
// "checkpoint/<did>" in a durable cache, giving resume the same
// storage guarantees (atomic writes, survives process restart) as the
// blob cache itself.
type CacheCheckpointStore struct {
	Cache cache.Cache
}

func checkpointKey(did string) string { return "checkpoint/" + did }

func (s CacheCheckpointStore) Save(ctx context.Context, cp models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return migerr.Wrap(migerr.KindProtocol, "marshal checkpoint", err)
	}
	_, err = s.Cache.PutChunked(ctx, checkpointKey(cp.DID), bytestream.FromBytes(data, bytestream.DefaultChunkSize))
	return err
}

func (s CacheCheckpointStore) Load(ctx context.Context, did string) (models.Checkpoint, error) {
	data, err := s.Cache.GetBytes(ctx, checkpointKey(did))
	if err != nil {
		return models.Checkpoint{}, err
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return models.Checkpoint{}, migerr.Wrap(migerr.KindProtocol, "unmarshal checkpoint", err)
	}
	return cp, nil
}
