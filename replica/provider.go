package replica

import (
	"context"
	"fmt"
)

// pluggable persistence tiers. The local store is the durable cache tier,
// the remote sync is the networked tier. Local durability is always awaited
// before remote sync starts for a shard

// deterministic doc name for a shard within a space
func ShardDocName(spaceId Id, ref ShardRef) string {
	return fmt.Sprintf("%s/%s/%s", spaceId, ref.Kind, ref.Key)
}

func LogDocName(spaceId Id) string {
	return fmt.Sprintf("%s/log", spaceId)
}

func LogBlockDocName(spaceId Id, blockIndex int) string {
	return fmt.Sprintf("%s/log-block/%d", spaceId, blockIndex)
}

type LocalStore interface {
	// load persisted state into the doc and begin persisting its updates
	Open(name string, doc Doc) (LocalDoc, error)
	// purge all persisted state for a doc name. Tolerates absent names
	Clear(ctx context.Context, name string) error
}

type LocalDoc interface {
	// closed once the initial load completed
	Synced() <-chan struct{}
	// whether the initial load found any persisted state.
	// valid after Synced
	HasContent() bool
	// blocks until every update observed so far is committed
	Durable(ctx context.Context) error
	// stop persisting and detach from the doc
	Destroy()
}

type RemoteSync interface {
	// attach the doc to the networked tier.
	// offline is not an error; the handle simply never signals synced
	Open(name string, doc Doc) (RemoteDoc, error)
}

type RemoteDoc interface {
	// closed once a full exchange with the remote completed
	Synced() <-chan struct{}
	// detach from the doc and the session
	Destroy()
}

// host supplied watermark storage for replication cursors
type CursorStore interface {
	GetItem(key string) (string, bool)
	SetItem(key string, value string)
}
