package replica

// Doc is the capability surface the engine needs from a conflict-free
// replicated map. Any conformant implementation works; the default is
// `crdt.NewDoc`. Merge semantics live entirely behind this interface.
//
// a doc holds scalar string fields plus named nested ordered maps.
// local mutations and applied remote updates both surface through the
// update and change callbacks

type DocChange struct {
	// empty for scalar fields
	MapName string
	Field   string
	Value   string
	Deleted bool
}

// `remote` is true when the change arrived via `ApplyUpdate`
type DocUpdateFunction func(update []byte, remote bool)
type DocChangeFunction func(changes []DocChange, remote bool)

type Doc interface {
	Get(field string) (string, bool)
	Set(field string, value string)
	Delete(field string)
	// scalar field names, unordered
	Fields() []string

	Map(name string) DocMap
	MapNames() []string

	// encoded incremental updates, local and remote origin.
	// remove with the returned unsub
	AddUpdateCallback(callback DocUpdateFunction) func()
	AddChangeCallback(callback DocChangeFunction) func()

	// merge an encoded update or state from another replica.
	// idempotent
	ApplyUpdate(update []byte) error
	// the full state as one update
	EncodeState() []byte

	Destroy()
}

// nested ordered map. keys iterate in ascending order
type DocMap interface {
	Get(key string) (string, bool)
	Set(key string, value string)
	Delete(key string)
	Keys() []string
	Len() int
}

type DocFactory func() Doc
