package replica

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// a space is one replicated tree plus its index.
// nodes are grouped into shards by parent id,
// index entries are one shard each.

// shard key for the top-level container nodes
const RootShardKey = ShardKey("__root")

type ShardKind string

const (
	ShardKindNode  ShardKind = "thought"
	ShardKindEntry ShardKind = "index-entry"
)

// identifier selecting a shard.
// for node shards this is the parent node id (or `RootShardKey`),
// for entry shards this is the index key
type ShardKey string

func NodeShardKey(parentId Id) ShardKey {
	if (parentId == Id{}) {
		return RootShardKey
	}
	return ShardKey(parentId.String())
}

// comparable
type ShardRef struct {
	Kind ShardKind
	Key  ShardKey
}

func (self ShardRef) String() string {
	return fmt.Sprintf("%s(%s)", self.Kind, self.Key)
}

type LogAction string

const (
	LogActionUpdate LogAction = "update"
	LogActionDelete LogAction = "delete"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// a single node of the tree.
// the node lives in the shard keyed by its parent id
type Node struct {
	Id           Id
	ParentId     Id
	Rank         string
	Value        string
	CreatedAt    int64
	UpdatedAt    int64
	LastEditorId Id
	// 0 means not archived
	ArchivedAt int64
	// rank key -> child id
	Children map[string]Id
}

func (self *Node) ShardKey() ShardKey {
	return NodeShardKey(self.ParentId)
}

// reverse lookup from a normalized value to the set of nodes sharing it.
// each context records the shard key of the node's parent so that the
// context can be located without walking the full tree
type IndexEntry struct {
	Key          string
	CreatedAt    int64
	UpdatedAt    int64
	LastEditorId Id
	// node id -> shard key of that node's parent
	Contexts map[Id]ShardKey
}

// an entry with no contexts is logically deleted
func (self *IndexEntry) Deleted() bool {
	return len(self.Contexts) == 0
}

// IndexKey normalizes a node value into its index entry key.
// values that normalize to the same key share one entry
func IndexKey(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}
