package replica

import (
	"strconv"
	"strings"
)

// converts between the application node/entry model and the on-doc record
// layout. A node shard holds every sibling under one parent, so node fields
// are namespaced by node id. The children map is a nested doc map so that
// concurrent child inserts merge per key instead of replacing the whole
// node. Index entry contexts are one field per context for the same reason:
// two devices adding different contexts must not clobber each other.
//
// node fields:  <node-id>:v value, <node-id>:r rank, <node-id>:ca created,
//               <node-id>:ua updated, <node-id>:by editor, <node-id>:ar archived
// node map:     <node-id>:ch  rank key -> child id
// entry fields: ca, ua, by, context:<node-id> -> parent shard key
// shard field:  parent -> the shard's own parent shard key

const shardParentField = "parent"
const contextFieldPrefix = "context:"

const nodeCreatedSuffix = ":ca"

func nodeField(nodeId Id, suffix string) string {
	return nodeId.String() + ":" + suffix
}

func nodeChildrenMap(nodeId Id) string {
	return nodeId.String() + ":ch"
}

func formatTime(t int64) string {
	return strconv.FormatInt(t, 10)
}

func parseTime(s string) int64 {
	t, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return t
}

// set only when changed. Unconditional writes of unchanged fields create
// spurious conflict history on every replica
func setChanged(doc Doc, field string, value string) {
	if current, ok := doc.Get(field); !ok || current != value {
		doc.Set(field, value)
	}
}

func readShardParent(doc Doc) (ShardKey, bool) {
	value, ok := doc.Get(shardParentField)
	return ShardKey(value), ok
}

func writeShardParent(doc Doc, shardKey ShardKey) {
	setChanged(doc, shardParentField, string(shardKey))
}

func writeNodeRecord(doc Doc, node *Node) {
	setChanged(doc, nodeField(node.Id, "v"), node.Value)
	setChanged(doc, nodeField(node.Id, "r"), node.Rank)
	setChanged(doc, nodeField(node.Id, "ca"), formatTime(node.CreatedAt))
	setChanged(doc, nodeField(node.Id, "ua"), formatTime(node.UpdatedAt))
	setChanged(doc, nodeField(node.Id, "by"), node.LastEditorId.String())
	archivedField := nodeField(node.Id, "ar")
	if node.ArchivedAt == 0 {
		if _, ok := doc.Get(archivedField); ok {
			doc.Delete(archivedField)
		}
	} else {
		setChanged(doc, archivedField, formatTime(node.ArchivedAt))
	}

	// reconcile the children map key by key
	children := doc.Map(nodeChildrenMap(node.Id))
	for _, rank := range children.Keys() {
		if _, ok := node.Children[rank]; !ok {
			children.Delete(rank)
		}
	}
	for rank, childId := range node.Children {
		if current, ok := children.Get(rank); !ok || current != childId.String() {
			children.Set(rank, childId.String())
		}
	}
}

func readNodeRecord(doc Doc, parentId Id, nodeId Id) (*Node, bool) {
	createdAt, ok := doc.Get(nodeField(nodeId, "ca"))
	if !ok {
		return nil, false
	}

	node := &Node{
		Id:        nodeId,
		ParentId:  parentId,
		CreatedAt: parseTime(createdAt),
		Children:  map[string]Id{},
	}
	if value, ok := doc.Get(nodeField(nodeId, "v")); ok {
		node.Value = value
	}
	if rank, ok := doc.Get(nodeField(nodeId, "r")); ok {
		node.Rank = rank
	}
	if updatedAt, ok := doc.Get(nodeField(nodeId, "ua")); ok {
		node.UpdatedAt = parseTime(updatedAt)
	}
	if editor, ok := doc.Get(nodeField(nodeId, "by")); ok {
		if editorId, err := ParseId(editor); err == nil {
			node.LastEditorId = editorId
		}
	}
	if archivedAt, ok := doc.Get(nodeField(nodeId, "ar")); ok {
		node.ArchivedAt = parseTime(archivedAt)
	}

	children := doc.Map(nodeChildrenMap(nodeId))
	for _, rank := range children.Keys() {
		childValue, ok := children.Get(rank)
		if !ok {
			continue
		}
		if childId, err := ParseId(childValue); err == nil {
			node.Children[rank] = childId
		}
	}

	return node, true
}

func readNodeRecords(doc Doc, parentId Id) []*Node {
	nodes := []*Node{}
	for _, field := range doc.Fields() {
		if !strings.HasSuffix(field, nodeCreatedSuffix) {
			continue
		}
		nodeId, err := ParseId(strings.TrimSuffix(field, nodeCreatedSuffix))
		if err != nil {
			continue
		}
		if node, ok := readNodeRecord(doc, parentId, nodeId); ok {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func deleteNodeRecord(doc Doc, nodeId Id) {
	for _, suffix := range []string{"v", "r", "ca", "ua", "by", "ar"} {
		field := nodeField(nodeId, suffix)
		if _, ok := doc.Get(field); ok {
			doc.Delete(field)
		}
	}
	children := doc.Map(nodeChildrenMap(nodeId))
	for _, rank := range children.Keys() {
		children.Delete(rank)
	}
}

func writeEntryRecord(doc Doc, entry *IndexEntry) {
	setChanged(doc, "ca", formatTime(entry.CreatedAt))
	setChanged(doc, "ua", formatTime(entry.UpdatedAt))
	setChanged(doc, "by", entry.LastEditorId.String())

	for _, field := range doc.Fields() {
		if !strings.HasPrefix(field, contextFieldPrefix) {
			continue
		}
		nodeId, err := ParseId(strings.TrimPrefix(field, contextFieldPrefix))
		if err != nil {
			continue
		}
		if _, ok := entry.Contexts[nodeId]; !ok {
			doc.Delete(field)
		}
	}
	for nodeId, parentShardKey := range entry.Contexts {
		setChanged(doc, contextFieldPrefix+nodeId.String(), string(parentShardKey))
	}
}

func readEntryRecord(doc Doc, key string) (*IndexEntry, bool) {
	createdAt, ok := doc.Get("ca")
	if !ok {
		return nil, false
	}

	entry := &IndexEntry{
		Key:       key,
		CreatedAt: parseTime(createdAt),
		Contexts:  map[Id]ShardKey{},
	}
	if updatedAt, ok := doc.Get("ua"); ok {
		entry.UpdatedAt = parseTime(updatedAt)
	}
	if editor, ok := doc.Get("by"); ok {
		if editorId, err := ParseId(editor); err == nil {
			entry.LastEditorId = editorId
		}
	}
	for _, field := range doc.Fields() {
		if !strings.HasPrefix(field, contextFieldPrefix) {
			continue
		}
		nodeId, err := ParseId(strings.TrimPrefix(field, contextFieldPrefix))
		if err != nil {
			continue
		}
		if parentShardKey, ok := doc.Get(field); ok {
			entry.Contexts[nodeId] = ShardKey(parentShardKey)
		}
	}

	return entry, true
}

func clearEntryContexts(doc Doc) {
	for _, field := range doc.Fields() {
		if strings.HasPrefix(field, contextFieldPrefix) {
			doc.Delete(field)
		}
	}
}
