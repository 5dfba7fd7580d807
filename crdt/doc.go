// Package crdt is the default conflict-free map behind `replica.Doc`.
//
// Fields are last-writer-wins registers ordered by (clock, actor), where
// clock is a doc-level lamport counter merged on every apply. Deletes are
// tombstones so that a delete and a concurrent stale write converge the
// same way on every replica. Updates are self-contained lists of registers,
// so applying the same update twice is a no-op.
package crdt

import (
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/oklog/ulid/v2"

	"github.com/mindgrove/weave/replica"
)

type register struct {
	value   string
	deleted bool
	clock   uint64
	actor   string
}

// whether `other` takes precedence over this register
func (self *register) losesTo(other register) bool {
	if other.clock != self.clock {
		return self.clock < other.clock
	}
	return self.actor < other.actor
}

type wireRegister struct {
	MapName string `json:"m,omitempty"`
	Field   string `json:"f"`
	Value   string `json:"v,omitempty"`
	Deleted bool   `json:"d,omitempty"`
	Clock   uint64 `json:"c"`
	Actor   string `json:"a"`
}

type Doc struct {
	mutex sync.Mutex

	actor string
	clock uint64

	scalars map[string]register
	// map name -> key -> register
	mapScalars map[string]map[string]register

	updateCallbacks *replica.CallbackList[replica.DocUpdateFunction]
	changeCallbacks *replica.CallbackList[replica.DocChangeFunction]
}

func NewDoc() *Doc {
	return NewDocWithActor(ulid.Make().String())
}

func NewDocWithActor(actor string) *Doc {
	return &Doc{
		actor:           actor,
		scalars:         map[string]register{},
		mapScalars:      map[string]map[string]register{},
		updateCallbacks: replica.NewCallbackList[replica.DocUpdateFunction](),
		changeCallbacks: replica.NewCallbackList[replica.DocChangeFunction](),
	}
}

func (self *Doc) Get(field string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	r, ok := self.scalars[field]
	if !ok || r.deleted {
		return "", false
	}
	return r.value, true
}

func (self *Doc) Set(field string, value string) {
	self.setLocal("", field, value, false)
}

func (self *Doc) Delete(field string) {
	self.setLocal("", field, "", true)
}

func (self *Doc) Fields() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	fields := []string{}
	for field, r := range self.scalars {
		if !r.deleted {
			fields = append(fields, field)
		}
	}
	return fields
}

func (self *Doc) Map(name string) replica.DocMap {
	return &docMap{
		doc:  self,
		name: name,
	}
}

func (self *Doc) MapNames() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	names := []string{}
	for name, regs := range self.mapScalars {
		for _, r := range regs {
			if !r.deleted {
				names = append(names, name)
				break
			}
		}
	}
	return names
}

func (self *Doc) setLocal(mapName string, field string, value string, deleted bool) {
	self.mutex.Lock()

	self.clock += 1
	r := register{
		value:   value,
		deleted: deleted,
		clock:   self.clock,
		actor:   self.actor,
	}
	self.put(mapName, field, r)

	update, err := json.Marshal([]wireRegister{{
		MapName: mapName,
		Field:   field,
		Value:   value,
		Deleted: deleted,
		Clock:   r.clock,
		Actor:   r.actor,
	}})
	self.mutex.Unlock()
	if err != nil {
		panic(err)
	}

	changes := []replica.DocChange{{
		MapName: mapName,
		Field:   field,
		Value:   value,
		Deleted: deleted,
	}}
	self.dispatch(update, changes, false)
}

// mutex must be held
func (self *Doc) put(mapName string, field string, r register) {
	if mapName == "" {
		self.scalars[field] = r
	} else {
		regs, ok := self.mapScalars[mapName]
		if !ok {
			regs = map[string]register{}
			self.mapScalars[mapName] = regs
		}
		regs[field] = r
	}
}

func (self *Doc) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}

	var wireRegisters []wireRegister
	if err := json.Unmarshal(update, &wireRegisters); err != nil {
		return fmt.Errorf("bad update: %w", err)
	}

	self.mutex.Lock()
	changes := []replica.DocChange{}
	for _, w := range wireRegisters {
		next := register{
			value:   w.Value,
			deleted: w.Deleted,
			clock:   w.Clock,
			actor:   w.Actor,
		}
		var current register
		var ok bool
		if w.MapName == "" {
			current, ok = self.scalars[w.Field]
		} else if regs, regsOk := self.mapScalars[w.MapName]; regsOk {
			current, ok = regs[w.Field]
		}
		if ok && !current.losesTo(next) {
			// stale
			continue
		}
		self.put(w.MapName, w.Field, next)
		if self.clock < w.Clock {
			self.clock = w.Clock
		}
		changes = append(changes, replica.DocChange{
			MapName: w.MapName,
			Field:   w.Field,
			Value:   w.Value,
			Deleted: w.Deleted,
		})
	}
	self.mutex.Unlock()

	if 0 < len(changes) {
		self.dispatch(update, changes, true)
	}
	return nil
}

func (self *Doc) EncodeState() []byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	wireRegisters := []wireRegister{}
	appendRegisters := func(mapName string, regs map[string]register) {
		fields := maps.Keys(regs)
		slices.Sort(fields)
		for _, field := range fields {
			r := regs[field]
			wireRegisters = append(wireRegisters, wireRegister{
				MapName: mapName,
				Field:   field,
				Value:   r.value,
				Deleted: r.deleted,
				Clock:   r.clock,
				Actor:   r.actor,
			})
		}
	}
	appendRegisters("", self.scalars)
	mapNames := maps.Keys(self.mapScalars)
	slices.Sort(mapNames)
	for _, name := range mapNames {
		appendRegisters(name, self.mapScalars[name])
	}

	state, err := json.Marshal(wireRegisters)
	if err != nil {
		panic(err)
	}
	return state
}

func (self *Doc) AddUpdateCallback(callback replica.DocUpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(callback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *Doc) AddChangeCallback(callback replica.DocChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *Doc) dispatch(update []byte, changes []replica.DocChange, remote bool) {
	for _, updateCallback := range self.updateCallbacks.Get() {
		func() {
			defer recover()
			updateCallback(update, remote)
		}()
	}
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			changeCallback(changes, remote)
		}()
	}
}

func (self *Doc) Destroy() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.scalars = map[string]register{}
	self.mapScalars = map[string]map[string]register{}
	self.updateCallbacks = replica.NewCallbackList[replica.DocUpdateFunction]()
	self.changeCallbacks = replica.NewCallbackList[replica.DocChangeFunction]()
}

type docMap struct {
	doc  *Doc
	name string
}

func (self *docMap) Get(key string) (string, bool) {
	self.doc.mutex.Lock()
	defer self.doc.mutex.Unlock()

	regs, ok := self.doc.mapScalars[self.name]
	if !ok {
		return "", false
	}
	r, ok := regs[key]
	if !ok || r.deleted {
		return "", false
	}
	return r.value, true
}

func (self *docMap) Set(key string, value string) {
	self.doc.setLocal(self.name, key, value, false)
}

func (self *docMap) Delete(key string) {
	self.doc.setLocal(self.name, key, "", true)
}

func (self *docMap) Keys() []string {
	self.doc.mutex.Lock()
	defer self.doc.mutex.Unlock()

	keys := []string{}
	if regs, ok := self.doc.mapScalars[self.name]; ok {
		for key, r := range regs {
			if !r.deleted {
				keys = append(keys, key)
			}
		}
	}
	slices.Sort(keys)
	return keys
}

func (self *docMap) Len() int {
	return len(self.Keys())
}
