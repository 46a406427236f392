package zkmirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// Meta is the immutable server-supplied metadata attached to a value
// read: creation/modification time, the three version counters, data
// length, and child count. Version is the only field used for
// optimistic concurrency; the rest are observability only.
type Meta struct {
	CTime      time.Time
	MTime      time.Time
	Version    int32
	AVersion   int32
	CVersion   int32
	DataLength int32
	ChildCount int32
}

func metaFromStat(st *zk.Stat) Meta {
	if st == nil {
		return Meta{}
	}
	return Meta{
		CTime:      time.UnixMilli(st.Ctime),
		MTime:      time.UnixMilli(st.Mtime),
		Version:    st.Version,
		AVersion:   st.Aversion,
		CVersion:   st.Cversion,
		DataLength: st.DataLength,
		ChildCount: st.NumChildren,
	}
}

// ValueEvent is delivered to a value watcher. Deleted is set, with Data
// and Meta zeroed, exactly once per delete (edge-triggered); otherwise
// it carries the node's current bytes and metadata.
type ValueEvent struct {
	Data    []byte
	Meta    Meta
	Deleted bool
}

// ChildrenEvent is delivered to a children watcher, symmetric to
// ValueEvent.
type ChildrenEvent struct {
	Children []string
	Deleted  bool
}

type ValueWatcher func(ValueEvent)
type ChildWatcher func(ChildrenEvent)

type valueEntry struct {
	data []byte
	meta Meta
}

// Node is the per-path cached view of one node in the coordination
// store: a value slot, a children slot, and the watcher registries for
// each. It is created lazily by Mirror.Get and lives for the lifetime
// of the owning Mirror; deletion of the remote node is a slot state,
// not a Node lifecycle event; the Node survives deletion and revival.
type Node struct {
	path   string
	mirror *Mirror

	value    *Slot[valueEntry]
	children *Slot[[]string]

	watchMu        sync.Mutex
	valueWatchers  map[string]ValueWatcher
	childWatchers  map[string]ChildWatcher
	valueNotified  bool // tracks whether a prior applyDelete has already fired the edge
	childrenNotify bool
}

func newNode(path string, m *Mirror) *Node {
	return &Node{
		path:          path,
		mirror:        m,
		value:         newSlot[valueEntry](m.clock),
		children:      newSlot[[]string](m.clock),
		valueWatchers: make(map[string]ValueWatcher),
		childWatchers: make(map[string]ChildWatcher),
	}
}

// Path returns this node's canonical path.
func (n *Node) Path() string { return n.path }

// Value returns the bytes and metadata stored at this node once known.
// It fails with a no-node error if the node is deleted, or a timeout
// error if timeout elapses first. If the deadline is reached while the
// slot is still unknown and the Mirror reports connected, Value
// re-issues an async get for this path and waits whatever budget
// remains (if none, it checks the slot once more), covering a lost
// initial callback after a benign reconnect.
func (n *Node) Value(ctx context.Context, timeout time.Duration) ([]byte, Meta, error) {
	start := n.mirror.clock.Now()
	entry, err := n.value.wait(ctx, timeout)
	if err == nil {
		return entry.data, entry.meta, nil
	}
	if err == errSlotDeleted {
		return nil, Meta{}, noNodeErr(n.path)
	}
	if err != errSlotTimeout {
		return nil, Meta{}, err
	}

	if !n.mirror.IsConnected() {
		return nil, Meta{}, timeoutErr(n.path)
	}
	remaining := timeout - n.mirror.clock.Now().Sub(start)
	if remaining < 0 {
		remaining = 0
	}

	n.mirror.reissueGet(n.path)
	entry, err = n.value.wait(ctx, remaining)
	switch err {
	case nil:
		return entry.data, entry.meta, nil
	case errSlotDeleted:
		return nil, Meta{}, noNodeErr(n.path)
	default:
		return nil, Meta{}, timeoutErr(n.path)
	}
}

// Children returns the ordered child names of this node once known,
// symmetric to Value.
func (n *Node) Children(ctx context.Context, timeout time.Duration) ([]string, error) {
	start := n.mirror.clock.Now()
	kids, err := n.children.wait(ctx, timeout)
	if err == nil {
		return kids, nil
	}
	if err == errSlotDeleted {
		return nil, noNodeErr(n.path)
	}
	if err != errSlotTimeout {
		return nil, err
	}

	if !n.mirror.IsConnected() {
		return nil, timeoutErr(n.path)
	}
	remaining := timeout - n.mirror.clock.Now().Sub(start)
	if remaining < 0 {
		remaining = 0
	}

	n.mirror.reissueChildren(n.path)
	kids, err = n.children.wait(ctx, remaining)
	switch err {
	case nil:
		return kids, nil
	case errSlotDeleted:
		return nil, noNodeErr(n.path)
	default:
		return nil, timeoutErr(n.path)
	}
}

// Create creates this node with the given value. If the local cache
// already shows a known value, it fails fast with a node-exists error
// without contacting the server. After a successful remote create, it
// waits up to awaitUpdate for the local cache to reflect the new
// node (version 0 or later), defending against a watcher callback
// that hasn't arrived yet.
func (n *Node) Create(ctx context.Context, value []byte, awaitUpdate time.Duration) error {
	if state, _ := n.value.peek(); state == slotKnown {
		return nodeExistsErr(n.path)
	}
	if err := n.mirror.createSync(n.path, value); err != nil {
		return err
	}
	// Our own write is authoritative; don't wait on a watch callback
	// that may race the create response, re-issue the read directly.
	n.mirror.reissueGet(n.path)
	n.mirror.reissueChildren(n.path)
	_, err := n.waitVersionAtLeast(ctx, 0, awaitUpdate)
	return err
}

// Set replaces the value stored at this node. version = -1 forces the
// write; any other value is checked against the node's current version
// by the server. After success, it waits for the local cache to catch
// up to the new version.
func (n *Node) Set(ctx context.Context, value []byte, version int32, awaitUpdate time.Duration) error {
	newVersion, err := n.mirror.setSync(n.path, value, version)
	if err != nil {
		return err
	}
	n.mirror.reissueGet(n.path)
	_, err = n.waitVersionAtLeast(ctx, newVersion, awaitUpdate)
	return err
}

// Delete removes this node. version = -1 forces the delete. After
// success, it waits for the local cache to observe the deletion.
func (n *Node) Delete(ctx context.Context, version int32, awaitUpdate time.Duration) error {
	if err := n.mirror.deleteSync(n.path, version); err != nil {
		return err
	}
	n.mirror.reissueGet(n.path)
	deadline := n.mirror.clock.Now().Add(awaitUpdate)
	for {
		state, _ := n.value.peek()
		if state == slotDeleted {
			return nil
		}
		if n.mirror.clock.Now().After(deadline) {
			return timeoutErr(n.path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.mirror.clock.After(10 * time.Millisecond):
		}
	}
}

// waitVersionAtLeast blocks until the value slot is known at version
// >= want, or the awaitUpdate deadline passes.
func (n *Node) waitVersionAtLeast(ctx context.Context, want int32, awaitUpdate time.Duration) (Meta, error) {
	deadline := n.mirror.clock.Now().Add(awaitUpdate)
	for {
		state, entry := n.value.peek()
		if state == slotKnown && entry.meta.Version >= want {
			return entry.meta, nil
		}
		if n.mirror.clock.Now().After(deadline) {
			return Meta{}, timeoutErr(n.path)
		}
		select {
		case <-ctx.Done():
			return Meta{}, ctx.Err()
		case <-n.mirror.clock.After(10 * time.Millisecond):
		}
	}
}

// AddValueWatcher registers fn under key, replacing any watcher
// already registered under that key. fn is invoked on the Mirror's
// task runner, never from the caller's goroutine and never
// concurrently with any other value or children watcher invocation.
func (n *Node) AddValueWatcher(key string, fn ValueWatcher) {
	n.watchMu.Lock()
	n.valueWatchers[key] = fn
	n.watchMu.Unlock()
}

// DelValueWatcher removes the watcher registered under key, if any.
// Removal is idempotent.
func (n *Node) DelValueWatcher(key string) {
	n.watchMu.Lock()
	delete(n.valueWatchers, key)
	n.watchMu.Unlock()
}

// AddChildWatcher registers fn under key, symmetric to AddValueWatcher.
func (n *Node) AddChildWatcher(key string, fn ChildWatcher) {
	n.watchMu.Lock()
	n.childWatchers[key] = fn
	n.watchMu.Unlock()
}

// DelChildWatcher removes the watcher registered under key, if any.
func (n *Node) DelChildWatcher(key string) {
	n.watchMu.Lock()
	delete(n.childWatchers, key)
	n.watchMu.Unlock()
}

// applyValue is called only by the mirror engine. It installs value
// and, if the slot was unknown or carried a different version,
// schedules every value watcher with the new (value, meta) pair.
func (n *Node) applyValue(data []byte, meta Meta) {
	prevState, prevEntry := n.value.peek()
	n.value.set(valueEntry{data: data, meta: meta})
	n.watchMu.Lock()
	n.valueNotified = false
	changed := prevState != slotKnown || prevEntry.meta.Version != meta.Version
	watchers := cloneValueWatchers(n.valueWatchers)
	n.watchMu.Unlock()
	if !changed {
		return
	}
	evt := ValueEvent{Data: data, Meta: meta}
	for _, fn := range watchers {
		fn := fn
		n.mirror.dispatch(func() { safeCallValue(n.mirror, n.path, fn, evt) })
	}
}

// applyChildren is called only by the mirror engine. It installs the
// children list and, if the slot was unknown or structurally
// different, schedules every children watcher with the new list.
func (n *Node) applyChildren(list []string) {
	prevState, prevList := n.children.peek()
	n.children.set(list)
	n.watchMu.Lock()
	n.childrenNotify = false
	changed := prevState != slotKnown || !sameChildren(prevList, list)
	watchers := cloneChildWatchers(n.childWatchers)
	n.watchMu.Unlock()
	if !changed {
		return
	}
	evt := ChildrenEvent{Children: list}
	for _, fn := range watchers {
		fn := fn
		n.mirror.dispatch(func() { safeCallChild(n.mirror, n.path, fn, evt) })
	}
}

// applyDelete marks both slots deleted. Notification is edge-triggered:
// repeated deletes of an already-deleted node fire nothing.
func (n *Node) applyDelete() {
	valuePrev := n.value.markDeleted()
	childPrev := n.children.markDeleted()

	n.watchMu.Lock()
	notifyValue := valuePrev == slotKnown && !n.valueNotified
	notifyChildren := childPrev == slotKnown && !n.childrenNotify
	n.valueNotified = true
	n.childrenNotify = true
	valueWatchers := cloneValueWatchers(n.valueWatchers)
	childWatchers := cloneChildWatchers(n.childWatchers)
	n.watchMu.Unlock()

	if notifyValue {
		for _, fn := range valueWatchers {
			fn := fn
			n.mirror.dispatch(func() { safeCallValue(n.mirror, n.path, fn, ValueEvent{Deleted: true}) })
		}
	}
	if notifyChildren {
		for _, fn := range childWatchers {
			fn := fn
			n.mirror.dispatch(func() { safeCallChild(n.mirror, n.path, fn, ChildrenEvent{Deleted: true}) })
		}
	}
}

func cloneValueWatchers(m map[string]ValueWatcher) map[string]ValueWatcher {
	out := make(map[string]ValueWatcher, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneChildWatchers(m map[string]ChildWatcher) map[string]ChildWatcher {
	out := make(map[string]ChildWatcher, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sameChildren(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func safeCallValue(m *Mirror, path string, fn ValueWatcher, evt ValueEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Sugar().Errorw("value watcher panicked",
				"path", path, "panic", fmt.Sprint(r))
		}
	}()
	fn(evt)
}

func safeCallChild(m *Mirror, path string, fn ChildWatcher, evt ChildrenEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Sugar().Errorw("children watcher panicked",
				"path", path, "panic", fmt.Sprint(r))
		}
	}()
	fn(evt)
}
