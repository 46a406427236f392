package zkmirror

import (
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// fakeZNode is one node in the in-memory tree the fake driver serves.
type fakeZNode struct {
	data     []byte
	version  int32
	children map[string]struct{}
}

// fakeConn is a minimal in-memory stand-in for *zk.Conn, enough to
// drive Mirror through create/get/children/exists/delete and their
// one-shot watches without a real ensemble. It plays the same role in
// these tests that a fake ListerWatcher plays in a client-go informer
// test.
type fakeConn struct {
	mu       sync.Mutex
	nodes    map[string]*fakeZNode
	dataW    map[string][]chan zk.Event
	childW   map[string][]chan zk.Event
	existW   map[string][]chan zk.Event
	closed   bool
	sessions chan zk.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		nodes:    map[string]*fakeZNode{"/": {children: map[string]struct{}{}}},
		dataW:    make(map[string][]chan zk.Event),
		childW:   make(map[string][]chan zk.Event),
		existW:   make(map[string][]chan zk.Event),
		sessions: make(chan zk.Event, 16),
	}
}

func (f *fakeConn) fire(m map[string][]chan zk.Event, path string, evt zk.Event) {
	chs := m[path]
	delete(m, path)
	for _, ch := range chs {
		ch <- evt
		close(ch)
	}
}

func (f *fakeConn) GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 1)
	f.dataW[path] = append(f.dataW[path], ch)
	return n.data, &zk.Stat{Version: n.version, DataLength: int32(len(n.data)), NumChildren: int32(len(n.children))}, ch, nil
}

func (f *fakeConn) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 1)
	f.childW[path] = append(f.childW[path], ch)
	kids := make([]string, 0, len(n.children))
	for c := range n.children {
		kids = append(kids, c)
	}
	return kids, &zk.Stat{Version: n.version, NumChildren: int32(len(n.children))}, ch, nil
}

func (f *fakeConn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[path]; ok {
		return true, &zk.Stat{Version: n.version}, nil, nil
	}
	ch := make(chan zk.Event, 1)
	f.existW[path] = append(f.existW[path], ch)
	return false, nil, ch, nil
}

func (f *fakeConn) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[path]; ok {
		return true, &zk.Stat{Version: n.version}, nil
	}
	return false, nil, nil
}

func (f *fakeConn) Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[path]; ok {
		return "", zk.ErrNodeExists
	}
	parent := parentOf(path)
	if parent != "" {
		pn, ok := f.nodes[parent]
		if !ok {
			return "", zk.ErrNoNode
		}
		name := path[len(parent):]
		if len(name) > 0 && name[0] == '/' {
			name = name[1:]
		}
		pn.children[name] = struct{}{}
		f.fire(f.childW, parent, zk.Event{Type: zk.EventNodeChildrenChanged, Path: parent})
	}
	f.nodes[path] = &fakeZNode{data: data, children: map[string]struct{}{}}
	f.fire(f.existW, path, zk.Event{Type: zk.EventNodeCreated, Path: path})
	return path, nil
}

func (f *fakeConn) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return nil, zk.ErrBadVersion
	}
	n.data = data
	n.version++
	f.fire(f.dataW, path, zk.Event{Type: zk.EventNodeDataChanged, Path: path})
	return &zk.Stat{Version: n.version, DataLength: int32(len(data))}, nil
}

func (f *fakeConn) Delete(path string, version int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return zk.ErrNoNode
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	if len(n.children) > 0 {
		return zk.ErrNotEmpty
	}
	delete(f.nodes, path)
	f.fire(f.dataW, path, zk.Event{Type: zk.EventNodeDeleted, Path: path})
	f.fire(f.childW, path, zk.Event{Type: zk.EventNodeDeleted, Path: path})
	if parent := parentOf(path); parent != "" {
		if pn, ok := f.nodes[parent]; ok {
			name := path[len(parent):]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
			delete(pn.children, name)
			f.fire(f.childW, parent, zk.Event{Type: zk.EventNodeChildrenChanged, Path: parent})
		}
	}
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.sessions)
}

// pushSessionState delivers a session event on the fake conn's event
// channel, as Connect's returned channel would.
func (f *fakeConn) pushSessionState(state zk.State) {
	f.sessions <- zk.Event{Type: zk.EventSession, State: state}
}

// newFakeDialer returns a dialFunc that always hands out conn (ignoring
// servers/timeout), for tests that want to control the driver directly
// instead of exercising reconnection.
func newFakeDialer(conn *fakeConn) dialFunc {
	return func(servers []string, timeout time.Duration) (zkConn, <-chan zk.Event, error) {
		return conn, conn.sessions, nil
	}
}

// newSequentialFakeDialer returns a dialFunc that hands out conns in
// order, one per call, for tests that exercise a real reconnect (where
// the new session is a distinct connection from the old one).
func newSequentialFakeDialer(conns ...*fakeConn) dialFunc {
	var mu sync.Mutex
	next := 0
	return func(servers []string, timeout time.Duration) (zkConn, <-chan zk.Event, error) {
		mu.Lock()
		defer mu.Unlock()
		conn := conns[next]
		if next < len(conns)-1 {
			next++
		}
		return conn, conn.sessions, nil
	}
}
