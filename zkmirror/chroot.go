package zkmirror

import (
	"context"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// ChrootMirror rebases every path passed to it under a fixed prefix
// before delegating to the underlying Mirror, and strips that prefix
// back off paths it hands to the caller. It is an explicit wrapper
// implementing the same operations as Mirror, not the dynamic
// attribute-forwarding the Python original's ChrootMirror used — see
// spec.md §9's guidance on replacing __getattr__ forwarding with
// interfaces.
type ChrootMirror struct {
	mirror *Mirror
	prefix string
}

func newChrootMirror(m *Mirror, prefix string) *ChrootMirror {
	prefix = NormalizePath(prefix)
	if prefix == "/" {
		prefix = ""
	}
	return &ChrootMirror{mirror: m, prefix: prefix}
}

func (c *ChrootMirror) rebase(path string) string {
	return NormalizePath(c.prefix + NormalizePath(path))
}

func (c *ChrootMirror) unbase(path string) string {
	rel := strings.TrimPrefix(path, c.prefix)
	if rel == "" {
		return "/"
	}
	return rel
}

// Get returns a ChrootNode for path relative to this chroot's prefix.
func (c *ChrootMirror) Get(path string) *ChrootNode {
	return &ChrootNode{chroot: c, node: c.mirror.Get(c.rebase(path))}
}

// Create creates path (relative to the prefix) and returns its node.
func (c *ChrootMirror) Create(ctx context.Context, path string, value []byte, flags int32) (*ChrootNode, error) {
	node, err := c.mirror.Create(ctx, c.rebase(path), value, flags)
	if err != nil {
		return nil, err
	}
	return &ChrootNode{chroot: c, node: node}, nil
}

// CreateR creates path, recursively ensuring ancestors exist, all
// relative to the prefix.
func (c *ChrootMirror) CreateR(ctx context.Context, path string, value []byte) (*ChrootNode, error) {
	node, err := c.mirror.CreateR(ctx, c.rebase(path), value)
	if err != nil {
		return nil, err
	}
	return &ChrootNode{chroot: c, node: node}, nil
}

// EnsureExists ensures path exists, relative to the prefix.
func (c *ChrootMirror) EnsureExists(ctx context.Context, path string, value []byte) (*ChrootNode, error) {
	node, err := c.mirror.EnsureExists(ctx, c.rebase(path), value)
	if err != nil {
		return nil, err
	}
	return &ChrootNode{chroot: c, node: node}, nil
}

// Chroot further narrows this view under an additional prefix segment.
func (c *ChrootMirror) Chroot(prefix string) *ChrootMirror {
	return newChrootMirror(c.mirror, c.rebase(prefix))
}

// IsConnected delegates to the underlying Mirror; connection state is
// shared across every chroot view of it.
func (c *ChrootMirror) IsConnected() bool { return c.mirror.IsConnected() }

// TimeDisconnected delegates to the underlying Mirror.
func (c *ChrootMirror) TimeDisconnected() (time.Duration, bool) { return c.mirror.TimeDisconnected() }

// AddStateWatcher delegates to the underlying Mirror. State watchers
// are not path-scoped, so they pass through unchanged, per spec.md
// §4.4 and the __getattr__ fallback of the Python original's
// ChrootMirror.
func (c *ChrootMirror) AddStateWatcher(key string, fn func(zk.State)) {
	c.mirror.AddStateWatcher(key, fn)
}

// DelStateWatcher delegates to the underlying Mirror.
func (c *ChrootMirror) DelStateWatcher(key string) { c.mirror.DelStateWatcher(key) }

// Close delegates to the underlying Mirror. A chroot view does not own
// the session; closing through it closes the same Mirror every other
// view shares.
func (c *ChrootMirror) Close() error { return c.mirror.Close() }

// GetJSON returns the JSON façade for path relative to the prefix.
func (c *ChrootMirror) GetJSON(path string) *ChrootJSONNode {
	return &ChrootJSONNode{chroot: c, json: newJSONNode(c.mirror.Get(c.rebase(path)))}
}

// CreateJSON creates path (relative to the prefix) with value
// JSON-encoded.
func (c *ChrootMirror) CreateJSON(ctx context.Context, path string, value interface{}, flags int32) (*ChrootJSONNode, error) {
	jn, err := c.mirror.CreateJSON(ctx, c.rebase(path), value, flags)
	if err != nil {
		return nil, err
	}
	return &ChrootJSONNode{chroot: c, json: jn}, nil
}

// CreateRJSON creates path (relative to the prefix) with value
// JSON-encoded, recursively ensuring ancestors exist.
func (c *ChrootMirror) CreateRJSON(ctx context.Context, path string, value interface{}) (*ChrootJSONNode, error) {
	jn, err := c.mirror.CreateRJSON(ctx, c.rebase(path), value)
	if err != nil {
		return nil, err
	}
	return &ChrootJSONNode{chroot: c, json: jn}, nil
}

// ChrootNode is a Node view whose Path is reported relative to its
// owning ChrootMirror's prefix.
type ChrootNode struct {
	chroot *ChrootMirror
	node   *Node
}

// Path returns this node's path relative to the chroot prefix.
func (n *ChrootNode) Path() string { return n.chroot.unbase(n.node.Path()) }

func (n *ChrootNode) Value(ctx context.Context, timeout time.Duration) ([]byte, Meta, error) {
	return n.node.Value(ctx, timeout)
}

func (n *ChrootNode) Children(ctx context.Context, timeout time.Duration) ([]string, error) {
	return n.node.Children(ctx, timeout)
}

func (n *ChrootNode) Create(ctx context.Context, value []byte, awaitUpdate time.Duration) error {
	return n.node.Create(ctx, value, awaitUpdate)
}

func (n *ChrootNode) Set(ctx context.Context, value []byte, version int32, awaitUpdate time.Duration) error {
	return n.node.Set(ctx, value, version, awaitUpdate)
}

func (n *ChrootNode) Delete(ctx context.Context, version int32, awaitUpdate time.Duration) error {
	return n.node.Delete(ctx, version, awaitUpdate)
}

func (n *ChrootNode) AddValueWatcher(key string, fn ValueWatcher) { n.node.AddValueWatcher(key, fn) }
func (n *ChrootNode) DelValueWatcher(key string)                  { n.node.DelValueWatcher(key) }
func (n *ChrootNode) AddChildWatcher(key string, fn ChildWatcher) { n.node.AddChildWatcher(key, fn) }
func (n *ChrootNode) DelChildWatcher(key string)                  { n.node.DelChildWatcher(key) }

// ChrootJSONNode is a JSONNode view whose Path is reported relative to
// its owning ChrootMirror's prefix, symmetric to ChrootNode.
type ChrootJSONNode struct {
	chroot *ChrootMirror
	json   *JSONNode
}

// Path returns this node's path relative to the chroot prefix.
func (n *ChrootJSONNode) Path() string { return n.chroot.unbase(n.json.Path()) }

func (n *ChrootJSONNode) Value(ctx context.Context, timeout time.Duration, out interface{}) (Meta, error) {
	return n.json.Value(ctx, timeout, out)
}

func (n *ChrootJSONNode) Create(ctx context.Context, value interface{}, awaitUpdate time.Duration) error {
	return n.json.Create(ctx, value, awaitUpdate)
}

func (n *ChrootJSONNode) Set(ctx context.Context, value interface{}, version int32, awaitUpdate time.Duration) error {
	return n.json.Set(ctx, value, version, awaitUpdate)
}

func (n *ChrootJSONNode) Delete(ctx context.Context, version int32, awaitUpdate time.Duration) error {
	return n.json.Delete(ctx, version, awaitUpdate)
}

func (n *ChrootJSONNode) Update(ctx context.Context, timeout time.Duration, fn Updater) error {
	return n.json.Update(ctx, timeout, fn)
}

func (n *ChrootJSONNode) AddValueWatcher(key string, fn JSONValueWatcher) { n.json.AddValueWatcher(key, fn) }
func (n *ChrootJSONNode) DelValueWatcher(key string)                      { n.json.DelValueWatcher(key) }
