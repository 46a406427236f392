package zkmirror

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMirror(t *testing.T, conn *fakeConn) *Mirror {
	t.Helper()
	m := New(WithDialer(newFakeDialer(conn)))
	t.Cleanup(func() { _ = m.Close() })
	_, err := m.Connect("fake:2181")
	require.NoError(t, err)
	conn.pushSessionState(zk.StateHasSession)
	time.Sleep(20 * time.Millisecond)
	return m
}

func TestMirrorGetReturnsSameNodeForSamePath(t *testing.T) {
	conn := newFakeConn()
	m := newTestMirror(t, conn)

	a := m.Get("/a/b")
	b := m.Get("a/b/")
	assert.Same(t, a, b)
}

func TestMirrorCreateAndReadBack(t *testing.T) {
	conn := newFakeConn()
	m := newTestMirror(t, conn)
	ctx := context.Background()

	node, err := m.Create(ctx, "/greeting", []byte("hello"), 0)
	require.NoError(t, err)

	data, meta, err := node.Value(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, int32(0), meta.Version)
}

func TestMirrorCreateFailsWhenAlreadyKnown(t *testing.T) {
	conn := newFakeConn()
	m := newTestMirror(t, conn)
	ctx := context.Background()

	_, err := m.Create(ctx, "/x", []byte("1"), 0)
	require.NoError(t, err)

	_, err = m.Create(ctx, "/x", []byte("2"), 0)
	assert.True(t, IsNodeExists(err))
}

func TestMirrorSetUpdatesValueAndWatcherFires(t *testing.T) {
	conn := newFakeConn()
	m := newTestMirror(t, conn)
	ctx := context.Background()

	node, err := m.Create(ctx, "/counter", []byte("0"), 0)
	require.NoError(t, err)

	events := make(chan ValueEvent, 4)
	node.AddValueWatcher("test", func(evt ValueEvent) { events <- evt })

	require.NoError(t, node.Set(ctx, []byte("1"), 0, 2*time.Second))

	select {
	case evt := <-events:
		assert.Equal(t, []byte("1"), evt.Data)
		assert.False(t, evt.Deleted)
	case <-time.After(2 * time.Second):
		t.Fatal("value watcher did not fire")
	}
}

func TestMirrorDeleteNotifiesWatcherAndReportsNoNode(t *testing.T) {
	conn := newFakeConn()
	m := newTestMirror(t, conn)
	ctx := context.Background()

	node, err := m.Create(ctx, "/gone", []byte("x"), 0)
	require.NoError(t, err)

	events := make(chan ValueEvent, 4)
	node.AddValueWatcher("test", func(evt ValueEvent) { events <- evt })

	require.NoError(t, node.Delete(ctx, -1, 2*time.Second))

	select {
	case evt := <-events:
		assert.True(t, evt.Deleted)
	case <-time.After(2 * time.Second):
		t.Fatal("delete watcher did not fire")
	}

	_, _, err = node.Value(ctx, 200*time.Millisecond)
	assert.True(t, IsNoNode(err))
}

func TestMirrorEnsureExistsCreatesMissingAncestors(t *testing.T) {
	conn := newFakeConn()
	m := newTestMirror(t, conn)
	ctx := context.Background()

	node, err := m.EnsureExists(ctx, "/a/b/c", nil)
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c", node.Path())

	parent := m.Get("/a/b")
	_, _, err = parent.Value(ctx, time.Second)
	require.NoError(t, err)
}

func TestMirrorChrootRebasesPaths(t *testing.T) {
	conn := newFakeConn()
	m := newTestMirror(t, conn)
	ctx := context.Background()

	c := m.Chroot("/app")
	node, err := c.CreateR(ctx, "/config/db", []byte("dsn"))
	require.NoError(t, err)
	assert.Equal(t, "/config/db", node.Path())

	raw := m.Get("/app/config/db")
	data, _, err := raw.Value(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("dsn"), data)
}

func TestMirrorIsConnectedTracksSessionState(t *testing.T) {
	conn := newFakeConn()
	m := newTestMirror(t, conn)
	assert.True(t, m.IsConnected())

	conn.pushSessionState(zk.StateDisconnected)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.IsConnected())

	d, disconnected := m.TimeDisconnected()
	assert.True(t, disconnected)
	assert.True(t, d >= 0)

	conn.pushSessionState(zk.StateHasSession)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.IsConnected())
}

func TestJSONNodeUpdateCASLoopCreatesThenUpdates(t *testing.T) {
	conn := newFakeConn()
	m := newTestMirror(t, conn)
	ctx := context.Background()

	jn := m.GetJSON("/counter.json")

	type counter struct{ N int }

	update := func() error {
		return jn.Update(ctx, time.Second, func(exists bool, cur json.RawMessage) (interface{}, bool, error) {
			var c counter
			if exists {
				if err := json.Unmarshal(cur, &c); err != nil {
					return nil, false, err
				}
			}
			c.N++
			return c, true, nil
		})
	}

	require.NoError(t, update())
	require.NoError(t, update())

	var out counter
	_, err := jn.Value(ctx, time.Second, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, out.N)
}

// TestMirrorSessionExpiryResetupsAgainstNewConnection drives a full
// expiry-then-reconnect cycle (spec.md §8 property 8, "reconnect
// idempotence") through two distinct fake connections, standing in for
// the old and new ZooKeeper sessions, and asserts that after the new
// session reports StateHasSession, every previously-registered node's
// watches are re-armed and its slot is repopulated from the *new*
// connection's data rather than the stale one.
func TestMirrorSessionExpiryResetupsAgainstNewConnection(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	_, err := conn1.Create("/watched", []byte("before-expiry"), 0, nil)
	require.NoError(t, err)
	_, err = conn2.Create("/watched", []byte("after-expiry"), 0, nil)
	require.NoError(t, err)

	m := New(WithDialer(newSequentialFakeDialer(conn1, conn2)))
	t.Cleanup(func() { _ = m.Close() })
	_, err = m.Connect("fake:2181")
	require.NoError(t, err)
	conn1.pushSessionState(zk.StateHasSession)
	time.Sleep(20 * time.Millisecond)

	ctx := context.Background()
	node := m.Get("/watched")
	data, _, err := node.Value(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("before-expiry"), data)

	// The session to conn1 expires; Mirror must dial a fresh session
	// (conn2) and, once it reports HasSession, re-arm every node against
	// it rather than waiting for an application call to rediscover it.
	conn1.pushSessionState(zk.StateExpired)
	time.Sleep(50 * time.Millisecond)
	conn2.pushSessionState(zk.StateHasSession)
	time.Sleep(50 * time.Millisecond)

	data, _, err = node.Value(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("after-expiry"), data,
		"after reconnect the cache must reflect the new session, not the expired one")
	assert.True(t, m.IsConnected())

	// The re-armed watch on the new connection still works: a write
	// after resetup is observed the same as before expiry.
	events := make(chan ValueEvent, 1)
	node.AddValueWatcher("test", func(evt ValueEvent) { events <- evt })
	_, err = conn2.Set("/watched", []byte("post-reconnect-write"), 0)
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, []byte("post-reconnect-write"), evt.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("watch re-armed after resetup did not fire")
	}
}
