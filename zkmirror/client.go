package zkmirror

import (
	"time"

	"github.com/go-zookeeper/zk"
)

// zkConn is the subset of *zk.Conn the mirror engine depends on. It
// exists so tests can swap in a fake driver without dialing a real
// ZooKeeper ensemble, the same seam ListerWatcher gives a Kubernetes
// informer over its API server client.
type zkConn interface {
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Close()
}

// dialFunc opens a new session against the coordination store and
// returns the connection handle alongside its session-event channel.
// The production dialer wraps zk.Connect directly; tests bind a fake.
type dialFunc func(servers []string, sessionTimeout time.Duration) (zkConn, <-chan zk.Event, error)

func dialZK(servers []string, sessionTimeout time.Duration) (zkConn, <-chan zk.Event, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, nil, err
	}
	return conn, events, nil
}
