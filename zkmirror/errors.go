package zkmirror

import (
	"errors"
	"fmt"

	"github.com/go-zookeeper/zk"
	"github.com/gravitational/trace"
)

// Kind classifies a mirror error into one of the named categories from
// the error taxonomy: the four semantic ZooKeeper errors, a local
// operation-timeout, or the catch-all server-problem bucket that every
// other connection/session/protocol fault is coalesced into.
type Kind int

const (
	// KindUnknown is returned by KindOf for a nil error or one that
	// never passed through newKindError.
	KindUnknown Kind = iota
	KindNoNode
	KindNodeExists
	KindBadVersion
	KindNotEmpty
	KindTimeout
	KindServerProblem
)

func (k Kind) String() string {
	switch k {
	case KindNoNode:
		return "no-node"
	case KindNodeExists:
		return "node-exists"
	case KindBadVersion:
		return "bad-version"
	case KindNotEmpty:
		return "not-empty"
	case KindTimeout:
		return "operation-timeout"
	case KindServerProblem:
		return "server-problem"
	default:
		return "unknown"
	}
}

// kindError tags a wrapped error with its taxonomy Kind so that KindOf
// and the Is* predicates below can classify it later, after it has
// passed through additional trace.Wrap layers added by callers.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

func newKindError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(&kindError{kind: kind, err: err})
}

// KindOf reports the taxonomy Kind of err, or KindUnknown if err is nil
// or was never produced by this package.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

func IsNoNode(err error) bool       { return KindOf(err) == KindNoNode }
func IsNodeExists(err error) bool   { return KindOf(err) == KindNodeExists }
func IsBadVersion(err error) bool   { return KindOf(err) == KindBadVersion }
func IsNotEmpty(err error) bool     { return KindOf(err) == KindNotEmpty }
func IsTimeout(err error) bool      { return KindOf(err) == KindTimeout }
func IsServerProblem(err error) bool { return KindOf(err) == KindServerProblem }

// classifyZKErr maps an error returned by the underlying zk client into
// our taxonomy. Every zk error other than the four semantic ones is
// coalesced into KindServerProblem, per spec.md §7.
func classifyZKErr(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, zk.ErrNoNode):
		return KindNoNode
	case errors.Is(err, zk.ErrNodeExists):
		return KindNodeExists
	case errors.Is(err, zk.ErrBadVersion):
		return KindBadVersion
	case errors.Is(err, zk.ErrNotEmpty):
		return KindNotEmpty
	default:
		return KindServerProblem
	}
}

// wrapZKErr classifies and wraps an error surfaced directly from the
// underlying client (a caller-initiated synchronous operation), per the
// "raised under the server-problem base kind" policy of spec.md §7.
func wrapZKErr(err error) error {
	if err == nil {
		return nil
	}
	return newKindError(classifyZKErr(err), err)
}

func noNodeErr(path string) error {
	return newKindError(KindNoNode, trace.NotFound("no node at %q", path))
}

func nodeExistsErr(path string) error {
	return newKindError(KindNodeExists, trace.AlreadyExists("node %q already exists", path))
}

func timeoutErr(path string) error {
	return newKindError(KindTimeout, fmt.Errorf("timed out waiting for %q", path))
}
