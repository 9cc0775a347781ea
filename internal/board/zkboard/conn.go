package zkboard

import (
	"time"

	"github.com/go-zookeeper/zk"
)

// conn is the narrow slice of *zk.Conn the board actually drives: atomic
// create-if-absent, ephemeral nodes bound to the client session, and
// watches on both data and children. *zk.Conn satisfies it directly — no
// adapter needed — which keeps zkfake's in-memory double (the project's
// own test seam, not a vendored fake of the third-party library) a drop-in
// replacement in tests (spec.md §4.1.1, modeled on zag's zake fake).
type conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
	Exists(path string) (bool, *zk.Stat, error)
	Close()
	State() zk.State
}

// dial connects a real ZooKeeper client. Kept as a function value on Board
// (rather than called eagerly) so Connect stays idempotent and so tests can
// inject a zkfake connection instead of ever calling this.
func dial(servers []string, sessionTimeout time.Duration) (conn, error) {
	c, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}
