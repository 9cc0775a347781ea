// Package zkfake is an in-memory double for the narrow ZooKeeper client
// surface zkboard drives, grounded on zag's own zake-backed test suite
// (zag/tests/unit/jobs/test_zk_job.go): it exists purely so board/conductor
// tests can run without a real ensemble. Production code never imports it.
package zkfake

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

type node struct {
	data      []byte
	version   int32
	ctime     int64
	mtime     int64
	ephemeral bool
}

// Conn is an in-memory stand-in for *zk.Conn, satisfying zkboard's conn
// interface.
type Conn struct {
	mu       sync.Mutex
	nodes    map[string]*node
	seq      map[string]int // next sequence number per path prefix
	closed   bool
	deadFunc func(path string) bool
}

// New returns an empty, connected Conn.
func New() *Conn {
	return &Conn{
		nodes: map[string]*node{"/": {ctime: nowMillis(), mtime: nowMillis()}},
		seq:   map[string]int{},
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (c *Conn) Create(p string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", fmt.Errorf("zkfake: connection closed")
	}

	finalPath := p
	if flags&zk.FlagSequence != 0 {
		n := c.seq[p]
		c.seq[p] = n + 1
		finalPath = fmt.Sprintf("%s%010d", p, n)
	}

	if _, exists := c.nodes[finalPath]; exists {
		return "", zk.ErrNodeExists
	}
	now := nowMillis()
	c.nodes[finalPath] = &node{
		data:      append([]byte(nil), data...),
		ctime:     now,
		mtime:     now,
		ephemeral: flags&zk.FlagEphemeral != 0,
	}
	return finalPath, nil
}

func (c *Conn) Set(p string, data []byte, version int32) (*zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version >= 0 && n.version != version {
		return nil, zk.ErrBadVersion
	}
	n.data = append([]byte(nil), data...)
	n.version++
	n.mtime = nowMillis()
	return statFor(n), nil
}

func (c *Conn) Get(p string) ([]byte, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return append([]byte(nil), n.data...), statFor(n), nil
}

func (c *Conn) GetW(p string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	data, stat, err := c.Get(p)
	ch := make(chan zk.Event, 1)
	return data, stat, ch, err
}

func (c *Conn) Children(p string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	seen := map[string]struct{}{}
	var out []string
	for candidate := range c.nodes {
		if !strings.HasPrefix(candidate, prefix) {
			continue
		}
		rest := strings.TrimPrefix(candidate, prefix)
		if rest == "" {
			continue
		}
		child := strings.SplitN(rest, "/", 2)[0]
		if _, dup := seen[child]; dup {
			continue
		}
		seen[child] = struct{}{}
		out = append(out, child)
	}
	sort.Strings(out)
	return out, statFor(n), nil
}

func (c *Conn) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	children, stat, err := c.Children(p)
	ch := make(chan zk.Event, 1)
	return children, stat, ch, err
}

func (c *Conn) Delete(p string, version int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return zk.ErrNoNode
	}
	if version >= 0 && n.version != version {
		return zk.ErrBadVersion
	}
	delete(c.nodes, p)
	return nil
}

func (c *Conn) Exists(p string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return false, nil, nil
	}
	return true, statFor(n), nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) State() zk.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return zk.StateDisconnected
	}
	return zk.StateHasSession
}

// ZeroLockPayload overwrites the node at p with an empty JSON object,
// simulating an admin override that releases a claim (spec.md scenario
// S7) without going through the board's own Claim/Abandon path.
func (c *Conn) ZeroLockPayload(p string) error {
	_, err := c.Set(p, []byte("{}"), -1)
	return err
}

// ExpireEphemeral deletes every ephemeral node under root, simulating
// session loss (an owning conductor's process dying).
func (c *Conn) ExpireEphemeral(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimSuffix(root, "/") + "/"
	for p, n := range c.nodes {
		if n.ephemeral && strings.HasPrefix(p, prefix) {
			delete(c.nodes, p)
		}
	}
}

func statFor(n *node) *zk.Stat {
	return &zk.Stat{
		Czxid:   n.ctime,
		Mzxid:   n.mtime,
		Ctime:   n.ctime,
		Mtime:   n.mtime,
		Version: n.version,
	}
}
