// Package fetch implements the board selection factory spec.md §6 calls
// for: a string backend name (or a spec carrying one) resolves to a
// concrete board.Board. It is a leaf package — zkboard and redisboard both
// import board, so the factory cannot live inside board itself without a
// cycle.
package fetch

import (
	"time"

	"github.com/ErlanBelekov/dist-job-scheduler/internal/board"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/board/redisboard"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/board/zkboard"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/codec"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/domain"
	"github.com/ErlanBelekov/dist-job-scheduler/internal/engine"
)

// Spec names a backend and the options it needs to connect.
type Spec struct {
	Backend string // "zookeeper" | "redis"
	Root    string

	// ZooKeeper options.
	Servers        []string
	SessionTimeout time.Duration

	// Redis options.
	Addr  string
	Lease time.Duration

	Persistence engine.Persistence
	Codec       *codec.Codec
}

// Fetch builds a Board for spec.Backend, matching spec.md §6's
// `fetch(name_or_spec, …)` factory.
func Fetch(spec Spec) (board.Board, error) {
	switch spec.Backend {
	case "zookeeper":
		timeout := spec.SessionTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		return zkboard.New(spec.Servers, timeout, spec.Root, spec.Persistence, spec.Codec), nil
	case "redis":
		lease := spec.Lease
		if lease <= 0 {
			lease = 30 * time.Second
		}
		return redisboard.New(spec.Addr, lease, spec.Root, spec.Persistence, spec.Codec), nil
	default:
		return nil, domain.Newf(domain.KindNotImplemented, "fetch: no board backend named %q", spec.Backend)
	}
}
