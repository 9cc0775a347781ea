// Package redisfake is an in-memory double for the narrow Redis client
// surface redisboard drives: strings with optional TTL, sorted sets, and
// hashes, plus the two Lua scripts redisboard ships (matched by literal
// text, since emulating a general Lua interpreter is out of scope). It
// exists purely so board/conductor tests can run without a real Redis
// server; production code never imports it.
package redisfake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type entry struct {
	value   string
	expires time.Time // zero means no TTL
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Client is an in-memory stand-in for *redis.Client, satisfying
// redisboard's conn interface.
type Client struct {
	mu      sync.Mutex
	strings map[string]*entry
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
}

func New() *Client {
	return &Client{
		strings: make(map[string]*entry),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.strings[key]
	if !ok || e.expired(time.Now()) {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(e.value)
	return cmd
}

func (c *Client) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "set", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[key] = &entry{value: toString(value), expires: expiryFor(expiration)}
	cmd.SetVal("OK")
	return cmd
}

func (c *Client) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx, "setnx", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.strings[key]; ok && !e.expired(time.Now()) {
		cmd.SetVal(false)
		return cmd
	}
	c.strings[key] = &entry{value: toString(value), expires: expiryFor(expiration)}
	cmd.SetVal(true)
	return cmd
}

func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx, "expire", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.strings[key]
	if !ok || e.expired(time.Now()) {
		cmd.SetVal(false)
		return cmd
	}
	e.expires = expiryFor(expiration)
	cmd.SetVal(true)
	return cmd
}

func (c *Client) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "del")
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := c.strings[k]; ok {
			delete(c.strings, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (c *Client) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "exists")
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	now := time.Now()
	for _, k := range keys {
		if e, ok := c.strings[k]; ok && !e.expired(now) {
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (c *Client) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "zadd", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.zsets[key]
	if !ok {
		set = make(map[string]float64)
		c.zsets[key] = set
	}
	var added int64
	for _, z := range members {
		member := toString(z.Member)
		if _, exists := set[member]; !exists {
			added++
		}
		set[member] = z.Score
	}
	cmd.SetVal(added)
	return cmd
}

func (c *Client) ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx, "zrange", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.zsets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Slice(members, func(i, k int) bool {
		if set[members[i]] != set[members[k]] {
			return set[members[i]] < set[members[k]]
		}
		return members[i] < members[k]
	})
	cmd.SetVal(sliceRange(members, start, stop))
	return cmd
}

func (c *Client) ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "zrem", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.zsets[key]
	if !ok {
		cmd.SetVal(0)
		return cmd
	}
	var removed int64
	for _, m := range members {
		member := toString(m)
		if _, exists := set[member]; exists {
			delete(set, member)
			removed++
		}
	}
	cmd.SetVal(removed)
	return cmd
}

func (c *Client) ZCard(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "zcard", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd.SetVal(int64(len(c.zsets[key])))
	return cmd
}

func (c *Client) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "hset", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string)
		c.hashes[key] = h
	}
	var added int64
	for i := 0; i+1 < len(values); i += 2 {
		field := toString(values[i])
		if _, exists := h[field]; !exists {
			added++
		}
		h[field] = toString(values[i+1])
	}
	cmd.SetVal(added)
	return cmd
}

func (c *Client) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "hget", key, field)
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	v, ok := h[field]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (c *Client) HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd {
	cmd := redis.NewStringStringMapCmd(ctx, "hgetall", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.hashes[key]))
	for k, v := range c.hashes[key] {
		out[k] = v
	}
	cmd.SetVal(out)
	return cmd
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "hdel", key)
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hashes[key]
	if !ok {
		cmd.SetVal(0)
		return cmd
	}
	var removed int64
	for _, f := range fields {
		if _, exists := h[f]; exists {
			delete(h, f)
			removed++
		}
	}
	cmd.SetVal(removed)
	return cmd
}

// consumeScriptMarker / abandonScriptMarker let Eval recognize redisboard's
// two known scripts by a stable substring rather than importing the
// constants (keeps this package independent of redisboard).
const (
	consumeScriptMarker = "ZREM"
	abandonScriptMarker = "lockKey = KEYS[1]"
)

func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx, "eval")
	c.mu.Lock()
	defer c.mu.Unlock()

	owner := toString(args[0])

	switch {
	case strings.Contains(script, consumeScriptMarker):
		lockKey, jobKey, indexKey := keys[0], keys[1], keys[2]
		member := toString(args[1])
		cur, ok := c.strings[lockKey]
		if !ok || cur.expired(time.Now()) || cur.value != owner {
			cmd.SetVal(int64(0))
			return cmd
		}
		delete(c.strings, lockKey)
		delete(c.strings, jobKey)
		if set, ok := c.zsets[indexKey]; ok {
			delete(set, member)
		}
		cmd.SetVal(int64(1))
		return cmd
	case strings.Contains(script, abandonScriptMarker):
		lockKey := keys[0]
		cur, ok := c.strings[lockKey]
		if !ok || cur.expired(time.Now()) || cur.value != owner {
			cmd.SetVal(int64(0))
			return cmd
		}
		delete(c.strings, lockKey)
		cmd.SetVal(int64(1))
		return cmd
	default:
		cmd.SetErr(fmt.Errorf("redisfake: unrecognized script"))
		return cmd
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

func expiryFor(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func sliceRange(s []string, start, stop int64) []string {
	n := int64(len(s))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil
	}
	return append([]string(nil), s[start:stop+1]...)
}
