// Package codec provides the pluggable JSON boundary every board read/write
// goes through (spec.md §4.4). Unlike the Python source's process-wide
// function table, a Codec here is owned by whoever constructs it (typically
// a board) — spec.md §9's design note against hidden global state. A
// package-level Global codec remains available for callers that want the
// original process-wide behavior.
package codec

import (
	"encoding/json"
	"fmt"
)

// DumpsFunc marshals a value to its wire representation.
type DumpsFunc func(v any) ([]byte, error)

// LoadsFunc unmarshals wire bytes into a value.
type LoadsFunc func(data []byte, v any) error

// DefaultFunc coerces a value that encoding/json cannot natively marshal
// into something it can (the "default" fallback hook).
type DefaultFunc func(v any) (any, error)

// Codec is a small, swappable table of JSON functions.
type Codec struct {
	dumps  DumpsFunc
	loads  LoadsFunc
	coerce DefaultFunc
}

// New returns a Codec using encoding/json directly, with no coercion hook.
func New() *Codec {
	c := &Codec{}
	c.reset()
	return c
}

func (c *Codec) reset() {
	c.dumps = json.Marshal
	c.loads = json.Unmarshal
	c.coerce = func(v any) (any, error) { return v, nil }
}

// Reset restores the three slots to their encoding/json defaults.
func (c *Codec) Reset() {
	c.reset()
}

// Register overrides one or more of "dumps", "loads", "default". Unknown
// keys fail (mirrors zag.json.register's KeyError on an unknown function
// name); so does a nil value or a value that is not of the slot's named
// function type (DumpsFunc, LoadsFunc, DefaultFunc), which mirrors the
// ValueError branch.
func (c *Codec) Register(fns map[string]any) error {
	for name, fn := range fns {
		if fn == nil {
			return fmt.Errorf("codec: function for %q must not be nil", name)
		}
		switch name {
		case "dumps":
			f, ok := fn.(DumpsFunc)
			if !ok {
				return fmt.Errorf("codec: %q must be a DumpsFunc", name)
			}
			c.dumps = f
		case "loads":
			f, ok := fn.(LoadsFunc)
			if !ok {
				return fmt.Errorf("codec: %q must be a LoadsFunc", name)
			}
			c.loads = f
		case "default":
			f, ok := fn.(DefaultFunc)
			if !ok {
				return fmt.Errorf("codec: %q must be a DefaultFunc", name)
			}
			c.coerce = f
		default:
			return fmt.Errorf("codec: no function called %q is available to register", name)
		}
	}
	return nil
}

// Dumps serializes v, running it through the registered coercion hook
// first when plain marshaling would fail.
func (c *Codec) Dumps(v any) ([]byte, error) {
	b, err := c.dumps(v)
	if err == nil {
		return b, nil
	}
	coerced, cerr := c.coerce(v)
	if cerr != nil {
		return nil, err
	}
	return c.dumps(coerced)
}

// Loads deserializes data into v.
func (c *Codec) Loads(data []byte, v any) error {
	return c.loads(data, v)
}

var global = New()

// Global returns the process-wide codec, for callers that want the
// original OpenStack-style shared table instead of a per-board instance.
func Global() *Codec {
	return global
}
