// Package correlator matches asynchronous replies from a backend with the
// request that caused them.
//
// Tokens are built from a 20-bit wrapping counter behind a fixed prefix, so
// our own ids stand out in a traffic dump. Requests nobody answers are aged
// out by Sweep in two generations: the first sweep marks an entry, the next
// one drops it if it is still there. Every entry therefore lives for at least
// one and at most two sweep intervals.
//
// A Correlator is not safe for concurrent use.
package correlator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrOrphaned is returned for replies whose request is unknown: already
// swept, already answered, or never ours.
var ErrOrphaned = errors.New("orphaned reply")

const (
	DefaultPrefix = "Bee"

	kindPacket = "P"
	kindCached = "C"

	counterMask = 0xfffff
)

type entry[T any] struct {
	continuation T
	marked       bool
}

type Correlator[T any] struct {
	prefix  string
	next    uint32
	pending map[string]*entry[T]
}

func New[T any](prefix string) *Correlator[T] {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Correlator[T]{
		prefix:  prefix,
		next:    1,
		pending: make(map[string]*entry[T]),
	}
}

func (c *Correlator[T]) token(kind string) string {
	id := c.next & counterMask
	c.next++
	return fmt.Sprintf("%s%s%05x", c.prefix, kind, id)
}

// NextID returns a plain packet id for requests whose reply is not awaited.
func (c *Correlator[T]) NextID() string {
	return c.token(kindPacket)
}

// Issue stores continuation under a fresh token and returns the token.
func (c *Correlator[T]) Issue(continuation T) string {
	tok := c.token(kindCached)
	c.pending[tok] = &entry[T]{continuation: continuation}
	return tok
}

// Resolve removes and returns the continuation stored under token. The
// caller runs it at most once.
func (c *Correlator[T]) Resolve(token string) (T, error) {
	e, ok := c.pending[token]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrOrphaned, token)
	}
	delete(c.pending, token)
	return e.continuation, nil
}

// Sweep drops entries that were already marked by the previous sweep and
// marks the rest. It returns the number of entries dropped.
func (c *Correlator[T]) Sweep() int {
	dropped := 0
	for tok, e := range c.pending {
		if e.marked {
			delete(c.pending, tok)
			dropped++
			continue
		}
		e.marked = true
	}
	return dropped
}

// Pending reports whether token is still waiting for its reply.
func (c *Correlator[T]) Pending(token string) bool {
	_, ok := c.pending[token]
	return ok
}

func (c *Correlator[T]) Len() int { return len(c.pending) }

// Owns reports whether token was minted by a correlator with our prefix.
func (c *Correlator[T]) Owns(token string) bool {
	rest, ok := strings.CutPrefix(token, c.prefix)
	if !ok || len(rest) != 6 {
		return false
	}
	return rest[:1] == kindPacket || rest[:1] == kindCached
}

// Cached reports whether token was minted by Issue rather than NextID.
func (c *Correlator[T]) Cached(token string) bool {
	return strings.HasPrefix(token, c.prefix+kindCached)
}
