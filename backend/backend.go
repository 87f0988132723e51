// Package backend keeps the registry of protocol implementations and the
// environment they run in.
package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"beegate/account"
	"beegate/bridge"
	"beegate/filetransfer"
)

var ErrUnknownProtocol = errors.New("unknown protocol")

// Events is how a backend reports things the gateway has to act on.
type Events interface {
	// Disconnected is called when the connection is lost without Logout.
	Disconnected(acc *account.Account, err error)
	// Notice shows text to the IRC user on behalf of acc.
	Notice(acc *account.Account, text string)
	// Transcript records one message for the message log.
	Transcript(acc *account.Account, peer, direction, text string, at time.Time)
}

// Env is handed to every backend instance. All state it touches must be
// changed from inside Post or Call. Call waits for the function to run and
// reports false, without waiting, once the session is gone.
type Env struct {
	Post      func(func()) bool
	Call      func(func()) bool
	Bridge    *bridge.Bridge
	Transfers *filetransfer.Manager
	Events    Events
	Log       *slog.Logger
	Keepalive time.Duration
}

type Factory func(acc *account.Account, env Env) (account.Backend, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register makes a protocol available under name. It panics on a second
// registration of the same name.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = f
}

func New(name string, acc *account.Account, env Env) (account.Backend, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, name)
	}
	return f(acc, env)
}

func Known(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Protocols lists the registered protocol names.
func Protocols() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
