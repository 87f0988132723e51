// Package account ties one configured backend endpoint to its buddy
// directory, its pending requests and its settings.
package account

import (
	"context"

	"beegate/correlator"
	"beegate/obs"
	"beegate/presence"
)

type State int

const (
	Offline State = iota
	Connecting
	Online
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Online:
		return "online"
	}
	return "offline"
}

// Reply is what a backend hands to the continuation of a correlated
// request once the response arrives.
type Reply struct {
	Fields []string
	Err    error
}

type Continuation func(Reply)

// Backend is a protocol implementation driving one account.
type Backend interface {
	// Name is the protocol name, also used as host for contacts whose
	// address has no domain part.
	Name() string
	Login(ctx context.Context) error
	Logout() error
	SendMessage(handle, text string) error
	AddContact(handle, nick string) error
	RemoveContact(handle string) error
	// ContactKnown reports whether handle is on the server-side contact
	// list, even if the directory has no record for it yet.
	ContactKnown(handle string) bool
}

type Account struct {
	ID       int64
	Tag      string
	Protocol string
	Handle   string
	Password string
	Server   string

	Settings  *Settings
	State     State
	Directory *presence.Directory
	Requests  *correlator.Correlator[Continuation]
	Backend   Backend
}

// New creates an offline account. The resource selection setting is kept
// in sync with the directory.
func New(tag, protocol, handle, password, server string) *Account {
	a := &Account{
		Tag:       tag,
		Protocol:  protocol,
		Handle:    handle,
		Password:  password,
		Server:    server,
		Settings:  NewSettings(),
		Directory: presence.New(),
		Requests:  correlator.New[Continuation](correlator.DefaultPrefix),
	}
	a.Directory.SetKnown(func(bare string) bool {
		return a.Backend != nil && a.Backend.ContactKnown(bare)
	})
	a.Settings.OnChange(func(key, value string) {
		if key != SetResourceSelect {
			return
		}
		if p, err := presence.ParsePolicy(value); err == nil {
			a.Directory.SetPolicy(p)
		}
	})
	return a
}

// ProtocolName prefers the backend's own name over the configured one.
func (a *Account) ProtocolName() string {
	if a.Backend != nil {
		return a.Backend.Name()
	}
	return a.Protocol
}

func (a *Account) Online() bool { return a.State == Online }

// Sweep ages out requests the backend never answered. Backends call it from
// their keepalive cycle.
func (a *Account) Sweep() int {
	n := a.Requests.Sweep()
	obs.RequestsSwept.Add(float64(n))
	return n
}
