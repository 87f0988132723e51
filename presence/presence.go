// Package presence keeps the buddy directory of one backend account: every
// contact the backend reported, and the live sessions (resources) under it.
//
// A contact is either flat (a single record without a resource label, as
// used by transports and single-session networks) or labeled (zero or more
// named resources). The two modes are never mixed for one bare address.
//
// The directory is not safe for concurrent use. It is owned by the event
// loop of the gateway session the account belongs to.
package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDuplicate       = errors.New("resource already exists")
	ErrConflict        = errors.New("flat and labeled addresses mixed")
	ErrNotFound        = errors.New("no such contact or resource")
	ErrInvalidPriority = errors.New("priority out of range")
)

const (
	MinPriority = -128
	MaxPriority = 127
)

// Flags describe the presence of a contact as last reported by its backend.
type Flags uint8

const (
	FlagOnline Flags = 1 << iota
	FlagAway
)

// Identity is the IRC-side user a contact is linked to while it exists.
type Identity interface {
	Nick() string
}

// Resource is one session of a contact. Label is empty for flat contacts.
type Resource struct {
	Full         string
	Label        string
	LastActivity time.Time
	AwayMessage  string

	priority int
	contact  *Contact
}

func (r *Resource) Contact() *Contact { return r.contact }

func (r *Resource) Priority() int { return r.priority }

// SetPriority updates the resource priority; it keeps its position in the
// contact's resource list.
func (r *Resource) SetPriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, p)
	}
	r.priority = p
	return nil
}

// Touch records activity on this resource.
func (r *Resource) Touch(t time.Time) {
	r.LastActivity = t
}

// Contact is a bare address and everything known about it.
type Contact struct {
	Address       string
	FullName      string
	Flags         Flags
	StatusMessage string

	// Data is reserved for the backend that owns the account.
	Data any

	flat      bool
	resources []*Resource
	identity  Identity
}

func (c *Contact) Online() bool { return c.Flags&FlagOnline != 0 }

func (c *Contact) Away() bool { return c.Flags&FlagAway != 0 }

func (c *Contact) Flat() bool { return c.flat }

// Resources returns the resources in arrival order.
func (c *Contact) Resources() []*Resource {
	out := make([]*Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// SetStatus replaces the presence flags and status message and returns the
// flags that were in effect before.
func (c *Contact) SetStatus(flags Flags, message string) Flags {
	prev := c.Flags
	c.Flags = flags
	c.StatusMessage = message
	return prev
}

func (c *Contact) Identity() Identity { return c.identity }

// Link attaches the IRC identity. A contact is linked at most once.
func (c *Contact) Link(id Identity) {
	if c.identity != nil {
		panic(fmt.Sprintf("presence: contact %s is already linked to %s", c.Address, c.identity.Nick()))
	}
	c.identity = id
}

func (c *Contact) Unlink() {
	c.identity = nil
}

func (c *Contact) resource(label string) (int, *Resource) {
	for i, r := range c.resources {
		if strings.EqualFold(r.Label, label) {
			return i, r
		}
	}
	return -1, nil
}

// Normalize case-folds an address, resource label included.
func Normalize(address string) string {
	return strings.ToLower(address)
}

// Split separates a normalized address into its bare part and resource
// label. A trailing slash without a label is treated as a bare address.
func Split(address string) (bare, label string) {
	bare, label, _ = strings.Cut(address, "/")
	return bare, label
}

func fullAddress(bare, label string) string {
	if label == "" {
		return bare
	}
	return bare + "/" + label
}
