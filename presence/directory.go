package presence

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// SelectPolicy decides which resource answers for a bare address that has
// more than one.
type SelectPolicy int

const (
	SelectNone SelectPolicy = iota
	SelectActivity
	SelectPriority
)

// ParsePolicy maps the resource_select setting onto a policy. An empty value
// disables selection.
func ParsePolicy(s string) (SelectPolicy, error) {
	switch strings.ToLower(s) {
	case "":
		return SelectNone, nil
	case "activity":
		return SelectActivity, nil
	case "priority":
		return SelectPriority, nil
	}
	return SelectNone, fmt.Errorf("unknown resource selection policy %q", s)
}

func (p SelectPolicy) String() string {
	switch p {
	case SelectActivity:
		return "activity"
	case SelectPriority:
		return "priority"
	}
	return ""
}

// FindOption modifies Find.
type FindOption uint8

const (
	// FindExact refuses to pick a resource for a bare address of a
	// labeled contact.
	FindExact FindOption = 1 << iota
	// FindCreate creates a missing record when the backend confirms the
	// bare address belongs to a contact on its list.
	FindCreate
)

// Observer is told about contacts entering and leaving the directory. It
// runs synchronously inside the mutation, before the mutating call returns.
type Observer interface {
	ContactCreated(c *Contact)
	ContactRemoved(c *Contact)
}

// Directory holds one account's contacts. A contact is either flat, one
// record per address as msim keeps them, or labeled, with one resource per
// "bare/label" session for protocols where a contact may be signed in from
// several places at once.
type Directory struct {
	contacts map[string]*Contact
	policy   SelectPolicy
	known    func(bare string) bool
	observer Observer
}

func New() *Directory {
	return &Directory{
		contacts: make(map[string]*Contact),
		policy:   SelectActivity,
	}
}

func (d *Directory) SetPolicy(p SelectPolicy) { d.policy = p }

func (d *Directory) Policy() SelectPolicy { return d.policy }

// SetKnown installs the backend's contact-list query used by FindCreate.
func (d *Directory) SetKnown(fn func(bare string) bool) { d.known = fn }

func (d *Directory) SetObserver(o Observer) { d.observer = o }

func (d *Directory) Len() int { return len(d.contacts) }

// Contact looks up a bare address.
func (d *Directory) Contact(bare string) *Contact {
	return d.contacts[Normalize(bare)]
}

// Contacts returns all contacts ordered by address.
func (d *Directory) Contacts() []*Contact {
	out := make([]*Contact, 0, len(d.contacts))
	for _, c := range d.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// AddResource registers address, which is either a bare address (creating a
// flat contact) or bare/label. New labels are appended after the existing
// ones.
func (d *Directory) AddResource(address string) (*Resource, error) {
	bare, label := Split(Normalize(address))
	if bare == "" {
		return nil, fmt.Errorf("%w: empty address %q", ErrConflict, address)
	}

	c, ok := d.contacts[bare]
	if !ok {
		c = &Contact{Address: bare, flat: label == ""}
		r := &Resource{Full: fullAddress(bare, label), Label: label, contact: c}
		c.resources = []*Resource{r}
		d.contacts[bare] = c
		if d.observer != nil {
			d.observer.ContactCreated(c)
		}
		return r, nil
	}

	if c.flat != (label == "") {
		return nil, fmt.Errorf("%w: %s", ErrConflict, address)
	}
	if c.flat {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, address)
	}
	if _, r := c.resource(label); r != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, address)
	}

	r := &Resource{Full: fullAddress(bare, label), Label: label, contact: c}
	c.resources = append(c.resources, r)
	return r, nil
}

// RemoveResource drops one resource, or the flat record. The contact goes
// with its last resource.
func (d *Directory) RemoveResource(address string) error {
	bare, label := Split(Normalize(address))

	c, ok := d.contacts[bare]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	if c.flat != (label == "") {
		return fmt.Errorf("%w: %s", ErrConflict, address)
	}
	if c.flat {
		d.destroy(c)
		return nil
	}

	i, _ := c.resource(label)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	c.resources = slices.Delete(c.resources, i, i+1)
	if len(c.resources) == 0 {
		d.destroy(c)
	}
	return nil
}

// RemoveContact drops a contact with all of its resources. Only bare
// addresses are accepted.
func (d *Directory) RemoveContact(bare string) error {
	if strings.Contains(bare, "/") {
		return fmt.Errorf("%w: %s is not a bare address", ErrConflict, bare)
	}
	c, ok := d.contacts[Normalize(bare)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, bare)
	}
	d.destroy(c)
	return nil
}

// Find resolves address to a resource. A bare address of a contact with
// several resources goes through the selection policy; nil means nothing
// suitable was found.
func (d *Directory) Find(address string, opts FindOption) *Resource {
	bare, label := Split(Normalize(address))
	c := d.contacts[bare]

	if label != "" {
		if c != nil {
			if c.flat {
				return nil
			}
			if _, r := c.resource(label); r != nil {
				return r
			}
		}
		return d.create(bare, label, opts)
	}

	switch {
	case c == nil:
		return d.create(bare, "", opts)
	case !c.flat && opts&FindExact != 0:
		return nil
	case c.flat || len(c.resources) == 1:
		return c.resources[0]
	}
	return pick(c.resources, d.policy)
}

func (d *Directory) create(bare, label string, opts FindOption) *Resource {
	if opts&FindCreate == 0 || d.known == nil || !d.known(bare) {
		return nil
	}
	r, err := d.AddResource(fullAddress(bare, label))
	if err != nil {
		return nil
	}
	return r
}

// Clear removes every contact, as when the account goes offline.
func (d *Directory) Clear() {
	for _, c := range d.Contacts() {
		d.destroy(c)
	}
}

func (d *Directory) destroy(c *Contact) {
	if d.observer != nil {
		d.observer.ContactRemoved(c)
	}
	if c.identity != nil {
		panic(fmt.Sprintf("presence: contact %s destroyed while linked to %s", c.Address, c.identity.Nick()))
	}
	delete(d.contacts, c.Address)
	c.resources = nil
}

// pick scans the resources in arrival order; only a strictly better
// candidate replaces the current one, so the earliest wins a tie.
func pick(rs []*Resource, policy SelectPolicy) *Resource {
	var better func(a, b *Resource) bool
	switch policy {
	case SelectActivity:
		better = func(a, b *Resource) bool { return a.LastActivity.After(b.LastActivity) }
	case SelectPriority:
		better = func(a, b *Resource) bool { return a.priority > b.priority }
	default:
		return nil
	}

	best := rs[0]
	for _, r := range rs[1:] {
		if better(r, best) {
			best = r
		}
	}
	return best
}

// MostRecent reports the latest activity over all resources of c.
func (c *Contact) MostRecent() time.Time {
	var t time.Time
	for _, r := range c.resources {
		if r.LastActivity.After(t) {
			t = r.LastActivity
		}
	}
	return t
}
