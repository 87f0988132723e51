package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	created []string
	removed []string
	unlink  bool
}

func (r *recorder) ContactCreated(c *Contact) { r.created = append(r.created, c.Address) }

func (r *recorder) ContactRemoved(c *Contact) {
	r.removed = append(r.removed, c.Address)
	if r.unlink {
		c.Unlink()
	}
}

type nick string

func (n nick) Nick() string { return string(n) }

func TestAddResourceCreatesContact(t *testing.T) {
	d := New()
	obs := &recorder{}
	d.SetObserver(obs)

	r, err := d.AddResource("Bob@Example.COM/Work")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com/work", r.Full)
	assert.Equal(t, "work", r.Label)
	assert.Equal(t, []string{"bob@example.com"}, obs.created)

	c := d.Contact("BOB@example.com")
	require.NotNil(t, c)
	assert.False(t, c.Flat())
	assert.Same(t, c, r.Contact())
}

func TestAddResourceDuplicate(t *testing.T) {
	d := New()
	first, err := d.AddResource("bob/phone")
	require.NoError(t, err)
	require.NoError(t, first.SetPriority(7))

	_, err = d.AddResource("BOB/Phone")
	assert.ErrorIs(t, err, ErrDuplicate)

	rs := d.Contact("bob").Resources()
	require.Len(t, rs, 1)
	assert.Same(t, first, rs[0])
	assert.Equal(t, 7, rs[0].Priority())
}

func TestAddResourceModeConflict(t *testing.T) {
	d := New()
	_, err := d.AddResource("transport.example")
	require.NoError(t, err)

	_, err = d.AddResource("transport.example/x")
	assert.ErrorIs(t, err, ErrConflict)

	_, err = d.AddResource("transport.example")
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = d.AddResource("alice/home")
	require.NoError(t, err)
	_, err = d.AddResource("alice")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestFlatModeHoldsForLifetime(t *testing.T) {
	d := New()
	_, err := d.AddResource("carol/a")
	require.NoError(t, err)
	_, err = d.AddResource("carol/b")
	require.NoError(t, err)

	assert.ErrorIs(t, d.RemoveResource("carol"), ErrConflict)
	require.NoError(t, d.RemoveResource("carol/a"))
	assert.False(t, d.Contact("carol").Flat())

	require.NoError(t, d.RemoveResource("carol/b"))
	assert.Nil(t, d.Contact("carol"))

	_, err = d.AddResource("carol")
	require.NoError(t, err)
	assert.True(t, d.Contact("carol").Flat())
	assert.ErrorIs(t, d.RemoveResource("carol/a"), ErrConflict)
}

func TestResourceOrderPreserved(t *testing.T) {
	d := New()
	for _, l := range []string{"c", "a", "b"} {
		_, err := d.AddResource("dave/" + l)
		require.NoError(t, err)
	}
	require.NoError(t, d.RemoveResource("dave/a"))
	_, err := d.AddResource("dave/a")
	require.NoError(t, err)

	var labels []string
	for _, r := range d.Contact("dave").Resources() {
		labels = append(labels, r.Label)
	}
	assert.Equal(t, []string{"c", "b", "a"}, labels)
}

func TestRemoveLastResourceRemovesContact(t *testing.T) {
	d := New()
	obs := &recorder{}
	d.SetObserver(obs)

	_, err := d.AddResource("erin/x")
	require.NoError(t, err)
	require.NoError(t, d.RemoveResource("erin/X"))
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, []string{"erin"}, obs.removed)

	assert.ErrorIs(t, d.RemoveResource("erin/x"), ErrNotFound)
}

func TestRemoveContact(t *testing.T) {
	d := New()
	_, _ = d.AddResource("frank/a")
	_, _ = d.AddResource("frank/b")

	assert.ErrorIs(t, d.RemoveContact("frank/a"), ErrConflict)
	require.NoError(t, d.RemoveContact("FRANK"))
	assert.Equal(t, 0, d.Len())
	assert.ErrorIs(t, d.RemoveContact("frank"), ErrNotFound)
}

func TestFindExactOnLabeledContact(t *testing.T) {
	d := New()
	_, _ = d.AddResource("gina/one")

	assert.Nil(t, d.Find("gina", FindExact))
	assert.NotNil(t, d.Find("gina", 0))
	assert.NotNil(t, d.Find("gina/ONE", FindExact))
}

func TestFindFullAddressOnFlatContact(t *testing.T) {
	d := New()
	_, _ = d.AddResource("icq.transport")

	assert.Nil(t, d.Find("icq.transport/foo", 0))
	assert.NotNil(t, d.Find("icq.transport", FindExact))
}

func TestFindSelectsByActivityFirstOnTie(t *testing.T) {
	d := New()
	d.SetPolicy(SelectActivity)
	base := time.Unix(0, 0)
	for i, ts := range []int{10, 30, 30} {
		r, err := d.AddResource("hank/r" + string(rune('0'+i)))
		require.NoError(t, err)
		r.Touch(base.Add(time.Duration(ts) * time.Second))
	}

	got := d.Find("hank", 0)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.Label)
}

func TestFindSelectionPolicies(t *testing.T) {
	d := New()
	work, err := d.AddResource("bob/work")
	require.NoError(t, err)
	require.NoError(t, work.SetPriority(5))
	work.Touch(time.Unix(100, 0))

	phone, err := d.AddResource("bob/phone")
	require.NoError(t, err)
	require.NoError(t, phone.SetPriority(1))
	phone.Touch(time.Unix(200, 0))

	d.SetPolicy(SelectActivity)
	assert.Same(t, phone, d.Find("bob", 0))

	d.SetPolicy(SelectPriority)
	assert.Same(t, work, d.Find("bob", 0))

	d.SetPolicy(SelectNone)
	assert.Nil(t, d.Find("bob", 0))
}

func TestFindCreate(t *testing.T) {
	d := New()
	roster := map[string]bool{"ivy": true}
	d.SetKnown(func(bare string) bool { return roster[bare] })

	assert.Nil(t, d.Find("ivy", 0))
	assert.Nil(t, d.Find("stranger", FindCreate))

	r := d.Find("IVY", FindCreate)
	require.NotNil(t, r)
	assert.Equal(t, "", r.Label)
	assert.True(t, d.Contact("ivy").Flat())
}

func TestSetPriorityRange(t *testing.T) {
	d := New()
	r, _ := d.AddResource("jo/x")
	assert.ErrorIs(t, r.SetPriority(128), ErrInvalidPriority)
	assert.ErrorIs(t, r.SetPriority(-129), ErrInvalidPriority)
	assert.NoError(t, r.SetPriority(-128))
}

func TestDestroyLinkedContactPanics(t *testing.T) {
	d := New()
	_, _ = d.AddResource("kim")
	d.Contact("kim").Link(nick("kim"))

	assert.Panics(t, func() { _ = d.RemoveContact("kim") })
}

func TestObserverUnlinksBeforeDestroy(t *testing.T) {
	d := New()
	obs := &recorder{unlink: true}
	d.SetObserver(obs)
	_, _ = d.AddResource("lee/a")
	d.Contact("lee").Link(nick("lee"))

	assert.NotPanics(t, func() { d.Clear() })
	assert.Equal(t, 0, d.Len())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Priority")
	require.NoError(t, err)
	assert.Equal(t, SelectPriority, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, SelectNone, p)

	_, err = ParsePolicy("random")
	assert.Error(t, err)
}
