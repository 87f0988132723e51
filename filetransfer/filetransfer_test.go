package filetransfer

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	offered   []Handle
	finished  []Handle
	cancelled []string
}

func (r *recorder) TransferOffered(t *Transfer)  { r.offered = append(r.offered, t.ID) }
func (r *recorder) TransferFinished(t *Transfer) { r.finished = append(r.finished, t.ID) }
func (r *recorder) TransferCancelled(t *Transfer, reason string) {
	r.cancelled = append(r.cancelled, reason)
}

type buffer struct {
	bytes.Buffer
	closed bool
}

func (b *buffer) Close() error {
	b.closed = true
	return nil
}

func newManager(t *testing.T) (*Manager, *recorder, map[Handle]*buffer) {
	t.Helper()
	files := make(map[Handle]*buffer)
	m := NewManager(func(tr *Transfer) (io.WriteCloser, error) {
		b := &buffer{}
		files[tr.ID] = b
		return b, nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := &recorder{}
	m.SetEvents(rec)
	return m, rec, files
}

func TestTransferCompletes(t *testing.T) {
	m, rec, files := newManager(t)
	h := m.From("msim", "alice").AcceptIncoming("notes.txt", 11)

	tr, ok := m.Get(h)
	require.True(t, ok)
	assert.Equal(t, "msim", tr.Account)
	assert.Equal(t, "alice", tr.From)
	assert.Equal(t, StatusAccepted, tr.Status)

	assert.True(t, m.Write(h, []byte("hello ")))
	assert.Equal(t, StatusTransferring, tr.Status)
	assert.True(t, m.Write(h, []byte("world")))
	m.Finished(h)

	assert.Equal(t, StatusCompleted, tr.Status)
	assert.Equal(t, int64(11), tr.Received)
	assert.Equal(t, "hello world", files[h].String())
	assert.True(t, files[h].closed)
	assert.Equal(t, []Handle{h}, rec.offered)
	assert.Equal(t, []Handle{h}, rec.finished)
}

func TestFinishedDeliveredOnce(t *testing.T) {
	m, rec, _ := newManager(t)
	h := m.AcceptIncoming("a", 0)

	m.Finished(h)
	m.Finished(h)
	m.Cancel(h, "late")

	assert.Len(t, rec.finished, 1)
	assert.Empty(t, rec.cancelled)
	assert.False(t, m.Write(h, []byte("x")))
}

func TestCancelBeforeFinished(t *testing.T) {
	m, rec, files := newManager(t)
	h := m.AcceptIncoming("a", 10)
	require.True(t, m.Write(h, []byte("abc")))

	m.Cancel(h, "peer went away")
	m.Finished(h)

	tr, _ := m.Get(h)
	assert.Equal(t, StatusCancelled, tr.Status)
	assert.Equal(t, "peer went away", tr.Reason)
	assert.True(t, files[h].closed)
	assert.Equal(t, []string{"peer went away"}, rec.cancelled)
	assert.Empty(t, rec.finished)
}

func TestWriteBeyondSizeCancels(t *testing.T) {
	m, rec, _ := newManager(t)
	h := m.AcceptIncoming("a", 2)

	assert.False(t, m.Write(h, []byte("abc")))
	assert.Len(t, rec.cancelled, 1)
}

func TestWriteUnknownHandle(t *testing.T) {
	m, _, _ := newManager(t)
	assert.False(t, m.Write("nope", []byte("x")))
	m.Cancel("nope", "x")
	m.Finished("nope")
}

func TestOpenFailureCancels(t *testing.T) {
	m := NewManager(func(*Transfer) (io.WriteCloser, error) {
		return nil, errors.New("disk full")
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := m.AcceptIncoming("a", 0)

	assert.False(t, m.Write(h, []byte("x")))
	tr, _ := m.Get(h)
	assert.Equal(t, StatusCancelled, tr.Status)
}

func TestAbortTellsBackend(t *testing.T) {
	m, rec, _ := newManager(t)
	h := m.AcceptIncoming("a", 0)
	var told string
	m.OnAbort(h, func(reason string) { told = reason })

	require.NoError(t, m.Abort(h, "user cancelled"))
	assert.Equal(t, "user cancelled", told)
	assert.Equal(t, []string{"user cancelled"}, rec.cancelled)

	assert.ErrorIs(t, m.Abort(h, "again"), ErrDone)
	assert.ErrorIs(t, m.Abort("missing", "x"), ErrNotFound)
}

func TestAbortAccount(t *testing.T) {
	m, _, _ := newManager(t)
	a := m.From("one", "x").AcceptIncoming("a", 0)
	b := m.From("two", "y").AcceptIncoming("b", 0)

	m.AbortAccount("one", "account offline")

	ta, _ := m.Get(a)
	tb, _ := m.Get(b)
	assert.Equal(t, StatusCancelled, ta.Status)
	assert.Equal(t, StatusAccepted, tb.Status)
}

func TestCleanExpired(t *testing.T) {
	m, rec, _ := newManager(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	stalled := m.AcceptIncoming("stalled", 0)
	done := m.AcceptIncoming("done", 0)
	m.Finished(done)

	now = now.Add(acceptTimeout + time.Second)
	assert.Equal(t, 0, m.CleanExpired())
	tr, _ := m.Get(stalled)
	assert.Equal(t, StatusCancelled, tr.Status)
	assert.Equal(t, []string{"timed out"}, rec.cancelled)

	now = now.Add(keepFinished + time.Second)
	assert.Equal(t, 2, m.CleanExpired())
	assert.Empty(t, m.List())
}

func TestOnCancelRunsOnEveryCancel(t *testing.T) {
	m, _, _ := newManager(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	hooked := map[string]int{}
	hook := func(name string) Handle {
		h := m.From(name, "x").AcceptIncoming(name, 10)
		m.OnCancel(h, func() { hooked[name]++ })
		return h
	}

	m.Cancel(hook("cancel"), "peer cancelled")
	require.NoError(t, m.Abort(hook("abort"), "user cancelled"))
	hook("offline")
	m.AbortAccount("offline", "account offline")
	overflow := hook("overflow")
	assert.False(t, m.Write(overflow, make([]byte, 11)))
	hook("stalled")
	now = now.Add(acceptTimeout + time.Second)
	m.CleanExpired()

	assert.Equal(t, map[string]int{"cancel": 1, "abort": 1, "offline": 1, "overflow": 1, "stalled": 1}, hooked)
}

func TestOnCancelAfterEnd(t *testing.T) {
	m, _, _ := newManager(t)
	h := m.AcceptIncoming("a", 0)
	m.Finished(h)

	ran := 0
	m.OnCancel(h, func() { ran++ })
	m.OnCancel("missing", func() { ran++ })
	assert.Equal(t, 2, ran)

	m.Cancel(h, "late")
	assert.Equal(t, 2, ran)
}

func TestListOrdered(t *testing.T) {
	m, _, _ := newManager(t)
	a := m.AcceptIncoming("a", 0)
	b := m.AcceptIncoming("b", 0)
	c := m.AcceptIncoming("c", 0)

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, []Handle{a, b, c}, []Handle{list[0].ID, list[1].ID, list[2].ID})
}
