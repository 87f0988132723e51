// Package filetransfer tracks files a backend is pushing towards the IRC
// user. It does not move bytes over the network itself; backends feed it
// chunks with Write and report the end with Finished or Cancel.
package filetransfer

import (
	"errors"
	"io"
	"log/slog"
	mathrand "math/rand"
	"sort"
	"sync"
	"time"

	"beegate/obs"

	"github.com/oklog/ulid/v2"
)

// Handle identifies one transfer.
type Handle string

// Bridge is the set of calls a backend makes for an incoming file.
type Bridge interface {
	AcceptIncoming(name string, size int64) Handle
	// Write appends p to the transfer and reports whether it was taken.
	Write(h Handle, p []byte) bool
	Cancel(h Handle, reason string)
	Finished(h Handle)
}

type Status string

const (
	StatusAccepted     Status = "accepted"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
)

const (
	acceptTimeout   = 5 * time.Minute
	transferTimeout = 10 * time.Minute
	keepFinished    = 10 * time.Minute
)

var (
	ErrNotFound = errors.New("transfer not found")
	ErrDone     = errors.New("transfer already finished")
)

// Transfer is one incoming file.
type Transfer struct {
	ID        Handle
	Account   string
	From      string
	Name      string
	Size      int64
	Received  int64
	Status    Status
	Reason    string
	CreatedAt time.Time
	ExpiresAt time.Time

	w        io.WriteCloser
	onAbort  func(reason string)
	onCancel func()
}

func (t *Transfer) Done() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// Opener returns the writer for the bytes of t. It is called on the first
// Write.
type Opener func(t *Transfer) (io.WriteCloser, error)

// Events hears about every new transfer and, exactly once, about its end.
type Events interface {
	TransferOffered(t *Transfer)
	TransferFinished(t *Transfer)
	TransferCancelled(t *Transfer, reason string)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

func newHandle(now time.Time) Handle {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return Handle(ulid.MustNew(ulid.Timestamp(now), entropy).String())
}

// Manager implements Bridge. Like the directories, it lives on the session
// event loop and takes no locks.
type Manager struct {
	transfers map[Handle]*Transfer
	open      Opener
	events    Events
	log       *slog.Logger
	now       func() time.Time
}

// NewManager returns a manager that stores bytes through open. A nil open
// counts the bytes and drops them.
func NewManager(open Opener, log *slog.Logger) *Manager {
	if open == nil {
		open = func(*Transfer) (io.WriteCloser, error) { return discard{}, nil }
	}
	return &Manager{
		transfers: make(map[Handle]*Transfer),
		open:      open,
		log:       log.With("component", "filetransfer"),
		now:       time.Now,
	}
}

func (m *Manager) SetEvents(e Events) { m.events = e }

// From returns a Bridge that stamps the account and sender on every
// transfer it accepts.
func (m *Manager) From(account, from string) Bridge {
	return origin{m: m, account: account, from: from}
}

func (m *Manager) AcceptIncoming(name string, size int64) Handle {
	return m.accept("", "", name, size)
}

func (m *Manager) accept(account, from, name string, size int64) Handle {
	now := m.now()
	t := &Transfer{
		ID:        newHandle(now),
		Account:   account,
		From:      from,
		Name:      name,
		Size:      size,
		Status:    StatusAccepted,
		CreatedAt: now,
		ExpiresAt: now.Add(acceptTimeout),
	}
	m.transfers[t.ID] = t
	m.log.Info("transfer accepted", "id", t.ID, "account", account, "from", from, "name", name, "size", size)
	if m.events != nil {
		m.events.TransferOffered(t)
	}
	return t.ID
}

func (m *Manager) Write(h Handle, p []byte) bool {
	t, ok := m.transfers[h]
	if !ok || t.Done() {
		return false
	}
	if t.Size > 0 && t.Received+int64(len(p)) > t.Size {
		m.cancel(t, "more data than announced")
		return false
	}
	if t.w == nil {
		w, err := m.open(t)
		if err != nil {
			m.log.Warn("open transfer failed", "id", h, "error", err)
			m.cancel(t, "cannot store file")
			return false
		}
		t.w = w
	}
	if _, err := t.w.Write(p); err != nil {
		m.log.Warn("write transfer failed", "id", h, "error", err)
		m.cancel(t, "cannot store file")
		return false
	}
	t.Received += int64(len(p))
	t.Status = StatusTransferring
	t.ExpiresAt = m.now().Add(transferTimeout)
	return true
}

// Cancel ends h unsuccessfully. Transfers that already ended are left alone.
func (m *Manager) Cancel(h Handle, reason string) {
	if t, ok := m.transfers[h]; ok && !t.Done() {
		m.cancel(t, reason)
	}
}

// Finished ends h successfully. Only the first call for a transfer counts.
func (m *Manager) Finished(h Handle) {
	t, ok := m.transfers[h]
	if !ok || t.Done() {
		return
	}
	if err := m.close(t); err != nil {
		m.log.Warn("close transfer failed", "id", h, "error", err)
		m.cancel(t, "cannot store file")
		return
	}
	t.Status = StatusCompleted
	t.ExpiresAt = m.now().Add(keepFinished)
	obs.Transfers.WithLabelValues(string(StatusCompleted)).Inc()
	m.log.Info("transfer completed", "id", h, "bytes", t.Received)
	if m.events != nil {
		m.events.TransferFinished(t)
	}
}

// OnAbort registers what to tell the backend when the IRC user aborts h.
func (m *Manager) OnAbort(h Handle, fn func(reason string)) {
	if t, ok := m.transfers[h]; ok {
		t.onAbort = fn
	}
}

// OnCancel registers fn to run when h ends unsuccessfully for any reason.
// fn runs right away when h is already over or unknown.
func (m *Manager) OnCancel(h Handle, fn func()) {
	t, ok := m.transfers[h]
	if !ok || t.Done() {
		fn()
		return
	}
	t.onCancel = fn
}

// Abort is the IRC user's side of Cancel: the backend is told first.
func (m *Manager) Abort(h Handle, reason string) error {
	t, ok := m.transfers[h]
	if !ok {
		return ErrNotFound
	}
	if t.Done() {
		return ErrDone
	}
	if t.onAbort != nil {
		t.onAbort(reason)
	}
	m.cancel(t, reason)
	return nil
}

// AbortAccount cancels every running transfer of account, e.g. when it
// goes offline.
func (m *Manager) AbortAccount(account, reason string) {
	for _, t := range m.transfers {
		if t.Account == account && !t.Done() {
			m.cancel(t, reason)
		}
	}
}

func (m *Manager) cancel(t *Transfer, reason string) {
	if err := m.close(t); err != nil {
		m.log.Debug("close cancelled transfer", "id", t.ID, "error", err)
	}
	t.Status = StatusCancelled
	t.Reason = reason
	t.ExpiresAt = m.now().Add(keepFinished)
	if t.onCancel != nil {
		t.onCancel()
		t.onCancel = nil
	}
	obs.Transfers.WithLabelValues(string(StatusCancelled)).Inc()
	m.log.Info("transfer cancelled", "id", t.ID, "reason", reason)
	if m.events != nil {
		m.events.TransferCancelled(t, reason)
	}
}

func (m *Manager) close(t *Transfer) error {
	if t.w == nil {
		return nil
	}
	w := t.w
	t.w = nil
	return w.Close()
}

func (m *Manager) Get(h Handle) (*Transfer, bool) {
	t, ok := m.transfers[h]
	return t, ok
}

// List returns all known transfers, oldest first.
func (m *Manager) List() []*Transfer {
	out := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanExpired cancels transfers that stalled and forgets ended ones past
// their retention. It returns how many were forgotten.
func (m *Manager) CleanExpired() int {
	now := m.now()
	n := 0
	for id, t := range m.transfers {
		if !now.After(t.ExpiresAt) {
			continue
		}
		if !t.Done() {
			m.cancel(t, "timed out")
			continue
		}
		delete(m.transfers, id)
		n++
	}
	return n
}

type origin struct {
	m       *Manager
	account string
	from    string
}

func (o origin) AcceptIncoming(name string, size int64) Handle {
	return o.m.accept(o.account, o.from, name, size)
}

func (o origin) Write(h Handle, p []byte) bool  { return o.m.Write(h, p) }
func (o origin) Cancel(h Handle, reason string) { o.m.Cancel(h, reason) }
func (o origin) Finished(h Handle)              { o.m.Finished(h) }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }
