package msim

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"beegate/account"
	"beegate/backend"
	"beegate/bridge"
	"beegate/filetransfer"
	"beegate/gateway"
	"beegate/obs"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	t     *testing.T
	conn  net.Conn
	lines chan string
}

func newFakeServer(t *testing.T) (*fakeServer, net.Conn) {
	client, server := net.Pipe()
	s := &fakeServer{t: t, conn: server, lines: make(chan string, 64)}
	go func() {
		r := bufio.NewReader(server)
		for {
			l, err := r.ReadString('\n')
			if err != nil {
				close(s.lines)
				return
			}
			s.lines <- strings.TrimRight(l, "\n")
		}
	}()
	t.Cleanup(func() { server.Close() })
	return s, client
}

func (s *fakeServer) expect(want string) {
	s.t.Helper()
	select {
	case l, ok := <-s.lines:
		require.True(s.t, ok, "connection closed while waiting for %q", want)
		require.Equal(s.t, want, l)
	case <-time.After(2 * time.Second):
		s.t.Fatalf("timed out waiting for %q", want)
	}
}

func (s *fakeServer) send(line string) {
	s.t.Helper()
	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := s.conn.Write([]byte(line + "\n"))
	require.NoError(s.t, err)
}

type fakeIRC struct {
	joined []string
	parted []string
	lines  []string
}

func (f *fakeIRC) Self() string                        { return "me" }
func (f *fakeIRC) Channel() string                     { return "&bitlbee" }
func (f *fakeIRC) NickTaken(nick string) bool          { return nick == "root" }
func (f *fakeIRC) AddUser(*bridge.Identity)            {}
func (f *fakeIRC) RemoveUser(*bridge.Identity)         {}
func (f *fakeIRC) RenameUser(*bridge.Identity, string) {}
func (f *fakeIRC) Join(id *bridge.Identity)            { f.joined = append(f.joined, id.Nick()) }
func (f *fakeIRC) Part(id *bridge.Identity)            { f.parted = append(f.parted, id.Nick()) }

func (f *fakeIRC) Send(from *bridge.Identity, command, target, text string) {
	f.lines = append(f.lines, from.Nick()+" "+command+" "+target+" "+text)
}

type record struct {
	disconnected []string
	notices      []string
	transcript   []string
	offered      []*filetransfer.Transfer
	finished     []string
	cancelled    []string
}

type recorder struct {
	mu sync.Mutex
	record
}

func (r *recorder) Disconnected(_ *account.Account, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, err.Error())
}

func (r *recorder) Notice(_ *account.Account, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, text)
}

func (r *recorder) Transcript(_ *account.Account, peer, direction, text string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcript = append(r.transcript, direction+" "+peer+" "+text)
}

func (r *recorder) TransferOffered(t *filetransfer.Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offered = append(r.offered, t)
}

func (r *recorder) TransferFinished(t *filetransfer.Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, t.Name)
}

func (r *recorder) TransferCancelled(_ *filetransfer.Transfer, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, reason)
}

func (r *recorder) snapshot() record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return record{
		disconnected: append([]string(nil), r.disconnected...),
		notices:      append([]string(nil), r.notices...),
		transcript:   append([]string(nil), r.transcript...),
		offered:      append([]*filetransfer.Transfer(nil), r.offered...),
		finished:     append([]string(nil), r.finished...),
		cancelled:    append([]string(nil), r.cancelled...),
	}
}

type harness struct {
	t      *testing.T
	loop   *gateway.Loop
	acc    *account.Account
	be     *Backend
	irc    *fakeIRC
	events *recorder
	ft     *filetransfer.Manager
	srv    *fakeServer
}

func setup(t *testing.T) *harness {
	t.Helper()
	loop := gateway.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	irc := &fakeIRC{}
	br := bridge.New(irc, log)
	acc := account.New("msim", Protocol, "me", "pw", "127.0.0.1:3215")
	br.Attach(acc)

	events := &recorder{}
	ft := filetransfer.NewManager(nil, log)
	ft.SetEvents(events)

	be, err := New(acc, backend.Env{
		Post:      loop.Post,
		Call:      loop.Call,
		Bridge:    br,
		Transfers: ft,
		Events:    events,
		Log:       log,
		Keepalive: time.Hour,
	})
	require.NoError(t, err)
	b := be.(*Backend)

	srv, client := newFakeServer(t)
	b.dial = func(context.Context, string, string) (net.Conn, error) { return client, nil }
	loop.Call(func() {
		acc.Backend = b
		acc.State = account.Connecting
	})

	return &harness{t: t, loop: loop, acc: acc, be: b, irc: irc, events: events, ft: ft, srv: srv}
}

func (h *harness) login() {
	h.t.Helper()
	h.loginWith("list|alice|Alice,bob|")
}

// loginWith logs in with roster as the server's answer to list.
func (h *harness) loginWith(roster string) {
	h.t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- h.be.Login(context.Background()) }()

	h.srv.expect("auth|me|pw")
	h.srv.send("ok|auth")
	h.srv.expect("list")
	h.srv.send(roster)
	h.srv.expect("stat")
	h.srv.send("stat|alice|on|2024-05-01T12:00:00Z,bob|off|2024-05-01T11:00:00Z")
	require.NoError(h.t, <-errc)
}

// on runs fn on the session loop.
func (h *harness) on(fn func()) {
	h.t.Helper()
	require.True(h.t, h.loop.Call(fn))
}

// await polls cond on the session loop until it holds.
func (h *harness) await(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		var ok bool
		h.loop.Call(func() { ok = cond() })
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func (h *harness) eventually(cond func(r record) bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return cond(h.events.snapshot()) }, 2*time.Second, 10*time.Millisecond)
}

func TestLoginLoadsRoster(t *testing.T) {
	h := setup(t)
	h.login()

	h.on(func() {
		assert.Equal(t, 2, h.acc.Directory.Len())
		assert.True(t, h.acc.Directory.Contact("alice").Online())
		assert.False(t, h.acc.Directory.Contact("bob").Online())
		assert.Equal(t, []string{"alice"}, h.irc.joined)
		assert.True(t, h.be.ContactKnown("ALICE"))
		assert.False(t, h.be.ContactKnown("carol"))
		assert.Equal(t, 0, h.acc.Requests.Len())
	})
}

func TestLoginRefused(t *testing.T) {
	h := setup(t)
	errc := make(chan error, 1)
	go func() { errc <- h.be.Login(context.Background()) }()

	h.srv.expect("auth|me|pw")
	h.srv.send("fail|auth|Invalid credentials")

	err := <-errc
	assert.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), "Invalid credentials")
	assert.Empty(t, h.events.snapshot().disconnected)
}

func TestLoginContextCancelled(t *testing.T) {
	h := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.be.Login(ctx) }()

	h.srv.expect("auth|me|pw")
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestIncomingMessage(t *testing.T) {
	h := setup(t)
	h.login()

	h.srv.send("msg|alice|hello there|2024-05-01T12:00:00Z")
	h.srv.expect("ack|alice|2024-05-01T12:00:00Z")
	h.srv.send("ok|ack")
	h.await(func() bool { return h.acc.Requests.Len() == 0 })

	h.on(func() {
		require.Len(t, h.irc.lines, 1)
		assert.True(t, strings.HasPrefix(h.irc.lines[0], "alice PRIVMSG me ["))
		assert.True(t, strings.HasSuffix(h.irc.lines[0], "hello there"))
	})
	assert.Equal(t, []string{"in alice hello there"}, h.events.snapshot().transcript)
}

func TestMessageFromStranger(t *testing.T) {
	h := setup(t)
	h.login()

	h.srv.send("msg|carol|hi|2024-05-01T12:00:00Z")
	h.srv.expect("ack|carol|2024-05-01T12:00:00Z")

	h.on(func() {
		c := h.acc.Directory.Contact("carol")
		require.NotNil(t, c)
		assert.NotNil(t, bridge.IdentityOf(c))
	})
}

func TestPresenceUpdates(t *testing.T) {
	h := setup(t)
	h.login()

	h.srv.send("on|bob|2024-05-01T12:00:00Z")
	h.srv.send("off|alice|2024-05-01T12:00:00Z")
	h.srv.send("on|stranger|2024-05-01T12:00:00Z")

	h.await(func() bool { return len(h.irc.parted) == 1 })
	h.on(func() {
		assert.Equal(t, []string{"alice", "bob"}, h.irc.joined)
		assert.Equal(t, []string{"alice"}, h.irc.parted)
		assert.Nil(t, h.acc.Directory.Contact("stranger"))
	})
}

func TestSendMessage(t *testing.T) {
	h := setup(t)
	h.login()

	h.on(func() { require.NoError(t, h.be.SendMessage("alice", "yo")) })
	h.srv.expect("msg|alice|yo")
	h.srv.send("fail|msg|Recipient not found")
	h.eventually(func(r record) bool { return len(r.notices) == 1 })
	assert.Contains(t, h.events.snapshot().notices[0], "not delivered: request failed: Recipient not found")

	h.on(func() { require.NoError(t, h.be.SendMessage("alice", "again")) })
	h.srv.expect("msg|alice|again")
	h.srv.send("ok|msg")
	h.eventually(func(r record) bool { return len(r.transcript) == 1 })
	assert.Equal(t, "out alice again", h.events.snapshot().transcript[0])
}

func TestAddAndRemoveContact(t *testing.T) {
	h := setup(t)
	h.login()

	h.on(func() { require.NoError(t, h.be.AddContact("carol", "Caz")) })
	h.srv.expect("add|carol|Caz")
	h.srv.send("ok|add")
	h.srv.expect("stat|carol")
	h.srv.send("stat|carol|on|2024-05-01T12:00:00Z")
	h.await(func() bool { return h.acc.Requests.Len() == 0 })

	h.on(func() {
		c := h.acc.Directory.Contact("carol")
		require.NotNil(t, c)
		assert.True(t, c.Online())
		assert.Equal(t, "Caz", bridge.IdentityOf(c).Nick())
		assert.True(t, h.be.ContactKnown("carol"))
		require.NoError(t, h.be.RemoveContact("carol"))
	})
	h.srv.expect("del|carol")
	h.srv.send("ok|del")

	h.await(func() bool { return h.acc.Directory.Contact("carol") == nil })
	h.on(func() { assert.False(t, h.be.ContactKnown("carol")) })
}

func TestRosterNamesFollowNickSource(t *testing.T) {
	h := setup(t)
	h.on(func() {
		require.NoError(t, h.acc.Settings.Set(account.SetNickSource, "full_name"))
		require.NoError(t, h.acc.Settings.Set(account.SetDisplayNameChanges, "true"))
	})
	h.loginWith("list|alice|Alice Liddell,bob|Bobby Tables")

	h.on(func() {
		alice := bridge.IdentityOf(h.acc.Directory.Contact("alice"))
		require.NotNil(t, alice)
		assert.Equal(t, "Alice_Liddell", alice.Nick())
		assert.Equal(t, "Alice Liddell", alice.FullName)
		assert.Equal(t, "Alice Liddell", h.acc.Directory.Contact("alice").FullName)
		assert.Equal(t, "Bobby_Tables", bridge.IdentityOf(h.acc.Directory.Contact("bob")).Nick())
		assert.Equal(t, []string{"Alice_Liddell"}, h.irc.joined)
		require.NoError(t, h.be.RenameContact("bob", "Robert"))
	})
	h.srv.expect("ren|bob|Robert")
	h.srv.send("ok|ren")
	h.await(func() bool { return h.acc.Directory.Contact("bob").FullName == "Robert" })

	h.on(func() {
		assert.Equal(t, "Robert", bridge.IdentityOf(h.acc.Directory.Contact("bob")).Nick())
		assert.Empty(t, h.irc.lines, "offline contacts change name silently")
		require.NoError(t, h.be.RenameContact("alice", "Al"))
	})
	h.srv.expect("ren|alice|Al")
	h.srv.send("ok|ren")
	h.await(func() bool { return len(h.irc.lines) == 1 })

	h.on(func() {
		assert.Equal(t, "Alice_Liddell NOTICE me << Changed name to `Al' >>", h.irc.lines[0])
		assert.Equal(t, "Alice_Liddell", bridge.IdentityOf(h.acc.Directory.Contact("alice")).Nick(), "online contacts keep their nick")
	})
}

func TestRosterNamesKeepHandleNicks(t *testing.T) {
	h := setup(t)
	h.loginWith("list|alice|Alice Liddell,bob|Bobby Tables")

	h.on(func() {
		bob := bridge.IdentityOf(h.acc.Directory.Contact("bob"))
		require.NotNil(t, bob)
		assert.Equal(t, "bob", bob.Nick())
		assert.Equal(t, "Bobby Tables", bob.FullName)
		require.NoError(t, h.be.RenameContact("bob", "Robert"))
	})
	h.srv.expect("ren|bob|Robert")
	h.srv.send("ok|ren")
	h.await(func() bool { return h.acc.Directory.Contact("bob").FullName == "Robert" })

	h.on(func() {
		assert.Equal(t, "bob", bridge.IdentityOf(h.acc.Directory.Contact("bob")).Nick())
		assert.Empty(t, h.irc.lines)
	})
}

func TestRenameContact(t *testing.T) {
	h := setup(t)
	h.login()

	h.on(func() { require.NoError(t, h.be.RenameContact("bob", "Bobby")) })
	h.srv.expect("ren|bob|Bobby")
	h.srv.send("fail|ren|Contact not found")
	h.eventually(func(r record) bool { return len(r.notices) == 1 })
}

func TestOrphanedReply(t *testing.T) {
	h := setup(t)
	h.login()
	before := testutil.ToFloat64(obs.RepliesOrphaned)

	h.srv.send("ok|ren")
	h.srv.send("fail|Unknown packet type")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(obs.RepliesOrphaned) == before+2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeepaliveSweepsUnanswered(t *testing.T) {
	h := setup(t)
	h.login()

	h.on(func() { require.NoError(t, h.be.AddContact("dave", "")) })
	h.srv.expect("add|dave")

	h.on(func() { h.be.tick() })
	h.srv.expect("ping")
	h.on(func() {
		assert.Equal(t, 1, h.acc.Requests.Len())
		h.be.tick()
	})
	h.srv.expect("ping")

	h.on(func() {
		assert.Equal(t, 0, h.acc.Requests.Len())
		assert.Len(t, h.be.queues["add"], 1)
	})

	before := testutil.ToFloat64(obs.RepliesOrphaned)
	h.srv.send("ok|add")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(obs.RepliesOrphaned) == before+1
	}, 2*time.Second, 10*time.Millisecond)
	h.on(func() {
		assert.Nil(t, h.acc.Directory.Contact("dave"))
		assert.Empty(t, h.be.queues["add"])
	})
}

func TestLateReplyDoesNotAnswerNextRequest(t *testing.T) {
	h := setup(t)
	h.login()

	h.on(func() { require.NoError(t, h.be.SendMessage("alice", "first")) })
	h.srv.expect("msg|alice|first")
	h.on(func() { h.be.tick() })
	h.srv.expect("ping")
	h.on(func() { h.be.tick() })
	h.srv.expect("ping")

	h.on(func() { require.NoError(t, h.be.SendMessage("bob", "second")) })
	h.srv.expect("msg|bob|second")

	before := testutil.ToFloat64(obs.RepliesOrphaned)
	h.srv.send("fail|msg|Recipient not found")
	h.srv.send("ok|msg")

	h.eventually(func(r record) bool { return len(r.transcript) == 1 })
	r := h.events.snapshot()
	assert.Equal(t, []string{"out bob second"}, r.transcript)
	assert.Empty(t, r.notices)
	assert.Equal(t, before+1, testutil.ToFloat64(obs.RepliesOrphaned))
	h.on(func() {
		assert.Empty(t, h.be.queues["msg"])
		assert.Equal(t, 0, h.acc.Requests.Len())
	})
}

func TestPongKeepsSessionAlive(t *testing.T) {
	h := setup(t)
	h.login()

	stale := time.Now().Add(-4 * time.Hour)
	h.on(func() { h.be.lastPong = stale })
	h.srv.send("pong")
	h.await(func() bool { return h.be.lastPong.After(stale) })
	h.on(func() { h.be.tick() })
	h.srv.expect("ping")
	assert.Empty(t, h.events.snapshot().disconnected)
}

func TestPingTimeout(t *testing.T) {
	h := setup(t)
	h.login()

	h.on(func() {
		h.be.lastPong = time.Now().Add(-4 * time.Hour)
		h.be.tick()
	})
	assert.Equal(t, []string{"ping timeout"}, h.events.snapshot().disconnected)
}

func TestServerBye(t *testing.T) {
	h := setup(t)
	h.login()

	h.srv.send("bye|maintenance")
	h.eventually(func(r record) bool { return len(r.disconnected) == 1 })
	assert.Contains(t, h.events.snapshot().disconnected[0], "maintenance")
}

func TestConnectionLost(t *testing.T) {
	h := setup(t)
	h.login()

	h.srv.conn.Close()
	h.eventually(func(r record) bool { return len(r.disconnected) == 1 })
}

func TestLogout(t *testing.T) {
	h := setup(t)
	h.login()

	h.on(func() { require.NoError(t, h.be.AddContact("dave", "")) })
	h.srv.expect("add|dave")

	h.on(func() { require.NoError(t, h.be.Logout()) })
	h.srv.expect("bye")
	h.on(func() {
		assert.Equal(t, 0, h.acc.Requests.Len())
		assert.ErrorIs(t, h.be.SendMessage("alice", "late"), ErrNotConnected)
	})
	assert.Empty(t, h.events.snapshot().disconnected)
}

func TestFileTransfer(t *testing.T) {
	h := setup(t)
	h.login()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Write([]byte("hello"))
		c.Close()
	}()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	h.srv.send("fsnd|alice|notes.txt|5|abc123|S1")
	h.srv.expect("facc|alice|S1")
	h.srv.send("ok|facc|S1|0|" + port)

	h.eventually(func(r record) bool { return len(r.finished) == 1 })
	r := h.events.snapshot()
	require.Len(t, r.offered, 1)
	assert.Equal(t, "alice", r.offered[0].From)
	assert.Equal(t, "msim", r.offered[0].Account)
	assert.Equal(t, []string{"notes.txt"}, r.finished)
	h.on(func() {
		tr, ok := h.ft.Get(r.offered[0].ID)
		require.True(t, ok)
		assert.Equal(t, int64(5), tr.Received)
		assert.Empty(t, h.be.files)
	})
}

func TestFileTransferShort(t *testing.T) {
	h := setup(t)
	h.login()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		c.Write([]byte("he"))
		c.Close()
	}()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	h.srv.send("fsnd|alice|notes.txt|5|abc123|S1")
	h.srv.expect("facc|alice|S1")
	h.srv.send("ok|facc|S1|0|" + port)

	h.eventually(func(r record) bool { return len(r.cancelled) == 1 })
	assert.Contains(t, h.events.snapshot().cancelled[0], "2 of 5 bytes")
}

func TestFileCancelledByPeer(t *testing.T) {
	h := setup(t)
	h.login()

	h.srv.send("fsnd|alice|notes.txt|5|abc123|S1")
	h.srv.expect("facc|alice|S1")
	h.srv.send("fcan|alice|S1|changed my mind")

	h.eventually(func(r record) bool { return len(r.cancelled) == 1 })
	assert.Equal(t, []string{"changed my mind"}, h.events.snapshot().cancelled)
}

func TestFileAbortedByUser(t *testing.T) {
	h := setup(t)
	h.login()

	h.srv.send("fsnd|alice|notes.txt|5|abc123|S1")
	h.srv.expect("facc|alice|S1")

	h.on(func() {
		list := h.ft.List()
		require.Len(t, list, 1)
		require.NoError(t, h.ft.Abort(list[0].ID, "user cancelled"))
	})
	h.srv.expect("fcan|alice|S1|user cancelled")
}

func TestFileAbortedMidDownload(t *testing.T) {
	h := setup(t)
	h.login()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	closed := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("hel"))
		io.Copy(io.Discard, c)
		close(closed)
	}()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	h.srv.send("fsnd|alice|notes.txt|5|abc123|S1")
	h.srv.expect("facc|alice|S1")
	h.srv.send("ok|facc|S1|0|" + port)

	var id filetransfer.Handle
	h.await(func() bool {
		list := h.ft.List()
		if len(list) == 1 && list[0].Received == 3 {
			id = list[0].ID
			return true
		}
		return false
	})
	h.on(func() { require.NoError(t, h.ft.Abort(id, "user cancelled")) })
	h.srv.expect("fcan|alice|S1|user cancelled")

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("data connection left open after abort")
	}
	h.await(func() bool { return len(h.be.files) == 0 })
	assert.Equal(t, []string{"user cancelled"}, h.events.snapshot().cancelled)
}

func TestDownloadStopsWithLoop(t *testing.T) {
	h := setup(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	closed := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte("hello"))
		io.Copy(io.Discard, c)
		close(closed)
	}()
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	h.loop.Stop()
	done := make(chan struct{})
	go func() {
		h.be.download("T1", "S1", port)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("download kept running after the loop stopped")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("data connection left open")
	}
}

func TestMalformedOfferIgnored(t *testing.T) {
	h := setup(t)
	h.login()

	h.srv.send("fsnd|alice|notes.txt|many|abc123|S1")
	h.srv.send("fsnd|alice|notes.txt|5|abc123|S2")
	h.srv.expect("facc|alice|S2")

	h.on(func() {
		require.Len(t, h.ft.List(), 1)
		assert.Len(t, h.be.files, 1)
	})
}
