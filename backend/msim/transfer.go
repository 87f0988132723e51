package msim

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"beegate/account"
	"beegate/filetransfer"
	"beegate/protocol"
)

const (
	chunkSize       = 32 * 1024
	dataIdleTimeout = 2 * time.Minute
)

// onFileOffer accepts every offer: fsnd|sender|filename|size|hash|session.
// The server answers our facc with the port to download from.
func (b *Backend) onFileOffer(pkt *protocol.Packet) {
	sender, name, session := pkt.Field(0), pkt.Field(1), pkt.Field(4)
	size, err := strconv.ParseInt(pkt.Field(2), 10, 64)
	if err != nil || session == "" {
		b.log.Warn("malformed file offer", "fields", pkt.Fields)
		return
	}

	h := b.env.Transfers.From(b.acc.Tag, sender).AcceptIncoming(name, size)
	b.files[session] = h
	b.env.Transfers.OnAbort(h, func(reason string) {
		delete(b.files, session)
		b.request(protocol.TypeFcan, func(account.Reply) {}, sender, session, reason)
	})

	b.request(protocol.TypeFacc, func(r account.Reply) {
		if r.Err != nil {
			delete(b.files, session)
			b.env.Transfers.Cancel(h, r.Err.Error())
			return
		}
		if len(r.Fields) < 2 {
			delete(b.files, session)
			b.env.Transfers.Cancel(h, "server sent no download port")
			return
		}
		go b.download(h, session, r.Fields[len(r.Fields)-1])
	}, sender, session)
}

// onFileCancel handles fcan and fdec: type|peer|session|reason.
func (b *Backend) onFileCancel(pkt *protocol.Packet) {
	session := pkt.Field(1)
	h, ok := b.files[session]
	if !ok {
		return
	}
	delete(b.files, session)
	reason := pkt.Field(2)
	if reason == "" {
		reason = "cancelled by " + pkt.Field(0)
	}
	b.env.Transfers.Cancel(h, reason)
}

// download copies the file from the server's data port into the transfer.
// It runs on its own goroutine and hands every chunk to the loop. The socket
// is closed as soon as the transfer is cancelled.
func (b *Backend) download(h filetransfer.Handle, session, port string) {
	host, _, err := net.SplitHostPort(b.server())
	if err != nil {
		host = b.server()
	}
	c, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), dialTimeout)
	if err != nil {
		b.env.Post(func() { b.endTransfer(h, session, fmt.Errorf("connect data port: %w", err)) })
		return
	}
	defer c.Close()

	if !b.env.Call(func() { b.env.Transfers.OnCancel(h, func() { c.Close() }) }) {
		return
	}

	buf := make([]byte, chunkSize)
	for {
		c.SetReadDeadline(time.Now().Add(dataIdleTimeout))
		n, err := c.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			taken := false
			if !b.env.Call(func() { taken = b.env.Transfers.Write(h, chunk) }) || !taken {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			b.env.Post(func() { b.endTransfer(h, session, nil) })
			return
		}
		if err != nil {
			b.env.Post(func() { b.endTransfer(h, session, err) })
			return
		}
	}
}

func (b *Backend) endTransfer(h filetransfer.Handle, session string, err error) {
	delete(b.files, session)
	t, ok := b.env.Transfers.Get(h)
	switch {
	case !ok:
	case err != nil:
		b.env.Transfers.Cancel(h, err.Error())
	case t.Size > 0 && t.Received < t.Size:
		b.env.Transfers.Cancel(h, fmt.Sprintf("connection closed after %d of %d bytes", t.Received, t.Size))
	default:
		b.env.Transfers.Finished(h)
	}
}
