// Package peer implements the connection callbacks that a readiness loop
// drives: OnConnect, OnRecvReady, OnSendReady, operating on raw non-blocking
// file descriptors and the per-fd protocol state machine. It is the Go
// translation of the reference implementation's on_peer_* functions in
// server.c/epoll-server.c/select-server.c.
package peer

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/jroosing/frameecho/internal/logging"
	"github.com/jroosing/frameecho/internal/protocol"
)

// Intent tells the readiness loop which events a peer's fd should now be
// monitored for. {false, false} means the connection is being closed.
type Intent struct {
	Read  bool
	Write bool
}

// entry pairs a peer's protocol state with its connection metadata.
type entry struct {
	state  *protocol.PeerState
	connID string
}

// Table is a dense array of live peer entries indexed by fd, bounded by
// MaxFDs — the Go realization of the reference implementation's peer_state_t
// array sized by MAXFDS.
type Table struct {
	entries    []*entry
	maxFDs     int
	sendBufCap int
	logger     *slog.Logger
}

// NewTable constructs a Table bounded to maxFDs entries.
func NewTable(maxFDs, sendBufCap int, logger *slog.Logger) *Table {
	if maxFDs < 1 {
		maxFDs = 1000
	}
	if sendBufCap < 1 {
		sendBufCap = protocol.SendBufCapDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries:    make([]*entry, maxFDs),
		maxFDs:     maxFDs,
		sendBufCap: sendBufCap,
		logger:     logger,
	}
}

// ErrTooManyFDs is returned when an accepted fd exceeds MaxFDs, mirroring the
// reference implementation's fatal "newsockfd > MAXFDS" check.
var ErrTooManyFDs = errors.New("peer: accepted fd exceeds MaxFDs bound")

// OnConnect registers a newly accepted fd and stages the initial ack byte,
// returning the intent to write it out. Mirrors on_peer_connected.
func (t *Table) OnConnect(fd int) (Intent, error) {
	if fd < 0 || fd >= t.maxFDs {
		return Intent{}, fmt.Errorf("%w: fd=%d maxFDs=%d", ErrTooManyFDs, fd, t.maxFDs)
	}
	connID := logging.NewConnID()
	t.entries[fd] = &entry{
		state:  protocol.NewPeerState(t.sendBufCap),
		connID: connID,
	}
	t.logger.Debug("peer connected", slog.Int("fd", fd), slog.String("conn_id", connID))
	// The ack byte is always pending immediately after connect.
	return Intent{Read: false, Write: true}, nil
}

// recvBufSize matches the reference implementation's server.c recv buffer.
const recvBufSize = 1024

// OnRecvReady is called when fd is readable. It reads available bytes,
// feeds them through the protocol state machine, and returns the resulting
// intent. Mirrors on_peer_ready_recv.
func (t *Table) OnRecvReady(fd int) Intent {
	e := t.entries[fd]
	if e == nil {
		return Intent{}
	}
	ps := e.state

	// Back-pressure: never read while a prior ack/response is still pending,
	// matching OnRecvReady deferring reads while SendPtr < SendEnd.
	if ps.Phase == protocol.PhaseInitialAck || ps.Pending() {
		return Intent{Read: false, Write: true}
	}

	buf := make([]byte, recvBufSize)
	n, err := unix.Read(fd, buf)
	if n == 0 && err == nil {
		// Peer closed the connection.
		t.close(fd)
		return Intent{}
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return Intent{Read: true, Write: ps.Pending()}
		}
		t.logger.Error("recv failed", slog.Int("fd", fd), slog.String("error", err.Error()))
		t.close(fd)
		return Intent{}
	}

	for i := 0; i < n; i++ {
		if ok := ps.Feed(buf[i]); !ok {
			t.logger.Error("sendbuf overflow", slog.Int("fd", fd))
			t.close(fd)
			return Intent{}
		}
	}

	return Intent{Read: !ps.Pending(), Write: ps.Pending()}
}

// OnSendReady is called when fd is writable. It flushes SendBuf, returning
// the resulting intent. Mirrors on_peer_ready_send.
func (t *Table) OnSendReady(fd int) Intent {
	e := t.entries[fd]
	if e == nil {
		return Intent{}
	}
	ps := e.state

	if ps.Pending() {
		n, err := unix.Write(fd, ps.SendBuf[ps.SendPtr:ps.SendEnd])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return Intent{Read: false, Write: true}
			}
			t.logger.Error("send failed", slog.Int("fd", fd), slog.String("error", err.Error()))
			t.close(fd)
			return Intent{}
		}
		ps.SendPtr += n
	}

	if ps.Pending() {
		return Intent{Read: false, Write: true}
	}

	if ps.Phase == protocol.PhaseInitialAck {
		ps.AckSent()
	} else {
		ps.Reset()
	}
	return Intent{Read: true, Write: false}
}

func (t *Table) close(fd int) {
	if fd >= 0 && fd < len(t.entries) {
		t.entries[fd] = nil
	}
}

// Remove deletes fd's entry, called by the readiness loop after it has
// closed the underlying file descriptor.
func (t *Table) Remove(fd int) {
	t.close(fd)
}

// Active reports whether fd currently has a live peer entry.
func (t *Table) Active(fd int) bool {
	return fd >= 0 && fd < len(t.entries) && t.entries[fd] != nil
}

// ActiveCount returns the number of currently tracked connections, used by
// the status API.
func (t *Table) ActiveCount() int {
	n := 0
	for _, e := range t.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// MaxFDs returns the table's configured bound.
func (t *Table) MaxFDs() int {
	return t.maxFDs
}
