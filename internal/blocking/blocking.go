// Package blocking implements the reference per-connection handler: a
// synchronous read/transform/write loop with no readiness multiplexing,
// used by the sequential, threaded, and pool driver variants. It is the Go
// translation of the reference implementation's serve_connection in server.c.
package blocking

import (
	"log/slog"
	"net"

	"github.com/jroosing/frameecho/internal/pool"
	"github.com/jroosing/frameecho/internal/protocol"
)

const recvBufSize = 1024

var bufPool = pool.New(func() []byte { return make([]byte, recvBufSize) })

// Handle serves one connection to completion: sends the ack byte, then loops
// reading bytes, feeding the protocol state machine, and writing each
// transformed byte synchronously back to the peer. Returns when the peer
// closes the connection or an unrecoverable error occurs.
func Handle(conn net.Conn, sendBufCap int, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{protocol.AckByte}); err != nil {
		logger.Debug("ack send failed, closing", slog.String("error", err.Error()))
		return
	}

	ps := &protocol.PeerState{Phase: protocol.PhaseWaitForMsg, SendBuf: make([]byte, sendBufCap)}

	buf := bufPool.Get()
	defer bufPool.Put(buf)

	for {
		n, err := conn.Read(buf)

		for i := 0; i < n; i++ {
			ps.SendEnd, ps.SendPtr = 0, 0
			if ok := ps.Feed(buf[i]); !ok {
				logger.Error("sendbuf overflow")
				return
			}
			if ps.SendEnd == 0 {
				continue // byte consumed with no output (control bytes, discarded bytes)
			}
			if _, werr := conn.Write(ps.SendBuf[:ps.SendEnd]); werr != nil {
				logger.Debug("send failed, closing", slog.String("error", werr.Error()))
				return
			}
		}

		if err != nil {
			return
		}
	}
}
