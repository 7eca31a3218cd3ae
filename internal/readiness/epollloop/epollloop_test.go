//go:build linux

package epollloop

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jroosing/frameecho/internal/netutil"
	"github.com/jroosing/frameecho/internal/peer"
)

func startLoop(t *testing.T, edgeTriggered bool) string {
	t.Helper()
	fd, err := netutil.ListenTCP(0, 16)
	require.NoError(t, err)
	require.NoError(t, netutil.SetNonblocking(fd))

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	port := sa.(*unix.SockaddrInet4).Port

	tbl := peer.NewTable(64, 256, nil)
	done := make(chan struct{})

	go func() {
		_ = Loop(Options{ListenerFD: fd, Callbacks: tbl, Done: done, EdgeTriggered: edgeTriggered})
	}()

	t.Cleanup(func() {
		close(done)
		unix.Close(fd)
	})

	return net.JoinHostPort("127.0.0.1", itoa(port))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestEpollLoop_EchoRoundTrip_LevelTriggered(t *testing.T) {
	addr := startLoop(t, false)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	ack := make([]byte, 1)
	_, err = conn.Read(ack)
	require.NoError(t, err)
	assert.Equal(t, byte('*'), ack[0])

	_, err = conn.Write([]byte("^ab$"))
	require.NoError(t, err)

	out := make([]byte, 2)
	_, err = conn.Read(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("bc"), out)
}

func TestEpollLoop_EchoRoundTrip_EdgeTriggered(t *testing.T) {
	addr := startLoop(t, true)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	ack := make([]byte, 1)
	_, err = conn.Read(ack)
	require.NoError(t, err)
	assert.Equal(t, byte('*'), ack[0])

	_, err = conn.Write([]byte("^c$"))
	require.NoError(t, err)

	out := make([]byte, 1)
	_, err = conn.Read(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("d"), out)
}
