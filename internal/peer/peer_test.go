package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpair returns two connected, non-blocking fds: one representing "our"
// side (handed to the Table) and one representing the remote peer's side.
func socketpair(t *testing.T) (ours, theirs int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestOnConnect_StagesAckWriteIntent(t *testing.T) {
	ours, _ := socketpair(t)
	tbl := NewTable(16, 64, nil)

	intent, err := tbl.OnConnect(ours)
	require.NoError(t, err)
	assert.Equal(t, Intent{Read: false, Write: true}, intent)
	assert.True(t, tbl.Active(ours))
}

func TestOnConnect_RejectsFDBeyondMaxFDs(t *testing.T) {
	tbl := NewTable(4, 64, nil)
	_, err := tbl.OnConnect(10)
	assert.ErrorIs(t, err, ErrTooManyFDs)
}

func TestOnSendReady_FlushesAckThenWantsRead(t *testing.T) {
	ours, theirs := socketpair(t)
	tbl := NewTable(16, 64, nil)
	_, err := tbl.OnConnect(ours)
	require.NoError(t, err)

	intent := tbl.OnSendReady(ours)
	assert.Equal(t, Intent{Read: true, Write: false}, intent)

	buf := make([]byte, 4)
	n, err := unix.Read(theirs, buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, byte('*'), buf[0])
}

func TestOnRecvReady_RoundTrip(t *testing.T) {
	ours, theirs := socketpair(t)
	tbl := NewTable(16, 64, nil)
	_, err := tbl.OnConnect(ours)
	require.NoError(t, err)
	tbl.OnSendReady(ours) // flush the ack, transition out of PhaseInitialAck

	_, err = unix.Write(theirs, []byte("^ab$"))
	require.NoError(t, err)

	intent := tbl.OnRecvReady(ours)
	assert.True(t, intent.Write)

	sendIntent := tbl.OnSendReady(ours)
	assert.Equal(t, Intent{Read: true, Write: false}, sendIntent)

	buf := make([]byte, 4)
	n, _ := unix.Read(theirs, buf)
	assert.Equal(t, []byte("bc"), buf[:n])
}

func TestOnRecvReady_PeerClosedReturnsEmptyIntent(t *testing.T) {
	ours, theirs := socketpair(t)
	tbl := NewTable(16, 64, nil)
	_, err := tbl.OnConnect(ours)
	require.NoError(t, err)
	tbl.OnSendReady(ours)

	unix.Close(theirs)
	// Give the kernel a moment isn't needed for AF_UNIX close detection.
	intent := tbl.OnRecvReady(ours)
	assert.Equal(t, Intent{}, intent)
	assert.False(t, tbl.Active(ours))
}

func TestOnRecvReady_DefersWhilePending(t *testing.T) {
	ours, _ := socketpair(t)
	tbl := NewTable(16, 64, nil)
	_, err := tbl.OnConnect(ours)
	require.NoError(t, err)
	// Still in PhaseInitialAck: ack not yet flushed.
	intent := tbl.OnRecvReady(ours)
	assert.Equal(t, Intent{Read: false, Write: true}, intent)
}

func TestRemove_ClearsActive(t *testing.T) {
	ours, _ := socketpair(t)
	tbl := NewTable(16, 64, nil)
	_, err := tbl.OnConnect(ours)
	require.NoError(t, err)
	tbl.Remove(ours)
	assert.False(t, tbl.Active(ours))
}

func TestActiveCount(t *testing.T) {
	a, _ := socketpair(t)
	b, _ := socketpair(t)
	tbl := NewTable(16, 64, nil)
	_, err := tbl.OnConnect(a)
	require.NoError(t, err)
	_, err = tbl.OnConnect(b)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.ActiveCount())
}
