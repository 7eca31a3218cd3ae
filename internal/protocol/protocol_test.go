package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeerState_StagesAck(t *testing.T) {
	ps := NewPeerState(0)
	assert.Equal(t, PhaseInitialAck, ps.Phase)
	require.Equal(t, 1, ps.SendEnd)
	assert.Equal(t, AckByte, ps.SendBuf[0])
	assert.Equal(t, SendBufCapDefault, len(ps.SendBuf))
}

func TestAckSent_TransitionsToWaitForMsg(t *testing.T) {
	ps := NewPeerState(8)
	ps.SendPtr = ps.SendEnd
	ps.AckSent()
	assert.Equal(t, PhaseWaitForMsg, ps.Phase)
	assert.Equal(t, 0, ps.SendEnd)
	assert.Equal(t, 0, ps.SendPtr)
}

func TestFeed_WaitForMsg_DiscardsUntilStart(t *testing.T) {
	ps := &PeerState{Phase: PhaseWaitForMsg, SendBuf: make([]byte, 16)}
	for _, b := range []byte("xyz") {
		ok := ps.Feed(b)
		require.True(t, ok)
	}
	assert.Equal(t, PhaseWaitForMsg, ps.Phase)
	assert.Equal(t, 0, ps.SendEnd, "no bytes should be staged while waiting")

	ok := ps.Feed(ControlStart)
	require.True(t, ok)
	assert.Equal(t, PhaseInMsg, ps.Phase)
}

func TestFeed_RoundTrip(t *testing.T) {
	ps := &PeerState{Phase: PhaseWaitForMsg, SendBuf: make([]byte, 16)}
	input := "^abc$"
	for _, b := range []byte(input) {
		ok := ps.Feed(b)
		require.True(t, ok)
	}
	assert.Equal(t, PhaseWaitForMsg, ps.Phase)
	assert.Equal(t, []byte("bcd"), ps.SendBuf[:ps.SendEnd])
}

func TestFeed_NestedControlStart_EchoedAsUnderscore(t *testing.T) {
	ps := &PeerState{Phase: PhaseWaitForMsg, SendBuf: make([]byte, 16)}
	for _, b := range []byte("^a^b$") {
		ok := ps.Feed(b)
		require.True(t, ok)
	}
	assert.Equal(t, []byte("b_c"), ps.SendBuf[:ps.SendEnd])
}

func TestFeed_WraparoundAt0xFF(t *testing.T) {
	ps := &PeerState{Phase: PhaseInMsg, SendBuf: make([]byte, 16)}
	ok := ps.Feed(0xFF)
	require.True(t, ok)
	assert.Equal(t, byte(0x00), ps.SendBuf[0])
}

func TestFeed_EveryByteTransform(t *testing.T) {
	ps := &PeerState{Phase: PhaseInMsg, SendBuf: make([]byte, 2)}
	for b := 0; b < 256; b++ {
		in := byte(b)
		if in == ControlEnd || in == ControlStart {
			continue
		}
		ps.SendEnd, ps.SendPtr = 0, 0
		ok := ps.Feed(in)
		require.True(t, ok)
		assert.Equal(t, in+1, ps.SendBuf[0])
	}
}

func TestFeed_IdempotentAcrossSingleVsBatched(t *testing.T) {
	// Single-byte batches: collect and drain the staged output after every byte.
	var single []byte
	ps := &PeerState{Phase: PhaseWaitForMsg, SendBuf: make([]byte, 16)}
	for _, b := range []byte("^hello$") {
		require.True(t, ps.Feed(b))
		single = append(single, ps.SendBuf[:ps.SendEnd]...)
		ps.Reset()
	}

	batched := &PeerState{Phase: PhaseWaitForMsg, SendBuf: make([]byte, 16)}
	for _, b := range []byte("^hello$") {
		require.True(t, batched.Feed(b))
	}

	assert.Equal(t, single, batched.SendBuf[:batched.SendEnd])
}

func TestFeed_OverflowReturnsFalse(t *testing.T) {
	ps := &PeerState{Phase: PhaseInMsg, SendBuf: make([]byte, 1)}
	require.True(t, ps.Feed('a'))
	ok := ps.Feed('b')
	assert.False(t, ok, "staging beyond SendBufCap must be reported as overflow")
}

func TestPending(t *testing.T) {
	ps := NewPeerState(8)
	assert.True(t, ps.Pending())
	ps.SendPtr = ps.SendEnd
	assert.False(t, ps.Pending())
}

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{
		PhaseInitialAck:  "initial_ack",
		PhaseWaitForMsg:  "wait_for_msg",
		PhaseInMsg:       "in_msg",
		Phase(99):        "unknown",
	}
	for phase, want := range cases {
		assert.Equal(t, want, phase.String())
	}
}
