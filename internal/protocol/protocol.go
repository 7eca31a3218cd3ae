// Package protocol implements the `^...$` framed echo protocol's per-peer
// finite state machine, independent of any transport or concurrency model.
package protocol

const (
	// ControlStart marks the beginning of a message.
	ControlStart byte = '^'
	// ControlEnd marks the end of a message.
	ControlEnd byte = '$'
	// AckByte is sent once, immediately after a connection is accepted.
	AckByte byte = '*'
	// escapedControlStart is what a nested ControlStart transforms to inside
	// an in-progress message, since it is not a terminator there.
	escapedControlStart byte = '_'
)

// Phase is one state of the per-peer protocol state machine.
type Phase int

const (
	// PhaseInitialAck: the peer has just connected and the '*' ack byte is
	// still pending in SendBuf; no input is consumed in this phase.
	PhaseInitialAck Phase = iota
	// PhaseWaitForMsg: bytes are discarded until ControlStart is seen.
	PhaseWaitForMsg
	// PhaseInMsg: bytes are transformed and echoed until ControlEnd.
	PhaseInMsg
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialAck:
		return "initial_ack"
	case PhaseWaitForMsg:
		return "wait_for_msg"
	case PhaseInMsg:
		return "in_msg"
	default:
		return "unknown"
	}
}

// SendBufCapDefault is the default outbound staging buffer size. Raised from
// the reference implementation's 1024 bytes; see DESIGN.md.
const SendBufCapDefault = 4096

// PeerState holds one connection's protocol phase and outbound staging buffer.
// It carries no transport details (fd, address) — those live in internal/peer.
type PeerState struct {
	Phase Phase

	SendBuf []byte // fixed capacity, len == cap == SendBufCap
	SendEnd int    // index one past the last valid byte in SendBuf
	SendPtr int     // index of the next byte to send
}

// NewPeerState returns a PeerState in PhaseInitialAck with the ack byte
// already staged for sending, mirroring the reference server's behavior of
// sending '*' immediately upon accept.
func NewPeerState(sendBufCap int) *PeerState {
	if sendBufCap < 1 {
		sendBufCap = SendBufCapDefault
	}
	ps := &PeerState{
		Phase:   PhaseInitialAck,
		SendBuf: make([]byte, sendBufCap),
	}
	ps.stageAck()
	return ps
}

func (ps *PeerState) stageAck() {
	ps.SendBuf[0] = AckByte
	ps.SendEnd = 1
	ps.SendPtr = 0
}

// Pending reports whether there is unsent data in SendBuf.
func (ps *PeerState) Pending() bool {
	return ps.SendPtr < ps.SendEnd
}

// Reset clears the staging buffer back to empty, keeping Phase untouched.
func (ps *PeerState) Reset() {
	ps.SendEnd = 0
	ps.SendPtr = 0
}

// stage appends a single byte to SendBuf, reporting false if it would
// overflow the buffer's capacity. Callers must apply back-pressure (stop
// reading from the peer while Pending()) so this only triggers under a
// single recv producing more output than the buffer can hold.
func (ps *PeerState) stage(b byte) bool {
	if ps.SendEnd >= len(ps.SendBuf) {
		return false
	}
	ps.SendBuf[ps.SendEnd] = b
	ps.SendEnd++
	return true
}

// Feed processes one incoming byte through the state machine, staging any
// output bytes into SendBuf. It returns false if SendBuf overflowed — the
// caller should treat this as fatal, per spec's last-resort overflow rule.
func (ps *PeerState) Feed(b byte) bool {
	switch ps.Phase {
	case PhaseInitialAck:
		// No application bytes are consumed while the ack is still pending;
		// callers should not invoke Feed in this phase.
		return true

	case PhaseWaitForMsg:
		if b == ControlStart {
			ps.Phase = PhaseInMsg
		}
		return true

	case PhaseInMsg:
		if b == ControlEnd {
			ps.Phase = PhaseWaitForMsg
			return true
		}
		out := b
		if b == ControlStart {
			// Nested '^' is not a terminator in this phase; it is echoed as
			// '_', which is the same value '^'+1 gives, per the resolved Open
			// Question.
			out = escapedControlStart
		} else {
			out = b + 1 // wraps mod 256, matching uint8_t arithmetic
		}
		return ps.stage(out)

	default:
		return true
	}
}

// AckSent transitions out of PhaseInitialAck once the ack byte has been
// fully flushed to the peer. Callers call this after SendPtr reaches SendEnd
// while still in PhaseInitialAck.
func (ps *PeerState) AckSent() {
	if ps.Phase == PhaseInitialAck {
		ps.Phase = PhaseWaitForMsg
	}
	ps.Reset()
}
