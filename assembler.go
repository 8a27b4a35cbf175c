package hal

import (
	"encoding/binary"
	"fmt"
)

// defaultMaxReassembly bounds the size of a reassembled NCI control message
const defaultMaxReassembly = 4096

type assemblerState int

const (
	asmIdle assemblerState = iota
	asmHeader
	asmPayload
	asmDiscard
)

func (s assemblerState) String() string {
	switch s {
	case asmIdle:
		return "Idle"
	case asmHeader:
		return "Header"
	case asmPayload:
		return "Payload"
	case asmDiscard:
		return "Discard"
	default:
		return "Unknown"
	}
}

// FrameAssembler turns an inbound byte stream into complete packets. It is
// fed one byte at a time and never blocks. An assembler either reads the
// packet-type indicator in front of every packet (single-channel framing)
// or is bound to one fixed kind (one inbound sub-channel).
type FrameAssembler struct {
	alloc         Allocator
	fixed         PacketKind
	maxReassembly int
	onError       func(error)
	log           logger

	state     assemblerState
	kind      PacketKind
	hdr       [hciACLHeaderLen]byte
	hdrLen    int
	hdrNeed   int
	buf       *Buffer
	pos       int
	remaining int

	// segmented NCI control message in progress
	frag    *Buffer
	fragLen int
	fragKey uint16

	// fragments of an already discarded message are swallowed until its last one
	skipping bool
	skipKey  uint16
}

// NewFrameAssembler creates an assembler for a stream that carries a type
// indicator byte in front of every packet.
func NewFrameAssembler(alloc Allocator) *FrameAssembler {
	return &FrameAssembler{alloc: alloc, maxReassembly: defaultMaxReassembly}
}

// NewSubChannelAssembler creates an assembler for a sub-channel that only
// ever carries packets of kind.
func NewSubChannelAssembler(alloc Allocator, kind PacketKind) *FrameAssembler {
	return &FrameAssembler{alloc: alloc, fixed: kind, maxReassembly: defaultMaxReassembly}
}

// SetErrorHandler installs the hook receiving framing errors
func (a *FrameAssembler) SetErrorHandler(fn func(error)) {
	a.onError = fn
}

// SetMaxReassembly bounds the total size of a reassembled message
func (a *FrameAssembler) SetMaxReassembly(n int) {
	if n > 0 {
		a.maxReassembly = n
	}
}

// FeedBytes feeds every byte of p and hands each completed packet to deliver
func (a *FrameAssembler) FeedBytes(p []byte, deliver func(*Packet)) {
	for _, b := range p {
		if pkt := a.Feed(b); pkt != nil {
			deliver(pkt)
		}
	}
}

// Feed consumes one byte and returns a packet when it completes one
func (a *FrameAssembler) Feed(b byte) *Packet {
	switch a.state {
	case asmIdle:
		if a.fixed != KindUnknown {
			a.beginHeader(a.fixed)
			return a.feedHeader(b)
		}
		kind, ok := kindForIndicator(b)
		if !ok {
			a.report(NewFramingUnknownTypeError(fmt.Sprintf("unknown packet indicator 0x%02X", b)))
			return nil
		}
		a.beginHeader(kind)
		return nil

	case asmHeader:
		return a.feedHeader(b)

	case asmPayload:
		a.buf.data[a.pos] = b
		a.pos++
		a.remaining--
		if a.remaining == 0 {
			return a.complete()
		}

	case asmDiscard:
		a.remaining--
		if a.remaining <= 0 {
			a.state = asmIdle
		}
	}
	return nil
}

// Reset drops any partial packet and returns its buffers
func (a *FrameAssembler) Reset() {
	if a.buf != nil {
		a.alloc.Free(a.buf)
		a.buf = nil
	}
	a.dropFragment()
	a.skipping = false
	a.state = asmIdle
	a.hdrLen = 0
	a.remaining = 0
}

func kindForIndicator(b byte) (PacketKind, bool) {
	switch b {
	case hciTypeEvent:
		return KindEvent, true
	case hciTypeACL:
		return KindDataIn, true
	case hciTypeNCI:
		return KindNCIControl, true
	default:
		return KindUnknown, false
	}
}

func headerLen(kind PacketKind) int {
	switch kind {
	case KindEvent:
		return hciEventHeaderLen
	case KindDataIn, KindDataOut:
		return hciACLHeaderLen
	case KindCommand:
		return hciCommandHeaderLen
	default:
		return nciHeaderLen
	}
}

func (a *FrameAssembler) beginHeader(kind PacketKind) {
	a.state = asmHeader
	a.kind = kind
	a.hdrLen = 0
	a.hdrNeed = headerLen(kind)
}

func (a *FrameAssembler) feedHeader(b byte) *Packet {
	a.hdr[a.hdrLen] = b
	a.hdrLen++
	if a.hdrLen < a.hdrNeed {
		return nil
	}

	var payloadLen int
	switch a.kind {
	case KindEvent:
		payloadLen = int(a.hdr[1])
	case KindDataIn, KindDataOut:
		payloadLen = int(binary.LittleEndian.Uint16(a.hdr[2:4]))
	case KindCommand:
		payloadLen = int(a.hdr[2])
	default:
		payloadLen = int(a.hdr[2])
		switch nciMessageType(a.hdr[0]) {
		case nciMsgTypeData:
			a.kind = KindNCIData
		case nciMsgTypeResponse, nciMsgTypeNotification:
			a.kind = KindNCIControl
		default:
			a.report(NewFramingInvalidHeaderError(fmt.Sprintf("invalid inbound NCI header %02X %02X", a.hdr[0], a.hdr[1])))
			a.discard(payloadLen)
			return nil
		}
	}

	buf, err := a.alloc.Alloc(a.hdrNeed + payloadLen)
	if err != nil {
		a.report(NewFramingAllocError(fmt.Sprintf("no buffer for %s packet of %d bytes: %v", a.kind, a.hdrNeed+payloadLen, err)))
		a.discard(payloadLen)
		return nil
	}
	copy(buf.data, a.hdr[:a.hdrNeed])
	a.buf = buf
	a.pos = a.hdrNeed
	a.remaining = payloadLen
	if payloadLen == 0 {
		return a.complete()
	}
	a.state = asmPayload
	return nil
}

func (a *FrameAssembler) discard(n int) {
	a.remaining = n
	if n > 0 {
		a.state = asmDiscard
	} else {
		a.state = asmIdle
	}
}

func (a *FrameAssembler) complete() *Packet {
	a.state = asmIdle
	buf := a.buf
	n := a.pos
	a.buf = nil
	if a.kind == KindNCIControl {
		return a.reassemble(buf, n)
	}
	return newPacketFromBuffer(a.alloc, a.kind, buf, n)
}

// reassemble joins NCI control fragments. Fragments are keyed on the header
// with the boundary flag masked; a different key while a message is in
// progress discards that message.
func (a *FrameAssembler) reassemble(buf *Buffer, n int) *Packet {
	data := buf.data[:n]
	more := data[0]&nciPBF != 0
	key := nciFragmentKey(data[0], data[1])

	if a.skipping && key == a.skipKey {
		a.alloc.Free(buf)
		if !more {
			a.skipping = false
		}
		return nil
	}
	a.skipping = false

	if a.frag != nil {
		if key != a.fragKey {
			a.report(NewFramingFragmentMismatchError(fmt.Sprintf("fragment %04X interrupts segmented message %04X", key, a.fragKey)))
			a.dropFragment()
		} else {
			return a.appendFragment(buf, n, more)
		}
	}

	if more {
		a.frag = buf
		a.fragLen = n
		a.fragKey = key
		return nil
	}
	return newPacketFromBuffer(a.alloc, KindNCIControl, buf, n)
}

func (a *FrameAssembler) appendFragment(buf *Buffer, n int, more bool) *Packet {
	payload := buf.data[nciHeaderLen:n]
	total := a.fragLen + len(payload)
	if total > a.maxReassembly {
		a.report(NewFramingOversizeError(fmt.Sprintf("segmented message %04X exceeds %d bytes", a.fragKey, a.maxReassembly)))
		a.abandonFragment(more)
		a.alloc.Free(buf)
		return nil
	}

	grown, err := a.alloc.Alloc(total)
	if err != nil {
		a.report(NewFramingAllocError(fmt.Sprintf("no buffer to reassemble %d bytes: %v", total, err)))
		a.abandonFragment(more)
		a.alloc.Free(buf)
		return nil
	}
	copy(grown.data, a.frag.data[:a.fragLen])
	copy(grown.data[a.fragLen:], payload)
	a.alloc.Free(a.frag)
	a.alloc.Free(buf)
	a.frag = grown
	a.fragLen = total

	if more {
		return nil
	}

	out := a.frag
	out.data[0] &^= nciPBF
	payloadLen := total - nciHeaderLen
	if payloadLen > nciMaxPayload {
		payloadLen = nciMaxPayload
	}
	out.data[2] = uint8(payloadLen)
	a.frag = nil
	a.fragLen = 0
	return newPacketFromBuffer(a.alloc, KindNCIControl, out, total)
}

// abandonFragment drops the message in progress and swallows its remaining fragments
func (a *FrameAssembler) abandonFragment(more bool) {
	key := a.fragKey
	a.dropFragment()
	if more {
		a.skipping = true
		a.skipKey = key
	}
}

func (a *FrameAssembler) dropFragment() {
	if a.frag != nil {
		a.alloc.Free(a.frag)
		a.frag = nil
	}
	a.fragLen = 0
}

func (a *FrameAssembler) report(err error) {
	a.log.logf(LogLevelWarning, "framing: %v", err)
	if a.onError != nil {
		a.onError(err)
	}
}
