package hal

import (
	"fmt"
	"sync"
)

// packetHeadroom is reserved in front of every packet built by NewPacket so
// the single-channel framing can prepend its type byte in place.
const packetHeadroom = 1

// PacketKind identifies the protocol class of a packet
type PacketKind uint8

const (
	KindUnknown PacketKind = iota
	// KindCommand is an HCI command (host to controller)
	KindCommand
	// KindEvent is an HCI event (controller to host)
	KindEvent
	// KindDataIn is inbound ACL data
	KindDataIn
	// KindDataOut is outbound ACL data
	KindDataOut
	// KindNCIControl is an NCI command, response or notification
	KindNCIControl
	// KindNCIData is an NCI data packet
	KindNCIData
)

// String returns the string representation of the packet kind
func (k PacketKind) String() string {
	switch k {
	case KindCommand:
		return "Command"
	case KindEvent:
		return "Event"
	case KindDataIn:
		return "DataIn"
	case KindDataOut:
		return "DataOut"
	case KindNCIControl:
		return "NCIControl"
	case KindNCIData:
		return "NCIData"
	default:
		return "Unknown"
	}
}

// Buffer is a byte region handed out by an Allocator
type Buffer struct {
	data []byte
}

// Bytes returns the full backing region
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Cap returns the capacity of the buffer
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Allocator hands out packet buffers. Every buffer obtained from Alloc is
// returned through Free exactly once.
type Allocator interface {
	Alloc(size int) (*Buffer, error)
	Free(b *Buffer)
}

// Pool is the default Allocator. A non-zero limit caps the number of
// outstanding buffers; Alloc fails with ErrPoolExhausted beyond it.
type Pool struct {
	mutex       sync.Mutex
	limit       int
	maxSize     int
	allocs      uint64
	frees       uint64
	outstanding int
}

// NewPool creates a pool. limit == 0 disables the outstanding limit and
// maxSize == 0 disables the per-buffer size limit.
func NewPool(limit, maxSize int) *Pool {
	return &Pool{limit: limit, maxSize: maxSize}
}

// Alloc returns a zeroed buffer of exactly size bytes
func (p *Pool) Alloc(size int) (*Buffer, error) {
	if size < 0 {
		return nil, NewInvalidArgumentError(fmt.Sprintf("invalid buffer size %d", size))
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.maxSize > 0 && size > p.maxSize {
		return nil, ErrPoolExhausted
	}
	if p.limit > 0 && p.outstanding >= p.limit {
		return nil, ErrPoolExhausted
	}
	p.allocs++
	p.outstanding++
	return &Buffer{data: make([]byte, size)}, nil
}

// Free returns a buffer to the pool
func (p *Pool) Free(b *Buffer) {
	if b == nil {
		return
	}
	p.mutex.Lock()
	p.frees++
	p.outstanding--
	p.mutex.Unlock()
}

// Allocs returns the number of successful allocations
func (p *Pool) Allocs() uint64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.allocs
}

// Frees returns the number of buffers returned
func (p *Pool) Frees() uint64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.frees
}

// Outstanding returns the number of buffers currently handed out
func (p *Pool) Outstanding() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.outstanding
}

// Packet is one protocol message in an allocator-owned buffer. The valid
// region is buf[offset : offset+length]. A packet has exactly one owner at a
// time and its buffer is returned to the allocator exactly once by Release.
type Packet struct {
	Kind PacketKind

	alloc    Allocator
	buf      *Buffer
	offset   int
	length   int
	credit   bool
	internal bool
}

// NewPacket copies msg (protocol header and payload, without any transport
// type byte) into a freshly allocated buffer.
func NewPacket(alloc Allocator, kind PacketKind, msg []byte) (*Packet, error) {
	buf, err := alloc.Alloc(packetHeadroom + len(msg))
	if err != nil {
		return nil, err
	}
	copy(buf.data[packetHeadroom:], msg)
	p := &Packet{
		Kind:   kind,
		alloc:  alloc,
		buf:    buf,
		offset: packetHeadroom,
		length: len(msg),
	}
	p.credit = isCreditRelevant(kind, msg)
	return p, nil
}

// newPacketFromBuffer wraps a buffer filled by the assembler
func newPacketFromBuffer(alloc Allocator, kind PacketKind, buf *Buffer, length int) *Packet {
	return &Packet{
		Kind:   kind,
		alloc:  alloc,
		buf:    buf,
		length: length,
	}
}

// isCreditRelevant reports whether sending msg consumes a command credit
func isCreditRelevant(kind PacketKind, msg []byte) bool {
	switch kind {
	case KindCommand:
		return true
	case KindNCIControl:
		return len(msg) > 0 && nciMessageType(msg[0]) == nciMsgTypeCommand
	default:
		return false
	}
}

// Bytes returns the valid region. It is nil after Release.
func (p *Packet) Bytes() []byte {
	if p.buf == nil {
		return nil
	}
	return p.buf.data[p.offset : p.offset+p.length]
}

// Len returns the number of valid bytes
func (p *Packet) Len() int {
	return p.length
}

// Offset returns the position of the valid region inside the buffer
func (p *Packet) Offset() int {
	return p.offset
}

// Consume advances the offset by n bytes after they have been processed
func (p *Packet) Consume(n int) {
	if n > p.length {
		n = p.length
	}
	p.offset += n
	p.length -= n
}

// prepend extends the valid region backwards into the headroom
func (p *Packet) prepend(b byte) bool {
	if p.buf == nil || p.offset == 0 {
		return false
	}
	p.offset--
	p.length++
	p.buf.data[p.offset] = b
	return true
}

// CreditRelevant reports whether the packet consumes a command credit
func (p *Packet) CreditRelevant() bool {
	return p.credit
}

// Released reports whether the buffer has been returned
func (p *Packet) Released() bool {
	return p.buf == nil
}

// Release returns the buffer to its allocator. Calling it again is a no-op.
func (p *Packet) Release() {
	if p.buf == nil {
		return
	}
	buf := p.buf
	p.buf = nil
	p.length = 0
	if p.alloc != nil {
		p.alloc.Free(buf)
	}
}

// signature returns the two bytes identifying a command or its answer:
// GID/OID for NCI control messages, the opcode for HCI commands.
func (p *Packet) signature() (uint16, bool) {
	b := p.Bytes()
	switch p.Kind {
	case KindNCIControl:
		if len(b) < nciHeaderLen {
			return 0, false
		}
		return nciSignature(b[0], b[1]), true
	case KindCommand:
		if len(b) < hciCommandHeaderLen {
			return 0, false
		}
		return uint16(b[0]) | uint16(b[1])<<8, true
	default:
		return 0, false
	}
}
