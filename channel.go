package hal

import "fmt"

// ByteChannel is a bidirectional byte stream to the controller.
//
// Read blocks until at least one byte is available, the channel fails, or
// Cancel is called, in which case it returns ErrChannelCanceled. Write may
// accept fewer bytes than offered; the caller loops. SetFlow drives the
// hardware flow-control line and SetWake the controller wake line.
type ByteChannel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetFlow(on bool) error
	SetWake(assert bool) error
	Cancel() error
}

// Framing selects how packet kinds are separated on the wire
type Framing int

const (
	// FramingSingle prefixes every packet with a type indicator byte on one channel
	FramingSingle Framing = iota
	// FramingMulti carries each packet kind on its own sub-channel
	FramingMulti
)

// String returns the string representation of the framing
func (f Framing) String() string {
	switch f {
	case FramingSingle:
		return "single-channel"
	case FramingMulti:
		return "multi-channel"
	default:
		return "unknown"
	}
}

// SubChannel binds one ByteChannel to the packet kinds it carries. In is
// the kind read from it (KindUnknown for write-only sub-channels) and Out
// lists the kinds written to it.
type SubChannel struct {
	Channel ByteChannel
	In      PacketKind
	Out     []PacketKind
}

// Link is the set of channels a transport talks through. The framing is
// fixed when the link is built.
type Link struct {
	framing Framing
	single  ByteChannel
	subs    []SubChannel
	out     map[PacketKind]ByteChannel
}

// NewSingleLink creates a link that multiplexes every packet kind over ch
func NewSingleLink(ch ByteChannel) *Link {
	return &Link{framing: FramingSingle, single: ch}
}

// NewMultiLink creates a link with one sub-channel per packet kind
func NewMultiLink(subs ...SubChannel) (*Link, error) {
	if len(subs) == 0 {
		return nil, NewInvalidArgumentError("multi-channel link needs at least one sub-channel")
	}
	l := &Link{framing: FramingMulti, out: make(map[PacketKind]ByteChannel)}
	seenIn := make(map[PacketKind]bool)
	for _, s := range subs {
		if s.Channel == nil {
			return nil, NewInvalidArgumentError("sub-channel without channel")
		}
		if s.In != KindUnknown {
			if seenIn[s.In] {
				return nil, NewInvalidArgumentError(fmt.Sprintf("two sub-channels read %s", s.In))
			}
			seenIn[s.In] = true
		}
		for _, k := range s.Out {
			if _, dup := l.out[k]; dup {
				return nil, NewInvalidArgumentError(fmt.Sprintf("two sub-channels write %s", k))
			}
			l.out[k] = s.Channel
		}
		l.subs = append(l.subs, s)
	}
	return l, nil
}

// Framing returns the framing strategy of the link
func (l *Link) Framing() Framing {
	return l.framing
}

// inbound lists the channels to read from together with their fixed kind
func (l *Link) inbound() []SubChannel {
	if l.framing == FramingSingle {
		return []SubChannel{{Channel: l.single}}
	}
	var in []SubChannel
	for _, s := range l.subs {
		if s.In != KindUnknown {
			in = append(in, s)
		}
	}
	return in
}

// outbound returns the channel a packet of kind is written to
func (l *Link) outbound(kind PacketKind) (ByteChannel, bool) {
	if l.framing == FramingSingle {
		return l.single, true
	}
	ch, ok := l.out[kind]
	return ch, ok
}

// channels returns every distinct channel of the link
func (l *Link) channels() []ByteChannel {
	if l.framing == FramingSingle {
		return []ByteChannel{l.single}
	}
	var all []ByteChannel
	seen := make(map[ByteChannel]bool)
	for _, s := range l.subs {
		if !seen[s.Channel] {
			seen[s.Channel] = true
			all = append(all, s.Channel)
		}
	}
	return all
}

// control returns the channel carrying the flow and wake lines
func (l *Link) control() ByteChannel {
	if l.framing == FramingSingle {
		return l.single
	}
	return l.subs[0].Channel
}

// outboundIndicator returns the type byte prepended on a single channel
func outboundIndicator(kind PacketKind) (uint8, bool) {
	switch kind {
	case KindCommand:
		return hciTypeCommand, true
	case KindDataOut:
		return hciTypeACL, true
	case KindNCIControl, KindNCIData:
		return hciTypeNCI, true
	default:
		return 0, false
	}
}
