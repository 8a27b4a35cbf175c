package hal

import (
	"strings"
	"sync"
	"time"
)

// Signal is a bit in the worker's mailbox. Raising a signal that is
// already pending is a no-op; the worker handles each pending bit once.
type Signal uint32

const (
	SignalTxReady Signal = 1 << iota
	SignalRxReady
	SignalPreBringUp
	SignalPostBringUp
	SignalLPMEnable
	SignalLPMDisable
	SignalLPMIdleTimeout
	SignalLPMWakeAssert
	SignalLPMAllowSleep
	SignalEpilog
	SignalExit

	signalChannelError
	signalCommandTimeout
	signalEpilogTimeout
	signalPatchStart
	signalPatchContinue
	signalPatchTimeout
)

// publicSignals may be raised through Transport.Signal
const publicSignals = SignalTxReady | SignalPreBringUp | SignalPostBringUp |
	SignalLPMEnable | SignalLPMDisable | SignalLPMIdleTimeout |
	SignalLPMWakeAssert | SignalLPMAllowSleep | SignalEpilog | SignalExit

var signalNames = []struct {
	sig  Signal
	name string
}{
	{SignalTxReady, "TxReady"},
	{SignalRxReady, "RxReady"},
	{SignalPreBringUp, "PreBringUp"},
	{SignalPostBringUp, "PostBringUp"},
	{SignalLPMEnable, "LPMEnable"},
	{SignalLPMDisable, "LPMDisable"},
	{SignalLPMIdleTimeout, "LPMIdleTimeout"},
	{SignalLPMWakeAssert, "LPMWakeAssert"},
	{SignalLPMAllowSleep, "LPMAllowSleep"},
	{SignalEpilog, "Epilog"},
	{SignalExit, "Exit"},
	{signalChannelError, "channelError"},
	{signalCommandTimeout, "commandTimeout"},
	{signalEpilogTimeout, "epilogTimeout"},
	{signalPatchStart, "patchStart"},
	{signalPatchContinue, "patchContinue"},
	{signalPatchTimeout, "patchTimeout"},
}

// String lists the bits set in s
func (s Signal) String() string {
	var names []string
	for _, n := range signalNames {
		if s&n.sig != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// mailbox coalesces signals from any goroutine into one pending bitmask.
// notify has capacity one so raising never blocks.
type mailbox struct {
	mutex  sync.Mutex
	flags  Signal
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) raise(s Signal) {
	m.mutex.Lock()
	m.flags |= s
	m.mutex.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() Signal {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	f := m.flags
	m.flags = 0
	return f
}

// timer raises a signal when it expires. A generation counter discards
// expiries of timers that were stopped or restarted in the meantime.
type timer struct {
	mutex sync.Mutex
	mb    *mailbox
	sig   Signal
	t     *time.Timer
	gen   uint64
	armed bool
	fired bool
}

func newTimer(mb *mailbox, sig Signal) *timer {
	return &timer{mb: mb, sig: sig}
}

func (tm *timer) start(d time.Duration) {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	if tm.t != nil {
		tm.t.Stop()
	}
	tm.gen++
	gen := tm.gen
	tm.armed = true
	tm.fired = false
	tm.t = time.AfterFunc(d, func() {
		tm.mutex.Lock()
		current := gen == tm.gen && tm.armed
		if current {
			tm.armed = false
			tm.fired = true
		}
		tm.mutex.Unlock()
		if current {
			tm.mb.raise(tm.sig)
		}
	})
}

func (tm *timer) stop() {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
	tm.gen++
	tm.armed = false
	tm.fired = false
}

// expired reports and clears a pending expiry
func (tm *timer) expired() bool {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	f := tm.fired
	tm.fired = false
	return f
}

func (tm *timer) running() bool {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	return tm.armed
}
