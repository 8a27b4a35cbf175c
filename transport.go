package hal

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const maxZeroWrites = 16

// powerController is implemented by channels that can switch controller power
type powerController interface {
	SetPower(on bool) error
}

type rxChunk struct {
	idx  int
	data []byte
}

// Transport owns the link to the controller. A single worker goroutine
// performs every write, assembles every inbound byte, tracks command
// credits and runs the patch download engine; reader goroutines only
// perform the blocking channel reads and hand the bytes over.
type Transport struct {
	cfg   Config
	cb    Callbacks
	link  *Link
	alloc Allocator
	log   logger

	queue  *TxQueue
	mb     *mailbox
	engine *patchEngine

	stateMutex sync.Mutex
	state      State

	rxMutex sync.Mutex
	rx      []rxChunk
	rxErr   error

	inbound    []SubChannel
	assemblers []*FrameAssembler

	cmdTimer    *timer
	lpmTimer    *timer
	patchTimer  *timer
	epilogTimer *timer

	// worker-owned
	pendingCmds   []uint16 // signatures of unanswered commands, oldest first
	lpmEnabled    bool
	wakeAsserted  bool
	epilogPending bool
	epilogSig     uint16
	epilogKind    PacketKind
	finished      bool

	patchMutex      sync.Mutex
	pendingPatch    *PatchRequest
	pendingContinue [][]byte
	patchPayload    int
	patchActive     atomic.Bool

	pumps sync.WaitGroup
	done  chan struct{}
}

// New creates a transport over link. The worker starts with Start.
func New(link *Link, cb Callbacks, opts ...Option) (*Transport, error) {
	if link == nil {
		return nil, NewInvalidArgumentError("nil link")
	}

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Allocator == nil {
		cfg.Allocator = NewPool(0, 0)
	}
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = defaultReadChunkSize
	}

	t := &Transport{
		cfg:   cfg,
		cb:    cb,
		link:  link,
		alloc: cfg.Allocator,
		log:   logger{cb: cfg.LogCallback, debug: cfg.Debug},
		queue: NewTxQueue(cfg.CreditLimit, cfg.DrainBatch),
		mb:    newMailbox(),
		done:  make(chan struct{}),
	}
	t.cmdTimer = newTimer(t.mb, signalCommandTimeout)
	t.lpmTimer = newTimer(t.mb, SignalLPMIdleTimeout)
	t.patchTimer = newTimer(t.mb, signalPatchTimeout)
	t.epilogTimer = newTimer(t.mb, signalEpilogTimeout)
	t.engine = newPatchEngine(t, cfg.Patch, t.log)
	t.patchPayload = t.engine.maxPayload

	t.inbound = link.inbound()
	for _, sub := range t.inbound {
		var asm *FrameAssembler
		if link.Framing() == FramingSingle {
			asm = NewFrameAssembler(t.alloc)
		} else {
			asm = NewSubChannelAssembler(t.alloc, sub.In)
		}
		asm.log = t.log
		asm.SetMaxReassembly(cfg.MaxReassembly)
		asm.SetErrorHandler(t.reportError)
		t.assemblers = append(t.assemblers, asm)
	}
	return t, nil
}

// Start launches the worker and one reader per inbound channel
func (t *Transport) Start() error {
	t.stateMutex.Lock()
	if t.state != StateIdle {
		t.stateMutex.Unlock()
		return NewApplicationError(fmt.Sprintf("transport already %s", t.state))
	}
	t.state = StateRunning
	t.stateMutex.Unlock()
	t.notifyState(StateRunning)

	t.log.logf(LogLevelInfo, "Transport started (%s framing, %d inbound channels)", t.link.Framing(), len(t.inbound))
	for i, sub := range t.inbound {
		t.pumps.Add(1)
		go t.pump(i, sub.Channel)
	}
	go t.run()

	// Packets queued before Start
	t.mb.raise(SignalTxReady)
	return nil
}

// Send queues p. The packet is released when the transport is not accepting packets.
func (t *Transport) Send(p *Packet) error {
	if p == nil || p.Released() {
		return NewInvalidArgumentError("send of nil or released packet")
	}
	t.stateMutex.Lock()
	if t.state == StateDraining || t.state == StateStopped {
		t.stateMutex.Unlock()
		p.Release()
		return ErrTransportStopped
	}
	p.internal = false
	t.queue.Enqueue(p)
	t.stateMutex.Unlock()

	t.mb.raise(SignalTxReady)
	return nil
}

// SendMessage copies msg into a new packet and queues it
func (t *Transport) SendMessage(kind PacketKind, msg []byte) error {
	p, err := NewPacket(t.alloc, kind, msg)
	if err != nil {
		return err
	}
	return t.Send(p)
}

// Signal raises public worker signals
func (t *Transport) Signal(s Signal) {
	s &= publicSignals
	if s == 0 {
		return
	}
	t.mb.raise(s)
}

// Epilog requests a graceful shutdown
func (t *Transport) Epilog() {
	t.Signal(SignalEpilog)
}

// Exit requests an immediate shutdown
func (t *Transport) Exit() {
	t.Signal(SignalExit)
}

// Done is closed once the worker has stopped
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Close stops the transport and waits for the worker
func (t *Transport) Close() error {
	t.stateMutex.Lock()
	idle := t.state == StateIdle
	t.stateMutex.Unlock()

	if idle {
		// never started: no worker to hand the shutdown to
		t.stop()
		close(t.done)
		return nil
	}
	t.Exit()
	<-t.done
	return nil
}

// GetState returns the current worker state
func (t *Transport) GetState() State {
	t.stateMutex.Lock()
	defer t.stateMutex.Unlock()
	return t.state
}

// Allocator returns the allocator packets are built from
func (t *Transport) Allocator() Allocator {
	return t.alloc
}

// StartPatchDownload begins a patch download session
func (t *Transport) StartPatchDownload(req PatchRequest) error {
	if t.GetState() != StateRunning {
		return ErrTransportStopped
	}
	t.patchMutex.Lock()
	if t.pendingPatch != nil || t.patchActive.Load() {
		t.patchMutex.Unlock()
		return NewPatchBusyError("patch download already in progress")
	}
	t.pendingPatch = &req
	t.pendingContinue = nil
	t.patchActive.Store(true)
	t.patchMutex.Unlock()

	t.mb.raise(signalPatchStart)
	return nil
}

// ContinuePatchDownload hands the data asked for by a PatchContinue event to the engine
func (t *Transport) ContinuePatchDownload(data []byte) error {
	if !t.patchActive.Load() {
		return NewApplicationError("no patch download in progress")
	}
	t.patchMutex.Lock()
	t.pendingContinue = append(t.pendingContinue, append([]byte(nil), data...))
	t.patchMutex.Unlock()

	t.mb.raise(signalPatchContinue)
	return nil
}

// SetMaxPatchPayload sets the NCI payload size of patch download commands
// used by the next session.
func (t *Transport) SetMaxPatchPayload(n int) error {
	if n < minPatchMaxPayload || n > nciMaxPayload {
		return NewInvalidArgumentError(fmt.Sprintf("patch payload size %d outside [%d, %d]", n, minPatchMaxPayload, nciMaxPayload))
	}
	t.patchMutex.Lock()
	t.patchPayload = n
	t.patchMutex.Unlock()
	return nil
}

// pump performs the blocking reads of one inbound channel
func (t *Transport) pump(idx int, ch ByteChannel) {
	defer t.pumps.Done()

	buf := make([]byte, t.cfg.ReadChunkSize)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			t.rxMutex.Lock()
			t.rx = append(t.rx, rxChunk{idx: idx, data: data})
			t.rxMutex.Unlock()
			t.mb.raise(SignalRxReady)
		}
		if err != nil {
			if errors.Is(err, ErrChannelCanceled) || errors.Is(err, ErrChannelClosed) {
				return
			}
			t.rxMutex.Lock()
			if t.rxErr == nil {
				t.rxErr = err
			}
			t.rxMutex.Unlock()
			t.mb.raise(signalChannelError)
			return
		}
	}
}

// run is the worker loop
func (t *Transport) run() {
	defer close(t.done)

	for range t.mb.notify {
		sigs := t.mb.take()
		if sigs == 0 {
			continue
		}
		t.log.logf(LogLevelDebug, "Worker signals: %s", sigs)
		t.handleSignals(sigs)
		if t.finished {
			return
		}
	}
}

func (t *Transport) handleSignals(sigs Signal) {
	if sigs&SignalExit != 0 {
		t.log.logf(LogLevelInfo, "Exit requested")
		t.stop()
		return
	}

	// Inbound bytes first so credits are replenished before draining
	if sigs&SignalRxReady != 0 {
		t.handleRx()
	}
	if sigs&signalChannelError != 0 {
		t.rxMutex.Lock()
		err := t.rxErr
		t.rxMutex.Unlock()
		t.log.logf(LogLevelError, "Channel failed: %v", err)
		t.reportError(err)
		t.stop()
		return
	}
	if t.finished {
		return
	}

	if sigs&SignalPreBringUp != 0 {
		t.preBringUp()
	}
	if sigs&SignalPostBringUp != 0 {
		t.log.logf(LogLevelInfo, "Post bring-up")
		if t.cb.OnBringUp != nil {
			t.cb.OnBringUp(BringUpPost)
		}
	}

	if sigs&signalCommandTimeout != 0 && t.cmdTimer.expired() {
		t.onCommandTimeout()
	}
	if sigs&signalPatchStart != 0 {
		t.startPatch()
	}
	if sigs&signalPatchContinue != 0 {
		t.continuePatch()
	}
	if sigs&signalPatchTimeout != 0 && t.patchTimer.expired() {
		t.engine.onTimeout()
	}

	t.handleLPM(sigs)

	if sigs&SignalEpilog != 0 {
		t.beginEpilog()
	}
	if sigs&signalEpilogTimeout != 0 && t.epilogTimer.expired() {
		t.log.logf(LogLevelWarning, "Epilog not answered, stopping")
		t.stop()
		return
	}
	if t.finished {
		return
	}

	if sigs&SignalTxReady != 0 {
		t.handleTx()
	}
}

func (t *Transport) handleRx() {
	t.rxMutex.Lock()
	chunks := t.rx
	t.rx = nil
	t.rxMutex.Unlock()

	for _, c := range chunks {
		if t.finished {
			return
		}
		t.noteActivity()
		asm := t.assemblers[c.idx]
		for _, b := range c.data {
			if pkt := asm.Feed(b); pkt != nil {
				t.dispatch(pkt)
			}
			if t.finished {
				// stop ran inside dispatch; drop the rest of the chunk
				asm.Reset()
				return
			}
		}
	}
}

// dispatch routes one completed inbound packet
func (t *Transport) dispatch(p *Packet) {
	if t.finished {
		p.Release()
		return
	}
	t.log.logFrame(p.Bytes(), "RX "+p.Kind.String())

	t.handleCredit(p)

	if t.epilogPending && t.isEpilogAnswer(p) {
		p.Release()
		t.log.logf(LogLevelInfo, "Epilog acknowledged")
		t.stop()
		return
	}

	if p.Kind == KindNCIControl {
		b := p.Bytes()
		if t.engine.active && t.engine.handle(b) {
			p.Release()
			return
		}
		if isNCIMessage(b, nciMsgTypeNotification, nciGroupCore, nciCoreConnCredits) {
			t.log.logf(LogLevelDebug, "Connection credits notification: %X", b[nciHeaderLen:])
		}
	}

	if t.cb.OnPacket != nil {
		t.cb.OnPacket(p)
		return
	}
	p.Release()
}

// handleCredit replenishes the command window from credit-bearing answers
func (t *Transport) handleCredit(p *Packet) {
	switch p.Kind {
	case KindEvent:
		n, opcode, ok := hciCommandCredits(p.Bytes())
		if !ok {
			return
		}
		if idx := t.pendingCommand(opcode); idx >= 0 {
			t.answerCommand(idx)
		} else if opcode == 0 && len(t.pendingCmds) > 0 {
			t.answerCommand(0)
		}
		t.grantCredits(n)

	case KindNCIControl:
		b := p.Bytes()
		if nciMessageType(b[0]) != nciMsgTypeResponse {
			return
		}
		sig := nciSignature(b[0], b[1])
		idx := t.pendingCommand(sig)
		if idx < 0 {
			t.reportError(NewCreditViolationError(fmt.Sprintf("response %04X does not answer any of %d outstanding commands", sig, len(t.pendingCmds))))
			return
		}
		t.answerCommand(idx)
		t.grantCredits(1)
	}
}

// pendingCommand returns the index of the oldest unanswered command with sig, or -1
func (t *Transport) pendingCommand(sig uint16) int {
	for i, s := range t.pendingCmds {
		if s == sig {
			return i
		}
	}
	return -1
}

// answerCommand retires pendingCmds[idx]. The response timer always
// covers the oldest unanswered command.
func (t *Transport) answerCommand(idx int) {
	t.pendingCmds = append(t.pendingCmds[:idx], t.pendingCmds[idx+1:]...)
	if idx == 0 {
		t.restartCommandTimer()
	}
}

func (t *Transport) restartCommandTimer() {
	t.cmdTimer.stop()
	if len(t.pendingCmds) > 0 && t.cfg.CommandTimeout > 0 {
		t.cmdTimer.start(t.cfg.CommandTimeout)
	}
}

func (t *Transport) grantCredits(n int) {
	if t.queue.OnCreditEvent(n) {
		t.handleTx()
	}
}

func (t *Transport) onCommandTimeout() {
	if len(t.pendingCmds) == 0 {
		return
	}
	sig := t.pendingCmds[0]
	t.answerCommand(0)
	t.reportError(NewCommandTimeoutError(fmt.Sprintf("no response to command %04X", sig)))
	t.grantCredits(1)
}

func (t *Transport) handleTx() {
	pkts := t.queue.DrainReady()
	for i, p := range pkts {
		if t.finished {
			for _, rest := range pkts[i:] {
				rest.Release()
			}
			return
		}
		t.writePacket(p)
	}
	if t.queue.Ready() {
		t.mb.raise(SignalTxReady)
	}
}

// writePacket frames p, writes it completely and releases it
func (t *Transport) writePacket(p *Packet) {
	defer p.Release()

	ch, ok := t.link.outbound(p.Kind)
	if !ok {
		t.failWrite(p, NewInvalidArgumentError(fmt.Sprintf("no sub-channel carries %s packets", p.Kind)))
		return
	}
	sig, hasSig := p.signature()

	if t.link.Framing() == FramingSingle {
		ind, ok := outboundIndicator(p.Kind)
		if !ok {
			t.failWrite(p, NewInvalidArgumentError(fmt.Sprintf("%s packets cannot be sent", p.Kind)))
			return
		}
		if !p.prepend(ind) {
			framed, err := NewPacket(t.alloc, p.Kind, p.Bytes())
			if err != nil {
				t.failWrite(p, err)
				return
			}
			framed.credit = p.credit
			p.Release()
			p = framed
			defer p.Release()
			p.prepend(ind)
		}
	}

	t.log.logFrame(p.Bytes(), "TX "+p.Kind.String())
	t.noteActivity()

	zeroWrites := 0
	for p.Len() > 0 {
		n, err := ch.Write(p.Bytes())
		if err != nil {
			t.failWrite(p, err)
			return
		}
		if n == 0 {
			zeroWrites++
			if zeroWrites > maxZeroWrites {
				t.failWrite(p, NewChannelWriteError("channel accepts no data", nil))
				return
			}
			continue
		}
		p.Consume(n)
	}

	if p.credit && hasSig {
		t.pendingCmds = append(t.pendingCmds, sig)
		if len(t.pendingCmds) == 1 && t.cfg.CommandTimeout > 0 {
			t.cmdTimer.start(t.cfg.CommandTimeout)
		}
	}
}

// failWrite drops a packet that could not be written and returns its credit
func (t *Transport) failWrite(p *Packet, err error) {
	t.log.logf(LogLevelError, "Dropping %s packet: %v", p.Kind, err)
	t.reportError(err)
	if p.credit {
		t.queue.OnCreditEvent(1)
		if t.queue.Ready() {
			t.mb.raise(SignalTxReady)
		}
	}
}

func (t *Transport) preBringUp() {
	t.log.logf(LogLevelInfo, "Pre bring-up")
	for _, asm := range t.assemblers {
		asm.Reset()
	}
	t.queue.ResetCredits()
	t.pendingCmds = nil
	t.cmdTimer.stop()

	ctl := t.link.control()
	if pc, ok := ctl.(powerController); ok {
		if err := pc.SetPower(true); err != nil {
			t.reportError(err)
		}
	}
	if err := ctl.SetFlow(true); err != nil {
		t.reportError(err)
	}
	t.setWake(true)

	if t.cb.OnBringUp != nil {
		t.cb.OnBringUp(BringUpPre)
	}
	if t.queue.Ready() {
		t.mb.raise(SignalTxReady)
	}
}

func (t *Transport) startPatch() {
	t.patchMutex.Lock()
	req := t.pendingPatch
	t.pendingPatch = nil
	payload := t.patchPayload
	t.patchMutex.Unlock()
	if req == nil {
		return
	}
	if t.GetState() != StateRunning {
		t.emitPatchEvent(PatchEvent{
			Outcome: PatchAborted,
			Reason:  AbortShutdown,
			Err:     NewPatchError(AbortShutdown, "transport is shutting down"),
		})
		return
	}

	if err := t.engine.setMaxPayload(payload); err != nil {
		t.reportError(err)
	}
	t.queue.SetHold(true)
	t.engine.start(*req)
}

func (t *Transport) continuePatch() {
	t.patchMutex.Lock()
	pending := t.pendingContinue
	t.pendingContinue = nil
	t.patchMutex.Unlock()

	for _, data := range pending {
		if err := t.engine.continueDownload(data); err != nil {
			t.reportError(err)
		}
	}
}

// sendPatchCommand queues an engine command ahead of held application commands
func (t *Transport) sendPatchCommand(msg []byte) error {
	p, err := NewPacket(t.alloc, KindNCIControl, msg)
	if err != nil {
		return err
	}
	p.internal = true
	t.queue.Enqueue(p)
	t.mb.raise(SignalTxReady)
	return nil
}

func (t *Transport) startPatchTimer(d time.Duration) {
	t.patchTimer.start(d)
}

func (t *Transport) stopPatchTimer() {
	t.patchTimer.stop()
}

func (t *Transport) emitPatchEvent(ev PatchEvent) {
	if ev.Outcome == PatchComplete || ev.Outcome == PatchAborted {
		if !t.epilogPending {
			// commands of the finished session must not reach the controller
			for _, p := range t.queue.FlushInternal() {
				p.Release()
			}
		}
		t.queue.SetHold(t.epilogPending)
		t.patchActive.Store(false)
		t.mb.raise(SignalTxReady)
	}
	if t.cb.OnPatchEvent != nil {
		t.cb.OnPatchEvent(ev)
	}
}

func (t *Transport) beginEpilog() {
	t.stateMutex.Lock()
	if t.state != StateRunning {
		t.stateMutex.Unlock()
		return
	}
	t.state = StateDraining
	t.stateMutex.Unlock()
	t.notifyState(StateDraining)

	if t.engine.active {
		t.engine.shutdown()
	}
	if len(t.cfg.EpilogCommand) == 0 {
		t.log.logf(LogLevelInfo, "No epilog command configured, stopping")
		t.stop()
		return
	}

	p, err := NewPacket(t.alloc, t.cfg.EpilogKind, t.cfg.EpilogCommand)
	if err != nil {
		t.reportError(err)
		t.stop()
		return
	}
	p.internal = true
	t.epilogSig, _ = p.signature()
	t.epilogKind = p.Kind
	t.epilogPending = true
	t.queue.SetHold(true)
	t.queue.Enqueue(p)

	t.log.logf(LogLevelInfo, "Epilog: sending shutdown command %04X", t.epilogSig)
	t.epilogTimer.start(t.cfg.EpilogTimeout)
	t.handleTx()
}

// isEpilogAnswer reports whether p completes the epilog command
func (t *Transport) isEpilogAnswer(p *Packet) bool {
	b := p.Bytes()
	switch t.epilogKind {
	case KindNCIControl:
		return p.Kind == KindNCIControl && nciMessageType(b[0]) == nciMsgTypeResponse &&
			nciSignature(b[0], b[1]) == t.epilogSig
	case KindCommand:
		if p.Kind != KindEvent || len(b) < hciEventHeaderLen || b[0] != hciEvtCommandComplete {
			return false
		}
		_, opcode, ok := hciCommandCredits(b)
		return ok && opcode == t.epilogSig
	}
	return false
}

// stop releases everything the worker owns. It runs once.
func (t *Transport) stop() {
	if t.finished {
		return
	}
	t.finished = true

	t.stateMutex.Lock()
	t.state = StateStopped
	t.stateMutex.Unlock()

	t.cmdTimer.stop()
	t.lpmTimer.stop()
	t.epilogTimer.stop()
	t.epilogPending = false

	if t.engine.active {
		t.engine.shutdown()
	}
	t.patchTimer.stop()
	t.patchMutex.Lock()
	if t.pendingPatch != nil {
		t.pendingPatch = nil
		t.patchActive.Store(false)
		if t.cb.OnPatchEvent != nil {
			t.cb.OnPatchEvent(PatchEvent{
				Outcome: PatchAborted,
				Reason:  AbortShutdown,
				Err:     NewPatchError(AbortShutdown, "transport stopped"),
			})
		}
	}
	t.pendingContinue = nil
	t.patchMutex.Unlock()

	released := 0
	for _, p := range t.queue.Flush() {
		p.Release()
		released++
	}
	for _, asm := range t.assemblers {
		asm.Reset()
	}
	t.rxMutex.Lock()
	t.rx = nil
	t.rxMutex.Unlock()

	for _, ch := range t.link.channels() {
		if err := ch.Cancel(); err != nil {
			t.log.logf(LogLevelWarning, "Cancel channel: %v", err)
		}
	}
	t.pumps.Wait()
	for _, ch := range t.link.channels() {
		if err := ch.Close(); err != nil {
			t.log.logf(LogLevelWarning, "Close channel: %v", err)
		}
	}

	t.log.logf(LogLevelInfo, "Transport stopped (%d queued packets released)", released)
	t.notifyState(StateStopped)
}

func (t *Transport) notifyState(s State) {
	if t.cb.OnStateChange != nil {
		t.cb.OnStateChange(s)
	}
}

func (t *Transport) reportError(err error) {
	if err == nil {
		return
	}
	if t.cb.OnTransportError != nil {
		t.cb.OnTransportError(err)
	}
}
