package hal

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeChannel is an in-memory ByteChannel. Bytes pushed with feed are
// returned by Read; every Write is recorded and handed to respond.
type fakeChannel struct {
	in       chan []byte
	readErr  chan error
	cancel   chan struct{}
	once     sync.Once
	maxWrite int
	respond  func(frame []byte) [][]byte

	mutex   sync.Mutex
	pending []byte
	writes  [][]byte
	flow    []bool
	wake    []bool
	closed  bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:      make(chan []byte, 64),
		readErr: make(chan error, 1),
		cancel:  make(chan struct{}),
	}
}

func (c *fakeChannel) feed(b []byte) {
	c.in <- append([]byte(nil), b...)
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	c.mutex.Lock()
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		c.mutex.Unlock()
		return n, nil
	}
	c.mutex.Unlock()

	select {
	case b := <-c.in:
		n := copy(p, b)
		if n < len(b) {
			c.mutex.Lock()
			c.pending = append(c.pending, b[n:]...)
			c.mutex.Unlock()
		}
		return n, nil
	case err := <-c.readErr:
		return 0, err
	case <-c.cancel:
		return 0, ErrChannelCanceled
	}
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	n := len(p)
	if c.maxWrite > 0 && n > c.maxWrite {
		n = c.maxWrite
	}
	frame := append([]byte(nil), p[:n]...)

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return 0, ErrChannelClosed
	}
	c.writes = append(c.writes, frame)
	respond := c.respond
	c.mutex.Unlock()

	if respond != nil {
		for _, r := range respond(frame) {
			c.feed(r)
		}
	}
	return n, nil
}

func (c *fakeChannel) Close() error {
	c.mutex.Lock()
	c.closed = true
	c.mutex.Unlock()
	return nil
}

func (c *fakeChannel) SetFlow(on bool) error {
	c.mutex.Lock()
	c.flow = append(c.flow, on)
	c.mutex.Unlock()
	return nil
}

func (c *fakeChannel) SetWake(assert bool) error {
	c.mutex.Lock()
	c.wake = append(c.wake, assert)
	c.mutex.Unlock()
	return nil
}

func (c *fakeChannel) Cancel() error {
	c.once.Do(func() { close(c.cancel) })
	return nil
}

func (c *fakeChannel) written() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeChannel) lastWake() (bool, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.wake) == 0 {
		return false, false
	}
	return c.wake[len(c.wake)-1], true
}

func (c *fakeChannel) wakeHistory() []bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]bool(nil), c.wake...)
}

func (c *fakeChannel) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

// recorder collects callback output from the worker goroutine
type recorder struct {
	mutex   sync.Mutex
	packets [][]byte
	kinds   []PacketKind
	errs    []error
	states  []State
	stages  []BringUpStage
	patch   chan PatchEvent
}

func newRecorder() *recorder {
	return &recorder{patch: make(chan PatchEvent, 256)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnPacket: func(p *Packet) {
			r.mutex.Lock()
			r.packets = append(r.packets, append([]byte(nil), p.Bytes()...))
			r.kinds = append(r.kinds, p.Kind)
			r.mutex.Unlock()
			p.Release()
		},
		OnPatchEvent: func(ev PatchEvent) {
			r.patch <- ev
		},
		OnTransportError: func(err error) {
			r.mutex.Lock()
			r.errs = append(r.errs, err)
			r.mutex.Unlock()
		},
		OnBringUp: func(stage BringUpStage) {
			r.mutex.Lock()
			r.stages = append(r.stages, stage)
			r.mutex.Unlock()
		},
		OnStateChange: func(s State) {
			r.mutex.Lock()
			r.states = append(r.states, s)
			r.mutex.Unlock()
		},
	}
}

func (r *recorder) packetCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.packets)
}

func (r *recorder) hasErrorCode(code int) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, err := range r.errs {
		if ErrorCode(err) == code {
			return true
		}
	}
	return false
}

func (r *recorder) terminalPatchEvent(t *testing.T, timeout time.Duration) PatchEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-r.patch:
			if ev.Outcome == PatchComplete || ev.Outcome == PatchAborted {
				return ev
			}
		case <-deadline:
			t.Fatalf("no terminal patch event within %v", timeout)
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, tr *Transport, timeout time.Duration) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(timeout):
		t.Fatalf("transport did not stop within %v", timeout)
	}
}

func framedNCI(msg []byte) []byte {
	return append([]byte{hciTypeNCI}, msg...)
}

func newTestTransport(t *testing.T, ch *fakeChannel, rec *recorder, opts ...Option) (*Transport, *Pool) {
	t.Helper()
	pool := NewPool(0, 0)
	opts = append([]Option{WithAllocator(pool)}, opts...)
	tr, err := New(NewSingleLink(ch), rec.callbacks(), opts...)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	return tr, pool
}

func TestTransportSingleChannelFraming(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, pool := newTestTransport(t, ch, rec)
	if err := tr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := tr.SendMessage(KindNCIData, []byte{0x00, 0x00, 0x01, 0xAA}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := tr.SendMessage(KindDataOut, []byte{0x01, 0x00, 0x01, 0x00, 0xBB}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 2 }, "two writes")

	w := ch.written()
	if !bytes.Equal(w[0], []byte{hciTypeNCI, 0x00, 0x00, 0x01, 0xAA}) {
		t.Fatalf("unexpected NCI frame %X", w[0])
	}
	if !bytes.Equal(w[1], []byte{hciTypeACL, 0x01, 0x00, 0x01, 0x00, 0xBB}) {
		t.Fatalf("unexpected ACL frame %X", w[1])
	}

	tr.Close()
	if !ch.isClosed() {
		t.Fatalf("channel not closed")
	}
	if pool.Outstanding() != 0 {
		t.Fatalf("leaked %d buffers", pool.Outstanding())
	}
}

func TestTransportPartialWrites(t *testing.T) {
	ch := newFakeChannel()
	ch.maxWrite = 2
	rec := newRecorder()
	tr, pool := newTestTransport(t, ch, rec)
	tr.Start()
	defer tr.Close()

	msg := []byte{0x00, 0x00, 0x04, 0x01, 0x02, 0x03, 0x04}
	tr.SendMessage(KindNCIData, msg)
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 4 }, "four partial writes")

	var joined []byte
	for _, w := range ch.written() {
		joined = append(joined, w...)
	}
	if !bytes.Equal(joined, framedNCI(msg)) {
		t.Fatalf("partial writes joined to %X", joined)
	}
	waitUntil(t, time.Second, func() bool { return pool.Outstanding() == 0 }, "packet release")
}

func TestTransportCreditFlow(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, pool := newTestTransport(t, ch, rec)
	tr.Start()
	defer tr.Close()

	tr.SendMessage(KindNCIControl, nciCommand(0x01))
	tr.SendMessage(KindNCIControl, nciCommand(0x02))
	tr.SendMessage(KindNCIData, nciData(0x55))

	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 2 }, "command and data")
	time.Sleep(20 * time.Millisecond)
	if len(ch.written()) != 2 {
		t.Fatalf("second command written without credit")
	}

	// answer the first command
	ch.feed(framedNCI([]byte{0x40, 0x01, 0x01, 0x00}))
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 3 }, "second command")
	if w := ch.written()[2]; !bytes.Equal(w, framedNCI(nciCommand(0x02))) {
		t.Fatalf("unexpected third write %X", w)
	}
	waitUntil(t, time.Second, func() bool { return rec.packetCount() == 1 }, "response delivered")

	ch.feed(framedNCI([]byte{0x40, 0x02, 0x01, 0x00}))
	waitUntil(t, time.Second, func() bool { return rec.packetCount() == 2 }, "second response delivered")
	if rec.hasErrorCode(ErrCodeCreditViolation) {
		t.Fatalf("unexpected credit violation")
	}
	waitUntil(t, time.Second, func() bool { return pool.Outstanding() == 0 }, "buffers returned")
}

func TestTransportUnsolicitedResponse(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec)
	tr.Start()
	defer tr.Close()

	ch.feed(framedNCI([]byte{0x40, 0x03, 0x01, 0x00}))
	waitUntil(t, time.Second, func() bool { return rec.hasErrorCode(ErrCodeCreditViolation) }, "credit violation")
	waitUntil(t, time.Second, func() bool { return rec.packetCount() == 1 }, "response still delivered")
}

func TestTransportCommandTimeoutRestoresCredit(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec, WithCommandTimeout(30*time.Millisecond))
	tr.Start()
	defer tr.Close()

	tr.SendMessage(KindNCIControl, nciCommand(0x01))
	tr.SendMessage(KindNCIControl, nciCommand(0x02))
	waitUntil(t, time.Second, func() bool { return rec.hasErrorCode(ErrCodeCommandTimeout) }, "command timeout")
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 2 }, "second command after timeout")
}

func TestTransportNCICreditLimitAboveOne(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec, WithCreditLimit(2))
	tr.Start()
	defer tr.Close()

	tr.SendMessage(KindNCIControl, nciCommand(0x01))
	tr.SendMessage(KindNCIControl, nciCommand(0x02))
	tr.SendMessage(KindNCIControl, nciCommand(0x03))
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 2 }, "two commands in flight")

	// answered out of order
	ch.feed(framedNCI([]byte{0x40, 0x02, 0x01, 0x00}))
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 3 }, "third command")
	ch.feed(framedNCI([]byte{0x40, 0x01, 0x01, 0x00}))
	ch.feed(framedNCI([]byte{0x40, 0x03, 0x01, 0x00}))
	waitUntil(t, time.Second, func() bool { return rec.packetCount() == 3 }, "responses delivered")

	if rec.hasErrorCode(ErrCodeCreditViolation) {
		t.Fatalf("valid response reported as a credit violation")
	}
	waitUntil(t, time.Second, func() bool { return tr.queue.Credits().Available == 2 }, "full credit window")
}

func TestTransportCommandTimeoutCoversEachCommand(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec, WithCreditLimit(2), WithCommandTimeout(30*time.Millisecond))
	tr.Start()
	defer tr.Close()

	tr.SendMessage(KindNCIControl, nciCommand(0x01))
	tr.SendMessage(KindNCIControl, nciCommand(0x02))
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 2 }, "two commands in flight")
	waitUntil(t, time.Second, func() bool {
		rec.mutex.Lock()
		defer rec.mutex.Unlock()
		n := 0
		for _, err := range rec.errs {
			if ErrorCode(err) == ErrCodeCommandTimeout {
				n++
			}
		}
		return n == 2
	}, "a timeout per command")
	waitUntil(t, time.Second, func() bool { return tr.queue.Credits().Available == 2 }, "credits restored")
}

func TestTransportHCICommandCredits(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec, WithCreditLimit(2))
	tr.Start()
	defer tr.Close()

	for i := 0; i < 3; i++ {
		tr.SendMessage(KindCommand, buildHCICommand(hciOpReset, nil))
	}
	// one command per drain, but the window holds two
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 2 }, "two commands")
	if w := ch.written()[0]; !bytes.Equal(w, []byte{hciTypeCommand, 0x03, 0x0C, 0x00}) {
		t.Fatalf("unexpected HCI frame %X", w)
	}

	ch.feed([]byte{hciTypeEvent, hciEvtCommandComplete, 0x04, 0x01, 0x03, 0x0C, 0x00})
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 3 }, "third command")
}

func TestTransportEpilog(t *testing.T) {
	ch := newFakeChannel()
	ch.respond = func(frame []byte) [][]byte {
		if bytes.Equal(frame, framedNCI(buildCoreReset())) {
			return [][]byte{framedNCI([]byte{0x40, 0x00, 0x03, 0x00, 0x11, 0x01})}
		}
		return nil
	}
	rec := newRecorder()
	tr, pool := newTestTransport(t, ch, rec, WithNCIEpilog(time.Second))
	tr.Start()

	tr.Epilog()
	waitDone(t, tr, time.Second)
	if tr.GetState() != StateStopped {
		t.Fatalf("unexpected state %s", tr.GetState())
	}
	w := ch.written()
	if len(w) != 1 || !bytes.Equal(w[0], framedNCI(buildCoreReset())) {
		t.Fatalf("expected only CORE_RESET_CMD written, got %X", w)
	}
	if rec.packetCount() != 0 {
		t.Fatalf("epilog answer leaked to the upper layer")
	}

	if err := tr.SendMessage(KindNCIData, nciData(0x01)); !errors.Is(err, ErrTransportStopped) {
		t.Fatalf("expected ErrTransportStopped, got %v", err)
	}
	if pool.Outstanding() != 0 {
		t.Fatalf("rejected packet not released: %d outstanding", pool.Outstanding())
	}

	rec.mutex.Lock()
	states := append([]State(nil), rec.states...)
	rec.mutex.Unlock()
	want := []State{StateRunning, StateDraining, StateStopped}
	if len(states) != len(want) {
		t.Fatalf("unexpected state changes %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected state changes %v", states)
		}
	}
}

func coreResetEpilogResponder(trailing []byte) func(frame []byte) [][]byte {
	return func(frame []byte) [][]byte {
		if bytes.Equal(frame, framedNCI(buildCoreReset())) {
			rsp := framedNCI([]byte{0x40, 0x00, 0x03, 0x00, 0x11, 0x01})
			return [][]byte{append(rsp, trailing...)}
		}
		return nil
	}
}

func TestTransportEpilogDropsTrailingPartialFrame(t *testing.T) {
	ch := newFakeChannel()
	// the answer shares its read with the start of a CORE_RESET_NTF
	ch.respond = coreResetEpilogResponder([]byte{hciTypeNCI, 0x60, 0x00, 0x09, 0x02})
	rec := newRecorder()
	tr, pool := newTestTransport(t, ch, rec, WithNCIEpilog(time.Second))
	tr.Start()

	tr.Epilog()
	waitDone(t, tr, time.Second)
	tr.Close()

	if pool.Outstanding() != 0 || pool.Allocs() != pool.Frees() {
		t.Fatalf("allocs=%d frees=%d outstanding=%d", pool.Allocs(), pool.Frees(), pool.Outstanding())
	}
}

func TestTransportEpilogDropsQueuedPatchCommands(t *testing.T) {
	ch := newFakeChannel()
	ch.respond = coreResetEpilogResponder(nil)
	rec := newRecorder()
	tr, pool := newTestTransport(t, ch, rec, WithNCIEpilog(time.Second))
	tr.Start()

	// an unanswered command holds the only credit
	tr.SendMessage(KindNCIControl, nciCommand(0x01))
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 1 }, "application command")
	if err := tr.StartPatchDownload(PatchRequest{Patch: buildPatchFile(1, 1, 0, testSegment{PowerModeLPM, filled(4, 0)})}); err != nil {
		t.Fatalf("start patch: %v", err)
	}
	tr.Epilog()

	ev := rec.terminalPatchEvent(t, time.Second)
	if ev.Outcome != PatchAborted || ev.Reason != AbortShutdown {
		t.Fatalf("expected Shutdown abort, got %+v", ev)
	}
	ch.feed(framedNCI([]byte{0x40, 0x01, 0x01, 0x00}))
	waitDone(t, tr, time.Second)
	tr.Close()

	w := ch.written()
	if len(w) != 2 || !bytes.Equal(w[1], framedNCI(buildCoreReset())) {
		t.Fatalf("expected the epilog command right after the application command, got %X", w)
	}
	if pool.Outstanding() != 0 {
		t.Fatalf("leaked %d buffers", pool.Outstanding())
	}
}

func TestTransportEpilogTimeout(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec, WithNCIEpilog(30*time.Millisecond))
	tr.Start()

	tr.Epilog()
	waitDone(t, tr, time.Second)
	if err := tr.Close(); err != nil {
		t.Fatalf("close after epilog: %v", err)
	}
}

func TestTransportExitReleasesQueuedPackets(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, pool := newTestTransport(t, ch, rec)
	tr.Start()

	for i := 0; i < 5; i++ {
		tr.SendMessage(KindNCIControl, nciCommand(uint8(i)))
	}
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 1 }, "first command")

	tr.Exit()
	tr.Exit()
	waitDone(t, tr, time.Second)
	tr.Close()
	tr.Close()

	if pool.Outstanding() != 0 {
		t.Fatalf("leaked %d buffers", pool.Outstanding())
	}
	if pool.Allocs() != pool.Frees() {
		t.Fatalf("allocs %d != frees %d", pool.Allocs(), pool.Frees())
	}
}

func TestTransportCloseWithoutStart(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, pool := newTestTransport(t, ch, rec)
	tr.SendMessage(KindNCIControl, nciCommand(0x01))

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitDone(t, tr, time.Second)
	if pool.Outstanding() != 0 {
		t.Fatalf("leaked %d buffers", pool.Outstanding())
	}
	if err := tr.Start(); err == nil {
		t.Fatalf("start after close succeeded")
	}
}

func TestTransportChannelErrorStops(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec)
	tr.Start()

	ch.readErr <- NewChannelReadError("device gone", nil)
	waitDone(t, tr, time.Second)
	if !rec.hasErrorCode(ErrCodeChannelRead) {
		t.Fatalf("channel error not reported")
	}
}

func TestTransportBringUp(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec)
	tr.Start()
	defer tr.Close()

	tr.Signal(SignalPreBringUp)
	tr.Signal(SignalPostBringUp)
	waitUntil(t, time.Second, func() bool {
		rec.mutex.Lock()
		defer rec.mutex.Unlock()
		return len(rec.stages) == 2
	}, "bring-up hooks")

	ch.mutex.Lock()
	flow := append([]bool(nil), ch.flow...)
	ch.mutex.Unlock()
	if len(flow) != 1 || !flow[0] {
		t.Fatalf("expected flow control raised, got %v", flow)
	}
	if wake, ok := ch.lastWake(); !ok || !wake {
		t.Fatalf("expected wake asserted")
	}
}

func TestTransportLPMReleasesWakeWhenIdle(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec, WithLPMIdleTimeout(20*time.Millisecond))
	tr.Start()
	defer tr.Close()

	tr.Signal(SignalLPMEnable)
	waitUntil(t, time.Second, func() bool {
		wake, ok := ch.lastWake()
		return ok && !wake
	}, "wake released")

	released := len(ch.wakeHistory())

	tr.SendMessage(KindNCIData, nciData(0x01))
	waitUntil(t, time.Second, func() bool {
		h := ch.wakeHistory()
		return len(h) >= released+2 && h[released] && !h[len(h)-1]
	}, "wake asserted for traffic and released again")
}

// patchResponder answers like a controller without a stored patch
func patchResponder(chip string) func(frame []byte) [][]byte {
	versions := 0
	return func(frame []byte) [][]byte {
		if len(frame) < 1+nciHeaderLen || frame[0] != hciTypeNCI {
			return nil
		}
		msg := frame[1:]
		switch {
		case isNCIMessage(msg, nciMsgTypeCommand, nciGroupProp, nciPropGetPatchVersionOID):
			versions++
			info := emptyNVM(chip)
			if versions > 1 {
				info = NVMInfo{ProjectID: 0x1234, ChipVersion: chip, Major: 1, LPMSize: 20, NVMType: NVMTypeEEPROM}
			}
			return [][]byte{framedNCI(versionResponse(info))}
		case isNCIMessage(msg, nciMsgTypeCommand, nciGroupProp, nciPropSecurePatchDlOID):
			out := [][]byte{framedNCI(spdResponse(nciStatusOK))}
			if msg[nciHeaderLen] == spdTypeSignature {
				out = append(out, framedNCI(spdNotification(nciStatusOK)))
			}
			return out
		}
		return nil
	}
}

func TestTransportPatchDownload(t *testing.T) {
	ch := newFakeChannel()
	ch.respond = patchResponder("20791B3")
	rec := newRecorder()
	cfg := testPatchConfig()
	tr, pool := newTestTransport(t, ch, rec, WithPatchConfig(cfg))
	tr.Start()
	defer tr.Close()

	if err := tr.SetMaxPatchPayload(16); err == nil {
		t.Fatalf("expected payload below the minimum to be rejected")
	}
	if err := tr.SetMaxPatchPayload(64); err != nil {
		t.Fatalf("set max payload: %v", err)
	}
	file := buildPatchFile(0x1234, 1, 0, testSegment{PowerModeLPM, filled(100, 0x20)})
	if err := tr.StartPatchDownload(PatchRequest{Patch: file}); err != nil {
		t.Fatalf("start patch: %v", err)
	}
	if err := tr.StartPatchDownload(PatchRequest{Patch: file}); ErrorCode(err) != ErrCodePatchBusy {
		t.Fatalf("expected busy error, got %v", err)
	}

	ev := rec.terminalPatchEvent(t, 2*time.Second)
	if ev.Outcome != PatchComplete || ev.Chunks != 2 {
		t.Fatalf("expected Complete with 2 chunks, got %+v", ev)
	}
	if ev.NVM == nil || ev.NVM.ProjectID != 0x1234 {
		t.Fatalf("expected refreshed NVM info, got %+v", ev.NVM)
	}
	if rec.packetCount() != 0 {
		t.Fatalf("patch traffic leaked to the upper layer")
	}
	waitUntil(t, time.Second, func() bool { return pool.Outstanding() == 0 }, "buffers returned")
}

func TestTransportPatchHoldsApplicationCommands(t *testing.T) {
	ch := newFakeChannel()
	ch.respond = patchResponder("20791B3")
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec, WithPatchConfig(testPatchConfig()))
	tr.Start()
	defer tr.Close()

	file := buildPatchFile(0x1234, 1, 0, testSegment{PowerModeLPM, filled(10, 0)})
	tr.StartPatchDownload(PatchRequest{Patch: file})
	tr.SendMessage(KindNCIControl, nciCommand(0x01))

	rec.terminalPatchEvent(t, 2*time.Second)
	appCmd := framedNCI(nciCommand(0x01))
	waitUntil(t, time.Second, func() bool {
		w := ch.written()
		return len(w) > 0 && bytes.Equal(w[len(w)-1], appCmd)
	}, "application command after the session")

	for _, w := range ch.written()[:len(ch.written())-1] {
		if bytes.Equal(w, appCmd) {
			t.Fatalf("application command interleaved with the patch session")
		}
	}
}

func TestTransportPatchAbortedOnExit(t *testing.T) {
	ch := newFakeChannel()
	rec := newRecorder()
	tr, _ := newTestTransport(t, ch, rec)
	tr.Start()

	tr.StartPatchDownload(PatchRequest{Patch: buildPatchFile(1, 1, 0, testSegment{PowerModeLPM, filled(4, 0)})})
	waitUntil(t, time.Second, func() bool { return len(ch.written()) == 1 }, "GET_PATCH_VERSION")
	tr.Exit()

	ev := rec.terminalPatchEvent(t, time.Second)
	if ev.Outcome != PatchAborted || ev.Reason != AbortShutdown {
		t.Fatalf("expected Shutdown abort, got %+v", ev)
	}
	waitDone(t, tr, time.Second)
	if err := tr.StartPatchDownload(PatchRequest{}); !errors.Is(err, ErrTransportStopped) {
		t.Fatalf("expected ErrTransportStopped, got %v", err)
	}
}

func TestTransportMultiChannelLink(t *testing.T) {
	nci := newFakeChannel()
	hci := newFakeChannel()
	link, err := NewMultiLink(
		SubChannel{Channel: nci, In: KindNCIControl, Out: []PacketKind{KindNCIControl, KindNCIData}},
		SubChannel{Channel: hci, In: KindEvent, Out: []PacketKind{KindCommand}},
	)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	rec := newRecorder()
	pool := NewPool(0, 0)
	tr, err := New(link, rec.callbacks(), WithAllocator(pool))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	tr.Start()

	tr.SendMessage(KindNCIData, nciData(0x42))
	tr.SendMessage(KindCommand, buildHCICommand(hciOpReset, nil))
	waitUntil(t, time.Second, func() bool { return len(nci.written()) == 1 && len(hci.written()) == 1 }, "one write per sub-channel")

	if w := nci.written()[0]; !bytes.Equal(w, nciData(0x42)) {
		t.Fatalf("NCI sub-channel got %X", w)
	}
	if w := hci.written()[0]; !bytes.Equal(w, []byte{0x03, 0x0C, 0x00}) {
		t.Fatalf("HCI sub-channel got %X", w)
	}

	hci.feed([]byte{hciEvtCommandComplete, 0x04, 0x01, 0x03, 0x0C, 0x00})
	nci.feed([]byte{0x61, 0x06, 0x00})
	waitUntil(t, time.Second, func() bool { return rec.packetCount() == 2 }, "inbound packets")

	if err := tr.SendMessage(KindDataOut, []byte{0x01, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return rec.hasErrorCode(ErrCodeInvalidArgument) }, "no sub-channel error")

	tr.Close()
	if !nci.isClosed() || !hci.isClosed() {
		t.Fatalf("sub-channels not closed")
	}
	if pool.Outstanding() != 0 {
		t.Fatalf("leaked %d buffers", pool.Outstanding())
	}
}

func TestNewMultiLinkValidation(t *testing.T) {
	a := newFakeChannel()
	b := newFakeChannel()
	if _, err := NewMultiLink(); err == nil {
		t.Fatalf("expected error for empty link")
	}
	if _, err := NewMultiLink(SubChannel{Channel: a, In: KindEvent}, SubChannel{Channel: b, In: KindEvent}); err == nil {
		t.Fatalf("expected error for two readers of one kind")
	}
	if _, err := NewMultiLink(SubChannel{Channel: a, Out: []PacketKind{KindCommand}}, SubChannel{Channel: b, Out: []PacketKind{KindCommand}}); err == nil {
		t.Fatalf("expected error for two writers of one kind")
	}
	if _, err := New(nil, Callbacks{}); ErrorCode(err) != ErrCodeInvalidArgument {
		t.Fatalf("expected invalid argument for nil link, got %v", err)
	}
}
