package hal

// Low power mode. While enabled, any traffic asserts the controller wake
// line and (re)arms the idle timer; when the timer expires with nothing
// outstanding the line is released so the controller may sleep.

func (t *Transport) handleLPM(sigs Signal) {
	if sigs&SignalLPMEnable != 0 {
		t.log.logf(LogLevelInfo, "Low power mode enabled (idle %v)", t.cfg.LPMIdleTimeout)
		t.lpmEnabled = true
		t.lpmTimer.start(t.cfg.LPMIdleTimeout)
	}
	if sigs&SignalLPMDisable != 0 {
		t.log.logf(LogLevelInfo, "Low power mode disabled")
		t.lpmEnabled = false
		t.lpmTimer.stop()
		t.setWake(true)
	}
	if sigs&SignalLPMWakeAssert != 0 {
		t.setWake(true)
		if t.lpmEnabled {
			t.lpmTimer.start(t.cfg.LPMIdleTimeout)
		}
	}
	if sigs&SignalLPMAllowSleep != 0 {
		t.lpmTimer.stop()
		t.setWake(false)
	}
	if sigs&SignalLPMIdleTimeout != 0 && !t.lpmTimer.running() {
		t.lpmTimer.expired()
		t.onIdleTimeout()
	}
}

func (t *Transport) onIdleTimeout() {
	if !t.lpmEnabled {
		return
	}
	if len(t.pendingCmds) > 0 || t.queue.Len() > 0 {
		t.lpmTimer.start(t.cfg.LPMIdleTimeout)
		return
	}
	t.log.logf(LogLevelDebug, "Idle, releasing wake line")
	t.setWake(false)
}

// noteActivity keeps the controller awake around traffic
func (t *Transport) noteActivity() {
	if !t.lpmEnabled {
		return
	}
	if !t.lpmTimer.running() || !t.wakeAsserted {
		t.setWake(true)
	}
	t.lpmTimer.start(t.cfg.LPMIdleTimeout)
}

func (t *Transport) setWake(assert bool) {
	if err := t.link.control().SetWake(assert); err != nil {
		t.reportError(err)
		return
	}
	t.wakeAsserted = assert
}
