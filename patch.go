package hal

import (
	"fmt"
	"strings"
	"time"
)

// PatchState is the state of the patch download engine
type PatchState int

const (
	PatchIdle PatchState = iota
	PatchCompareVersion
	PatchGetHeader
	PatchDownloading
	PatchAuthenticating
	PatchAuthDone
	PatchW4Version
)

// String returns a string representation of the patch state
func (s PatchState) String() string {
	switch s {
	case PatchIdle:
		return "Idle"
	case PatchCompareVersion:
		return "CompareVersion"
	case PatchGetHeader:
		return "GetHeader"
	case PatchDownloading:
		return "Downloading"
	case PatchAuthenticating:
		return "Authenticating"
	case PatchAuthDone:
		return "AuthDone"
	case PatchW4Version:
		return "W4Version"
	default:
		return "Unknown"
	}
}

// AbortReason says why a patch download session ended without success
type AbortReason int

const (
	AbortNone AbortReason = iota
	AbortInvalidPatch
	AbortBadSignature
	AbortNoNVM
	AbortTimeout
	AbortProtocol
	AbortShutdown
)

// String returns a string representation of the abort reason
func (r AbortReason) String() string {
	switch r {
	case AbortNone:
		return "None"
	case AbortInvalidPatch:
		return "InvalidPatch"
	case AbortBadSignature:
		return "BadSignature"
	case AbortNoNVM:
		return "NoNVM"
	case AbortTimeout:
		return "Timeout"
	case AbortProtocol:
		return "Protocol"
	case AbortShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

func (r AbortReason) errorCode() int {
	switch r {
	case AbortInvalidPatch:
		return ErrCodePatchInvalid
	case AbortBadSignature:
		return ErrCodePatchBadSignature
	case AbortNoNVM:
		return ErrCodePatchNoNVM
	case AbortTimeout:
		return ErrCodePatchTimeout
	case AbortShutdown:
		return ErrCodePatchShutdown
	default:
		return ErrCodePatchProtocol
	}
}

// PatchOutcome classifies a PatchEvent
type PatchOutcome int

const (
	// PatchContinue asks the caller for more patch data (streaming mode)
	PatchContinue PatchOutcome = iota
	// PatchProgress reports a chunk handed to the controller
	PatchProgress
	// PatchComplete is the successful terminal outcome
	PatchComplete
	// PatchAborted is the failed terminal outcome
	PatchAborted
)

// String returns a string representation of the outcome
func (o PatchOutcome) String() string {
	switch o {
	case PatchContinue:
		return "Continue"
	case PatchProgress:
		return "Progress"
	case PatchComplete:
		return "Complete"
	case PatchAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// PatchNeed says what data a Continue event asks for
type PatchNeed int

const (
	NeedNone PatchNeed = iota
	// NeedHeader asks for the patch file header table
	NeedHeader
	// NeedSegment asks for the image of one power mode
	NeedSegment
)

// PatchEvent reports patch download progress. Every session ends with
// exactly one Complete or Aborted event.
type PatchEvent struct {
	Outcome   PatchOutcome
	Reason    AbortReason
	Err       error
	Need      PatchNeed
	PowerMode uint8
	Sent      int
	Total     int
	Chunks    int
	NVM       *NVMInfo
}

// PatchRequest starts a patch download. A nil Patch selects streaming
// mode, where the engine asks for the header and each segment through
// Continue events.
type PatchRequest struct {
	Patch  []byte
	PreFix []byte
}

// patchHost is what the engine needs from the transport
type patchHost interface {
	sendPatchCommand(msg []byte) error
	startPatchTimer(d time.Duration)
	stopPatchTimer()
	emitPatchEvent(ev PatchEvent)
}

// patchEngine drives the secure patch download. It runs entirely on the
// worker goroutine and never blocks; every wait is a host timer.
type patchEngine struct {
	host patchHost
	cfg  PatchConfig
	log  logger

	active     bool
	state      PatchState
	maxPayload int

	streaming      bool
	awaitHeader    bool
	awaitSegment   bool
	file           []byte
	header         *PatchFileHeader
	nvm            NVMInfo
	chipNoReset    bool
	needMask       uint32
	segIdx         int
	segData        []byte
	chunkOff       int
	sigSent        bool
	chunks         int
	waitReset      bool
	preFix         []byte
	preFixHeader   *PatchFileHeader
	preFixActive   bool
	preFixSettling bool
}

func newPatchEngine(host patchHost, cfg PatchConfig, log logger) *patchEngine {
	return &patchEngine{
		host:       host,
		cfg:        cfg,
		log:        log,
		maxPayload: clampPatchPayload(cfg.MaxPayload),
	}
}

func clampPatchPayload(n int) int {
	if n <= 0 || n > nciMaxPayload {
		return nciMaxPayload
	}
	if n < minPatchMaxPayload {
		return minPatchMaxPayload
	}
	return n
}

// setMaxPayload changes the download command payload size for the next session
func (e *patchEngine) setMaxPayload(n int) error {
	if n < minPatchMaxPayload || n > nciMaxPayload {
		return NewInvalidArgumentError(fmt.Sprintf("patch payload size %d outside [%d, %d]", n, minPatchMaxPayload, nciMaxPayload))
	}
	e.maxPayload = n
	return nil
}

func (e *patchEngine) start(req PatchRequest) {
	e.reset()
	e.active = true
	e.streaming = req.Patch == nil
	e.file = req.Patch

	if req.PreFix != nil {
		h, err := ParsePatchFileHeader(req.PreFix)
		if err != nil {
			e.abort(AbortInvalidPatch, fmt.Sprintf("pre-fix patch: %v", err))
			return
		}
		if len(h.Segments) > 1 {
			e.abort(AbortInvalidPatch, fmt.Sprintf("pre-fix patch holds %d patches", len(h.Segments)))
			return
		}
		if len(req.PreFix) < h.TotalLen() {
			e.abort(AbortInvalidPatch, "pre-fix patch truncated")
			return
		}
		e.preFix = req.PreFix
		e.preFixHeader = h
	}

	e.log.logf(LogLevelInfo, "Patch download started (streaming=%v, max payload %d)", e.streaming, e.maxPayload)
	e.setState(PatchCompareVersion)
	if err := e.host.sendPatchCommand(buildGetPatchVersion()); err != nil {
		e.abort(AbortProtocol, fmt.Sprintf("send GET_PATCH_VERSION: %v", err))
		return
	}
	e.host.startPatchTimer(e.cfg.SPDTimeout)
}

func (e *patchEngine) reset() {
	*e = patchEngine{
		host:       e.host,
		cfg:        e.cfg,
		log:        e.log,
		maxPayload: e.maxPayload,
	}
}

func (e *patchEngine) setState(s PatchState) {
	if e.state != s {
		e.log.logf(LogLevelDebug, "Patch state %s -> %s", e.state, s)
	}
	e.state = s
}

// handle consumes the NCI messages that belong to the session. It reports
// false for messages the upper layer should see.
func (e *patchEngine) handle(msg []byte) bool {
	if !e.active || len(msg) < nciHeaderLen {
		return false
	}
	switch {
	case isNCIMessage(msg, nciMsgTypeResponse, nciGroupProp, nciPropGetPatchVersionOID):
		e.onVersionResponse(msg)
		return true
	case isNCIMessage(msg, nciMsgTypeResponse, nciGroupProp, nciPropSecurePatchDlOID):
		e.onDownloadResponse(msg)
		return true
	case isNCIMessage(msg, nciMsgTypeNotification, nciGroupProp, nciPropSecurePatchDlOID):
		e.onDownloadNotification(msg)
		return true
	case isNCIMessage(msg, nciMsgTypeNotification, nciGroupCore, nciCoreReset):
		return e.onCoreReset()
	}
	return false
}

func (e *patchEngine) onVersionResponse(msg []byte) {
	switch e.state {
	case PatchCompareVersion:
	case PatchW4Version:
		e.host.stopPatchTimer()
		if info, err := parseNVMInfo(msg[nciHeaderLen:]); err == nil {
			e.nvm = info
			e.log.logf(LogLevelInfo, "Patch version after download: %s", info)
		}
		e.complete()
		return
	default:
		e.log.logf(LogLevelWarning, "Unexpected GET_PATCH_VERSION response in state %s", e.state)
		return
	}

	e.host.stopPatchTimer()
	info, err := parseNVMInfo(msg[nciHeaderLen:])
	if err != nil {
		e.abort(AbortProtocol, err.Error())
		return
	}
	e.nvm = info
	e.chipNoReset = e.isNoResetChip(info.ChipVersion)
	e.log.logf(LogLevelInfo, "NVM patch: %s", info)

	if e.cfg.NVMRequired && !info.HasNVM() {
		e.abort(AbortNoNVM, "controller has no NVM")
		return
	}

	if e.streaming {
		e.awaitHeader = true
		e.host.emitPatchEvent(PatchEvent{Outcome: PatchContinue, Need: NeedHeader})
		return
	}
	e.compareVersion(e.file)
}

func (e *patchEngine) isNoResetChip(chip string) bool {
	for _, c := range e.cfg.NoResetNtfChips {
		if c != "" && strings.EqualFold(strings.TrimSpace(c), chip) {
			return true
		}
	}
	return false
}

// compareVersion decides which power modes need downloading
func (e *patchEngine) compareVersion(data []byte) {
	h, err := ParsePatchFileHeader(data)
	if err != nil {
		e.abort(AbortInvalidPatch, err.Error())
		return
	}
	if !e.streaming && len(data) < h.TotalLen() {
		e.abort(AbortInvalidPatch, fmt.Sprintf("patch file truncated: %d of %d bytes", len(data), h.TotalLen()))
		return
	}
	e.header = h

	fileMask := h.Mask()
	switch {
	case !e.nvm.PatchPresent():
		e.needMask = fileMask
	case h.ProjectID != e.nvm.ProjectID:
		e.abort(AbortInvalidPatch, fmt.Sprintf("patch project 0x%04X does not match controller project 0x%04X", h.ProjectID, e.nvm.ProjectID))
		return
	case h.Major == e.nvm.Major && h.Minor == e.nvm.Minor && fileMask&^e.nvm.GoodMask() == 0:
		e.needMask = 0
	default:
		// any other version, or a stored mode missing or corrupt: the whole file
		e.needMask = fileMask
	}

	e.log.logf(LogLevelInfo, "Patch file %d.%d (project 0x%04X), download mask 0x%02X", h.Major, h.Minor, h.ProjectID, e.needMask)
	if e.needMask == 0 {
		e.log.logf(LogLevelInfo, "NVM patch is up to date")
		e.complete()
		return
	}
	if !e.chipMatches(h) || (e.preFixHeader != nil && !e.chipMatches(e.preFixHeader)) {
		return
	}

	if e.preFixRequired() {
		e.startPreFix()
		return
	}
	e.setState(PatchGetHeader)
	e.nextPatch()
}

// chipMatches aborts the session when h is built for another chip
func (e *patchEngine) chipMatches(h *PatchFileHeader) bool {
	if h.ChipVersion == "" || h.ChipVersion == e.nvm.ChipVersion {
		return true
	}
	e.abort(AbortInvalidPatch, fmt.Sprintf("patch is for chip %q, controller is %q", h.ChipVersion, e.nvm.ChipVersion))
	return false
}

// preFixRequired reports whether the pre-fix patch must run first
func (e *patchEngine) preFixRequired() bool {
	if e.preFix == nil {
		return false
	}
	n := e.nvm
	return n.ProjectID == 0 ||
		n.FPMSize == 0 ||
		n.FPMBadCRC ||
		e.header.Major >= e.cfg.PreFixMajorVersion ||
		!e.chipNoReset
}

func (e *patchEngine) startPreFix() {
	seg := e.preFixHeader.Segments[0]
	off := e.preFixHeader.Len()
	e.log.logf(LogLevelInfo, "Downloading pre-fix patch (%s, %d bytes)", powerModeString(seg.PowerMode), seg.Length)
	e.preFixActive = true
	e.beginSegment(e.preFix[off : off+seg.Length])
}

// nextPatch moves to the next segment that needs downloading
func (e *patchEngine) nextPatch() {
	for e.segIdx < len(e.header.Segments) && e.needMask&(1<<e.header.Segments[e.segIdx].PowerMode) == 0 {
		e.segIdx++
	}
	if e.segIdx >= len(e.header.Segments) {
		e.requeryVersion()
		return
	}

	seg := e.header.Segments[e.segIdx]
	if e.streaming {
		e.awaitSegment = true
		e.setState(PatchGetHeader)
		e.host.emitPatchEvent(PatchEvent{Outcome: PatchContinue, Need: NeedSegment, PowerMode: seg.PowerMode, Total: seg.Length})
		return
	}

	off := e.header.segmentOffset(e.segIdx)
	e.beginSegment(e.file[off : off+seg.Length])
}

// continueDownload accepts streamed header or segment data
func (e *patchEngine) continueDownload(data []byte) error {
	if !e.active {
		return NewApplicationError("no patch download in progress")
	}
	switch {
	case e.awaitHeader:
		e.awaitHeader = false
		e.compareVersion(data)
		return nil
	case e.awaitSegment:
		e.awaitSegment = false
		seg := e.header.Segments[e.segIdx]
		if len(data) != seg.Length {
			e.abort(AbortInvalidPatch, fmt.Sprintf("%s patch is %d bytes, header says %d", powerModeString(seg.PowerMode), len(data), seg.Length))
			return nil
		}
		e.beginSegment(append([]byte(nil), data...))
		return nil
	default:
		return NewApplicationError(fmt.Sprintf("patch engine not waiting for data (state %s)", e.state))
	}
}

func (e *patchEngine) beginSegment(data []byte) {
	e.setState(PatchDownloading)
	e.segData = data
	e.chunkOff = 0
	e.sigSent = false
	e.sendNextChunk()
}

// sendNextChunk sends the next slice of the current segment. The final
// slice carries the signature type so the controller starts verification.
func (e *patchEngine) sendNextChunk() {
	maxData := e.maxPayload - 1
	n := len(e.segData) - e.chunkOff
	if n > maxData {
		n = maxData
	}
	last := e.chunkOff+n == len(e.segData)
	chunkType := spdTypeSource
	if last {
		chunkType = spdTypeSignature
	}

	msg := buildSecurePatchDownload(chunkType, e.segData[e.chunkOff:e.chunkOff+n])
	if err := e.host.sendPatchCommand(msg); err != nil {
		e.abort(AbortProtocol, fmt.Sprintf("send patch chunk: %v", err))
		return
	}
	e.chunkOff += n
	e.sigSent = last
	e.chunks++
	e.host.startPatchTimer(e.cfg.SPDTimeout)
	e.host.emitPatchEvent(PatchEvent{
		Outcome:   PatchProgress,
		PowerMode: e.currentPowerMode(),
		Sent:      e.chunkOff,
		Total:     len(e.segData),
		Chunks:    e.chunks,
	})
}

func (e *patchEngine) currentPowerMode() uint8 {
	if e.preFixActive {
		return e.preFixHeader.Segments[0].PowerMode
	}
	if e.header != nil && e.segIdx < len(e.header.Segments) {
		return e.header.Segments[e.segIdx].PowerMode
	}
	return 0
}

func (e *patchEngine) onDownloadResponse(msg []byte) {
	if e.state != PatchDownloading {
		e.log.logf(LogLevelWarning, "Unexpected patch download response in state %s", e.state)
		return
	}
	e.host.stopPatchTimer()

	resp, err := parseNCIResponse(msg)
	if err != nil {
		e.abort(AbortProtocol, err.Error())
		return
	}
	if !isSuccessResponse(resp) {
		e.abort(AbortInvalidPatch, fmt.Sprintf("controller rejected patch chunk: %s", spdStatusString(resp.Status)))
		return
	}

	if !e.sigSent {
		e.sendNextChunk()
		return
	}

	e.setState(PatchAuthenticating)
	if e.chipNoReset {
		e.host.startPatchTimer(e.cfg.SPDTimeout)
	} else {
		e.host.startPatchTimer(e.cfg.CommitDelay)
	}
}

func (e *patchEngine) onDownloadNotification(msg []byte) {
	if e.state != PatchAuthenticating {
		e.log.logf(LogLevelWarning, "Unexpected patch download notification in state %s", e.state)
		return
	}
	e.host.stopPatchTimer()

	resp, err := parseNCIResponse(msg)
	if err != nil {
		e.abort(AbortProtocol, err.Error())
		return
	}
	if !isSuccessResponse(resp) {
		e.abort(AbortBadSignature, fmt.Sprintf("patch signature rejected: %s", spdStatusString(resp.Status)))
		return
	}

	segLen := len(e.segData)
	e.segData = nil

	if e.preFixActive {
		e.log.logf(LogLevelInfo, "Pre-fix patch authenticated")
		e.preFixActive = false
		e.preFixSettling = true
		e.setState(PatchGetHeader)
		e.host.startPatchTimer(e.cfg.PreFixDelay)
		return
	}

	e.log.logf(LogLevelInfo, "%s patch authenticated", powerModeString(e.currentPowerMode()))
	e.setState(PatchAuthDone)
	switch {
	case !e.chipNoReset:
		e.waitReset = true
		e.host.startPatchTimer(e.cfg.CommitDelay)
	case !e.nvm.HasNVM():
		e.host.startPatchTimer(e.cfg.EndDelay)
	default:
		delay := time.Duration(segLen) * time.Millisecond
		if delay < e.cfg.PatchRAMDelay {
			delay = e.cfg.PatchRAMDelay
		}
		e.host.startPatchTimer(delay)
	}
}

func (e *patchEngine) onCoreReset() bool {
	switch {
	case e.state == PatchAuthDone && e.waitReset:
		e.host.stopPatchTimer()
		e.waitReset = false
		e.readyToContinue()
		return true
	case e.state == PatchGetHeader && e.preFixSettling:
		e.host.stopPatchTimer()
		e.preFixSettling = false
		e.nextPatch()
		return true
	}
	return false
}

// readyToContinue finishes the current segment and moves on
func (e *patchEngine) readyToContinue() {
	e.needMask &^= 1 << e.header.Segments[e.segIdx].PowerMode
	e.segIdx++
	e.setState(PatchGetHeader)
	e.nextPatch()
}

func (e *patchEngine) requeryVersion() {
	e.setState(PatchW4Version)
	if err := e.host.sendPatchCommand(buildGetPatchVersion()); err != nil {
		e.log.logf(LogLevelWarning, "Re-query patch version failed: %v", err)
		e.complete()
		return
	}
	e.host.startPatchTimer(e.cfg.SPDTimeout)
}

func (e *patchEngine) onTimeout() {
	if !e.active {
		return
	}
	switch {
	case e.state == PatchAuthDone && e.waitReset:
		e.abort(AbortTimeout, "controller did not reset after patch commit")
	case e.state == PatchAuthDone:
		e.readyToContinue()
	case e.state == PatchGetHeader && e.preFixSettling:
		e.preFixSettling = false
		e.nextPatch()
	case e.state == PatchW4Version:
		e.log.logf(LogLevelWarning, "No answer to patch version re-query")
		e.complete()
	default:
		e.abort(AbortTimeout, fmt.Sprintf("patch download timed out in state %s", e.state))
	}
}

func (e *patchEngine) complete() {
	e.host.stopPatchTimer()
	nvm := e.nvm
	chunks := e.chunks
	e.finish()
	e.log.logf(LogLevelInfo, "Patch download complete (%d chunks)", chunks)
	e.host.emitPatchEvent(PatchEvent{Outcome: PatchComplete, Chunks: chunks, NVM: &nvm})
}

func (e *patchEngine) abort(reason AbortReason, message string) {
	if !e.active {
		return
	}
	e.host.stopPatchTimer()
	chunks := e.chunks
	e.finish()
	e.log.logf(LogLevelError, "Patch download aborted (%s): %s", reason, message)
	e.host.emitPatchEvent(PatchEvent{
		Outcome: PatchAborted,
		Reason:  reason,
		Err:     NewPatchError(reason, message),
		Chunks:  chunks,
	})
}

// shutdown ends an active session because the worker is stopping
func (e *patchEngine) shutdown() {
	e.abort(AbortShutdown, "transport stopped")
}

// finish leaves the session and drops its scratch data
func (e *patchEngine) finish() {
	e.active = false
	e.state = PatchIdle
	e.file = nil
	e.segData = nil
	e.preFix = nil
	e.header = nil
	e.preFixHeader = nil
	e.awaitHeader = false
	e.awaitSegment = false
}
