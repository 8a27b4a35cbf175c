package hal

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Power modes a patch segment is built for
const (
	PowerModeLPM uint8 = 0x00
	PowerModeFPM uint8 = 0x01
)

// NVM types reported by GET_PATCH_VERSION
const (
	NVMTypeEEPROM uint8 = 0x01
	NVMTypeUICC   uint8 = 0x02
	NVMTypeNone   uint8 = 0x03
)

const (
	patchFileHeaderLen = 8 // project id(2) major(2) minor(2) flags(1) count(1)
	patchEntryLen      = 8 // power mode(1) length(2) rfu(5)
	maxPatchCount      = 8
	maxPowerMode       = 31

	chipVersionLen     = 16
	patchVersionRspLen = 35

	// patchFlagChipVersion marks a NUL-padded chip version block after the segment table
	patchFlagChipVersion uint8 = 0x01
)

func powerModeString(mode uint8) string {
	switch mode {
	case PowerModeLPM:
		return "LPM"
	case PowerModeFPM:
		return "FPM"
	default:
		return fmt.Sprintf("mode%d", mode)
	}
}

// PatchSegment describes one power-mode image inside a patch file
type PatchSegment struct {
	PowerMode uint8
	Length    int
}

// PatchFileHeader is the table at the start of a patch file. The segment
// images follow it back to back in table order.
type PatchFileHeader struct {
	ProjectID uint16
	Major     uint16
	Minor     uint16
	// ChipVersion is the chip the patch is built for. Empty means any chip.
	ChipVersion string
	Segments    []PatchSegment
}

// ParsePatchFileHeader decodes the header table of a patch file
func ParsePatchFileHeader(data []byte) (*PatchFileHeader, error) {
	if len(data) < patchFileHeaderLen {
		return nil, NewPatchError(AbortInvalidPatch, fmt.Sprintf("patch header too short: %d bytes", len(data)))
	}
	h := &PatchFileHeader{
		ProjectID: binary.LittleEndian.Uint16(data[0:2]),
		Major:     binary.LittleEndian.Uint16(data[2:4]),
		Minor:     binary.LittleEndian.Uint16(data[4:6]),
	}
	count := int(data[7])
	if count == 0 || count > maxPatchCount {
		return nil, NewPatchError(AbortInvalidPatch, fmt.Sprintf("invalid patch count %d", count))
	}
	if len(data) < patchFileHeaderLen+count*patchEntryLen {
		return nil, NewPatchError(AbortInvalidPatch, fmt.Sprintf("patch table truncated: %d entries in %d bytes", count, len(data)))
	}

	var seen uint32
	for i := 0; i < count; i++ {
		entry := data[patchFileHeaderLen+i*patchEntryLen:]
		seg := PatchSegment{
			PowerMode: entry[0],
			Length:    int(binary.LittleEndian.Uint16(entry[1:3])),
		}
		if seg.PowerMode > maxPowerMode {
			return nil, NewPatchError(AbortInvalidPatch, fmt.Sprintf("invalid power mode %d", seg.PowerMode))
		}
		if seen&(1<<seg.PowerMode) != 0 {
			return nil, NewPatchError(AbortInvalidPatch, fmt.Sprintf("duplicate %s patch", powerModeString(seg.PowerMode)))
		}
		if seg.Length == 0 {
			return nil, NewPatchError(AbortInvalidPatch, fmt.Sprintf("empty %s patch", powerModeString(seg.PowerMode)))
		}
		seen |= 1 << seg.PowerMode
		h.Segments = append(h.Segments, seg)
	}

	if data[6]&patchFlagChipVersion != 0 {
		off := patchFileHeaderLen + count*patchEntryLen
		if len(data) < off+chipVersionLen {
			return nil, NewPatchError(AbortInvalidPatch, "patch chip version truncated")
		}
		ver := data[off : off+chipVersionLen]
		if i := bytes.IndexByte(ver, 0); i >= 0 {
			ver = ver[:i]
		}
		if len(ver) == 0 {
			return nil, NewPatchError(AbortInvalidPatch, "empty patch chip version")
		}
		h.ChipVersion = string(ver)
	}
	return h, nil
}

// Len returns the size of the header table in bytes
func (h *PatchFileHeader) Len() int {
	n := patchFileHeaderLen + len(h.Segments)*patchEntryLen
	if h.ChipVersion != "" {
		n += chipVersionLen
	}
	return n
}

// Mask returns one bit per power mode present in the file
func (h *PatchFileHeader) Mask() uint32 {
	var mask uint32
	for _, s := range h.Segments {
		mask |= 1 << s.PowerMode
	}
	return mask
}

// TotalLen returns the header size plus all segment images
func (h *PatchFileHeader) TotalLen() int {
	n := h.Len()
	for _, s := range h.Segments {
		n += s.Length
	}
	return n
}

// segmentOffset returns where segment idx starts in the file
func (h *PatchFileHeader) segmentOffset(idx int) int {
	off := h.Len()
	for i := 0; i < idx; i++ {
		off += h.Segments[i].Length
	}
	return off
}

// NVMInfo is the controller's report of the patch held in its NVM
type NVMInfo struct {
	ProjectID    uint16
	ChipVersion  string
	Major        uint16
	Minor        uint16
	MaxSize      uint16
	PatchMaxSize uint16
	LPMSize      uint16
	FPMSize      uint16
	LPMBadCRC    bool
	FPMBadCRC    bool
	NVMType      uint8
}

// parseNVMInfo decodes the payload of a GET_PATCH_VERSION response
func parseNVMInfo(payload []byte) (NVMInfo, error) {
	if len(payload) < patchVersionRspLen {
		return NVMInfo{}, NewPatchError(AbortProtocol, fmt.Sprintf("GET_PATCH_VERSION response too short: %d bytes", len(payload)))
	}
	info := NVMInfo{
		ProjectID: binary.LittleEndian.Uint16(payload[0:2]),
	}
	// payload[2] is reserved
	verLen := int(payload[3])
	if verLen > chipVersionLen {
		verLen = chipVersionLen
	}
	ver := payload[4 : 4+verLen]
	if i := bytes.IndexByte(ver, 0); i >= 0 {
		ver = ver[:i]
	}
	info.ChipVersion = string(ver)

	p := payload[4+chipVersionLen:]
	info.Major = binary.LittleEndian.Uint16(p[0:2])
	info.Minor = binary.LittleEndian.Uint16(p[2:4])
	info.MaxSize = binary.LittleEndian.Uint16(p[4:6])
	info.PatchMaxSize = binary.LittleEndian.Uint16(p[6:8])
	info.LPMSize = binary.LittleEndian.Uint16(p[8:10])
	info.FPMSize = binary.LittleEndian.Uint16(p[10:12])
	info.LPMBadCRC = p[12] != 0
	info.FPMBadCRC = p[13] != 0
	info.NVMType = p[14]
	return info, nil
}

// HasNVM reports whether the controller has non-volatile patch storage
func (n NVMInfo) HasNVM() bool {
	return n.NVMType != NVMTypeNone
}

// PatchPresent reports whether any patch is stored in NVM
func (n NVMInfo) PatchPresent() bool {
	return n.ProjectID != 0 && (n.LPMSize > 0 || n.FPMSize > 0)
}

// GoodMask returns one bit per power mode whose stored patch passes its CRC
func (n NVMInfo) GoodMask() uint32 {
	var mask uint32
	if n.LPMSize > 0 && !n.LPMBadCRC {
		mask |= 1 << PowerModeLPM
	}
	if n.FPMSize > 0 && !n.FPMBadCRC {
		mask |= 1 << PowerModeFPM
	}
	return mask
}

// String returns a short description for log output
func (n NVMInfo) String() string {
	return fmt.Sprintf("project=0x%04X chip=%q ver=%d.%d lpm=%d(bad=%v) fpm=%d(bad=%v) nvm=%d",
		n.ProjectID, n.ChipVersion, n.Major, n.Minor, n.LPMSize, n.LPMBadCRC, n.FPMSize, n.FPMBadCRC, n.NVMType)
}
