package hal

import (
	"encoding/binary"
	"fmt"
)

// NCI message types and bit positions
const (
	nciMsgTypeBit          = 5
	nciMsgTypeData         = 0
	nciMsgTypeCommand      = 1
	nciMsgTypeResponse     = 2
	nciMsgTypeNotification = 3

	nciPBF       uint8 = 0x10 // Packet Boundary Flag: more fragments follow
	nciHeaderLen       = 3
	nciMaxPayload      = 255
)

// NCI Groups
const (
	nciGroupCore uint8 = 0x00
	nciGroupProp uint8 = 0x0F
)

// NCI Core commands (OID)
const (
	nciCoreReset       uint8 = 0x00
	nciCoreConnCredits uint8 = 0x06
)

// NCI proprietary commands (OID)
const (
	nciPropGetPatchVersionOID uint8 = 0x2D
	nciPropSecurePatchDlOID   uint8 = 0x2E
)

// NCI status codes
const (
	nciStatusOK uint8 = 0x00
)

// Secure patch download chunk types
const (
	spdTypeSource    uint8 = 0x01
	spdTypeSignature uint8 = 0x02
)

// Secure patch download error codes reported by the controller
const (
	spdErrDest         uint8 = 0xA0
	spdErrProjectID    uint8 = 0xA1
	spdErrChipVer      uint8 = 0xA2
	spdErrMajorVer     uint8 = 0xA3
	spdErrInvalidParam uint8 = 0xA4
	spdErrInvalidSig   uint8 = 0xA5
	spdErrNVMCorrupted uint8 = 0xA6
	spdErrPowerMode    uint8 = 0xA7
	spdErrMsgLen       uint8 = 0xA8
	spdErrPatchSize    uint8 = 0xA9
)

// spdStatusString names a secure patch download status for log output
func spdStatusString(status uint8) string {
	switch status {
	case nciStatusOK:
		return "OK"
	case spdErrDest:
		return "DEST"
	case spdErrProjectID:
		return "PROJECTID"
	case spdErrChipVer:
		return "CHIPVER"
	case spdErrMajorVer:
		return "MAJORVER"
	case spdErrInvalidParam:
		return "INVALID_PARAM"
	case spdErrInvalidSig:
		return "INVALID_SIG"
	case spdErrNVMCorrupted:
		return "NVM_CORRUPTED"
	case spdErrPowerMode:
		return "PWR_MODE"
	case spdErrMsgLen:
		return "MSG_LEN"
	case spdErrPatchSize:
		return "PATCHSIZE"
	default:
		return fmt.Sprintf("0x%02X", status)
	}
}

// HCI packet indicators used by the single-channel framing
const (
	hciTypeCommand uint8 = 0x01
	hciTypeACL     uint8 = 0x02
	hciTypeEvent   uint8 = 0x04
	hciTypeNCI     uint8 = 0x10
)

// HCI header sizes and events
const (
	hciCommandHeaderLen = 3 // opcode(2) + length(1)
	hciEventHeaderLen   = 2 // event code(1) + length(1)
	hciACLHeaderLen     = 4 // handle(2) + length(2)

	hciEvtCommandComplete uint8 = 0x0E
	hciEvtCommandStatus   uint8 = 0x0F

	hciOpReset uint16 = 0x0C03
)

// NCI Packet Header
type nciHeader struct {
	MT_PBF_GID uint8 // Message Type (3 bits) | Packet Boundary Flag (1 bit) | Group ID (4 bits)
	OID        uint8 // Opcode ID (6 bits)
	Length     uint8
}

// buildNCIHeader creates an NCI header
func buildNCIHeader(mt, gid, oid uint8, length uint8) nciHeader {
	return nciHeader{
		MT_PBF_GID: ((mt & 0x07) << nciMsgTypeBit) | (gid & 0x0F),
		OID:        oid & 0x3F,
		Length:     length,
	}
}

// buildNCIPacket creates a complete NCI packet
func buildNCIPacket(header nciHeader, payload []byte) []byte {
	packet := make([]byte, nciHeaderLen+len(payload))
	packet[0] = header.MT_PBF_GID
	packet[1] = header.OID
	packet[2] = header.Length
	copy(packet[nciHeaderLen:], payload)
	return packet
}

// parseNCIHeader parses an NCI header from raw bytes
func parseNCIHeader(data []byte) (nciHeader, error) {
	if len(data) < nciHeaderLen {
		return nciHeader{}, NewFramingInvalidHeaderError("insufficient data for NCI header")
	}
	return nciHeader{
		MT_PBF_GID: data[0],
		OID:        data[1],
		Length:     data[2],
	}, nil
}

func (h nciHeader) messageType() uint8 {
	return nciMessageType(h.MT_PBF_GID)
}

func (h nciHeader) gid() uint8 {
	return h.MT_PBF_GID & 0x0F
}

func (h nciHeader) oid() uint8 {
	return h.OID & 0x3F
}

func nciMessageType(b0 uint8) uint8 {
	return (b0 >> nciMsgTypeBit) & 0x07
}

// nciSignature identifies a command and the response that answers it
func nciSignature(b0, b1 uint8) uint16 {
	return uint16(b0&0x0F)<<8 | uint16(b1&0x3F)
}

// nciFragmentKey identifies the fragments of one segmented message
func nciFragmentKey(b0, b1 uint8) uint16 {
	return uint16(b0&^nciPBF)<<8 | uint16(b1)
}

// isNCIMessage reports whether msg is an NCI message of the given type, group and opcode
func isNCIMessage(msg []byte, mt, gid, oid uint8) bool {
	h, err := parseNCIHeader(msg)
	if err != nil {
		return false
	}
	return h.messageType() == mt && h.gid() == gid && h.oid() == oid
}

// NCI Core Reset Commands
func buildCoreReset() []byte {
	header := buildNCIHeader(nciMsgTypeCommand, nciGroupCore, nciCoreReset, 1)
	return buildNCIPacket(header, []byte{0x01})
}

// buildGetPatchVersion queries the patch state of the controller NVM
func buildGetPatchVersion() []byte {
	header := buildNCIHeader(nciMsgTypeCommand, nciGroupProp, nciPropGetPatchVersionOID, 0)
	return buildNCIPacket(header, nil)
}

// buildSecurePatchDownload wraps one patch chunk
func buildSecurePatchDownload(chunkType uint8, data []byte) []byte {
	payload := make([]byte, 1+len(data))
	payload[0] = chunkType
	copy(payload[1:], data)
	header := buildNCIHeader(nciMsgTypeCommand, nciGroupProp, nciPropSecurePatchDlOID, uint8(len(payload)))
	return buildNCIPacket(header, payload)
}

// Response parsing functions
type nciResponse struct {
	Status  uint8
	Payload []byte
}

func parseNCIResponse(data []byte) (*nciResponse, error) {
	header, err := parseNCIHeader(data)
	if err != nil {
		return nil, err
	}

	if len(data) < nciHeaderLen+int(header.Length) {
		return nil, NewFramingInvalidHeaderError("incomplete NCI message")
	}

	// Responses and notifications of the proprietary group carry a status byte first
	mt := header.messageType()
	if mt == nciMsgTypeResponse || (mt == nciMsgTypeNotification && header.gid() == nciGroupProp) {
		if header.Length < 1 {
			return nil, NewFramingInvalidHeaderError("invalid response length")
		}
		payload := make([]byte, int(header.Length)-1)
		copy(payload, data[nciHeaderLen+1:nciHeaderLen+int(header.Length)])
		return &nciResponse{
			Status:  data[nciHeaderLen],
			Payload: payload,
		}, nil
	}

	payload := make([]byte, int(header.Length))
	copy(payload, data[nciHeaderLen:nciHeaderLen+int(header.Length)])
	return &nciResponse{
		Status:  nciStatusOK,
		Payload: payload,
	}, nil
}

// Helper function to check if a response indicates success
func isSuccessResponse(resp *nciResponse) bool {
	return resp.Status == nciStatusOK
}

// buildHCICommand creates an HCI command packet
func buildHCICommand(opcode uint16, params []byte) []byte {
	packet := make([]byte, hciCommandHeaderLen+len(params))
	binary.LittleEndian.PutUint16(packet[0:2], opcode)
	packet[2] = uint8(len(params))
	copy(packet[hciCommandHeaderLen:], params)
	return packet
}

// hciCommandCredits extracts the command credits granted by a Command
// Complete or Command Status event together with the acknowledged opcode.
func hciCommandCredits(evt []byte) (credits int, opcode uint16, ok bool) {
	if len(evt) < hciEventHeaderLen {
		return 0, 0, false
	}
	params := evt[hciEventHeaderLen:]
	switch evt[0] {
	case hciEvtCommandComplete:
		// num_hci_command_packets(1) opcode(2) return parameters
		if len(params) < 3 {
			return 0, 0, false
		}
		return int(params[0]), binary.LittleEndian.Uint16(params[1:3]), true
	case hciEvtCommandStatus:
		// status(1) num_hci_command_packets(1) opcode(2)
		if len(params) < 4 {
			return 0, 0, false
		}
		return int(params[1]), binary.LittleEndian.Uint16(params[2:4]), true
	default:
		return 0, 0, false
	}
}
