package knxnetip

import (
	"encoding/binary"
	"fmt"
)

// MessageCode identifies the cEMI frame's service and direction.
type MessageCode uint8

const (
	LDataReq   MessageCode = 0x11
	LDataCon   MessageCode = 0x2E
	LDataInd   MessageCode = 0x29
	LBusmonInd MessageCode = 0x2B
	LRawReq    MessageCode = 0x10
	LRawInd    MessageCode = 0x2D
	LRawCon    MessageCode = 0x2F
)

func (m MessageCode) String() string {
	switch m {
	case LDataReq:
		return "L_Data.req"
	case LDataCon:
		return "L_Data.con"
	case LDataInd:
		return "L_Data.ind"
	case LBusmonInd:
		return "L_Busmon.ind"
	case LRawReq:
		return "L_Raw.req"
	case LRawInd:
		return "L_Raw.ind"
	case LRawCon:
		return "L_Raw.con"
	default:
		return fmt.Sprintf("MC(0x%02X)", uint8(m))
	}
}

// AdditionalInfo is a single TLV entry from a cEMI frame's additional
// information block. BusMonitor timestamps are the only type this codec
// interprets (TypeID 0x03); everything else is preserved as opaque Data.
type AdditionalInfo struct {
	TypeID byte
	Data   []byte
}

const additionalInfoBusmonTimestamp = 0x03

// ControlField1 is the first cEMI control octet: frame type, repeat
// flag, broadcast type, priority, acknowledge request, and confirm.
type ControlField1 struct {
	StandardFrame bool
	Repeat        bool
	Broadcast     bool // true = system broadcast, false = domain broadcast... carried verbatim
	Priority      uint8
	AckRequested  bool
	Error         bool // confirm bit on L_Data.con: true = negative confirm
}

func decodeControlField1(b byte) ControlField1 {
	return ControlField1{
		StandardFrame: b&0x80 != 0,
		Repeat:        b&0x20 == 0, // 0 = repeat on error, matches KNX polarity
		Broadcast:     b&0x10 != 0,
		Priority:      (b >> 2) & 0x03,
		AckRequested:  b&0x02 != 0,
		Error:         b&0x01 != 0,
	}
}

func (c ControlField1) encode() byte {
	var b byte
	if c.StandardFrame {
		b |= 0x80
	}
	if !c.Repeat {
		b |= 0x20
	}
	if c.Broadcast {
		b |= 0x10
	}
	b |= (c.Priority & 0x03) << 2
	if c.AckRequested {
		b |= 0x02
	}
	if c.Error {
		b |= 0x01
	}
	return b
}

// ControlField2 is the second cEMI control octet: destination address
// type, hop count, and extended frame format.
type ControlField2 struct {
	GroupAddress bool // true = destination is a group address
	HopCount     uint8
	ExtFormat    uint8
}

func decodeControlField2(b byte) ControlField2 {
	return ControlField2{
		GroupAddress: b&0x80 != 0,
		HopCount:     (b >> 4) & 0x07,
		ExtFormat:    b & 0x0F,
	}
}

func (c ControlField2) encode() byte {
	var b byte
	if c.GroupAddress {
		b |= 0x80
	}
	b |= (c.HopCount & 0x07) << 4
	b |= c.ExtFormat & 0x0F
	return b
}

// CEMIFrame is a decoded common External Message Interface frame: an
// L_Data/L_Raw frame carrying a TPCI/APCI payload addressed to an
// individual or group address, or an L_Busmon.ind carrying a raw bus
// frame instead.
type CEMIFrame struct {
	MessageCode MessageCode
	AddInfo     []AdditionalInfo

	Control1 ControlField1
	Control2 ControlField2
	Source   uint16
	Dest     uint16

	TPCI TPCI
	APCI APCI

	// RawFrame holds the raw FT1.2 bytes for LBusmonInd; nil otherwise.
	RawFrame []byte

	// BusmonTimestamp is the decoded additional-info timestamp, when
	// present (0 if absent).
	BusmonTimestamp uint32
}

const cemiFixedHeaderLen = 2 // message code + additional-info length

func DecodeCEMI(b []byte) (CEMIFrame, error) {
	if len(b) < cemiFixedHeaderLen {
		return CEMIFrame{}, fmt.Errorf("%w: cEMI frame too short (%d bytes)", ErrDecode, len(b))
	}
	f := CEMIFrame{MessageCode: MessageCode(b[0])}
	addLen := int(b[1])
	if len(b) < cemiFixedHeaderLen+addLen {
		return CEMIFrame{}, fmt.Errorf("%w: cEMI additional-info length %d exceeds frame", ErrDecode, addLen)
	}
	rest := b[cemiFixedHeaderLen:]
	addInfo, rest, err := decodeAdditionalInfo(rest, addLen)
	if err != nil {
		return CEMIFrame{}, err
	}
	f.AddInfo = addInfo
	for _, ai := range addInfo {
		if ai.TypeID == additionalInfoBusmonTimestamp && len(ai.Data) >= 4 { //nolint:mnd // 32-bit timestamp
			f.BusmonTimestamp = binary.BigEndian.Uint32(ai.Data)
		}
	}

	if f.MessageCode == LBusmonInd {
		f.RawFrame = append([]byte(nil), rest...)
		return f, nil
	}

	const minLDataRest = 1 + 1 + 2 + 2 + 1 // ctrl1 + ctrl2 + src + dst + npdu-len
	if len(rest) < minLDataRest {
		return CEMIFrame{}, fmt.Errorf("%w: L_Data body too short (%d bytes)", ErrDecode, len(rest))
	}
	f.Control1 = decodeControlField1(rest[0])
	f.Control2 = decodeControlField2(rest[1])
	f.Source = binary.BigEndian.Uint16(rest[2:4])
	f.Dest = binary.BigEndian.Uint16(rest[4:6])
	npduLen := int(rest[6])
	tpduStart := 7
	if len(rest) < tpduStart+npduLen {
		return CEMIFrame{}, fmt.Errorf("%w: NPDU length %d exceeds frame", ErrDecode, npduLen)
	}
	tpdu := rest[tpduStart : tpduStart+npduLen]
	if len(tpdu) == 0 {
		return CEMIFrame{}, fmt.Errorf("%w: empty TPDU", ErrDecode)
	}
	tpci, apciHigh := decodeTPCI(tpdu[0])
	f.TPCI = tpci
	if !tpci.IsControl() {
		apci, err := decodeAPCI(apciHigh, tpdu[1:])
		if err != nil {
			return CEMIFrame{}, err
		}
		f.APCI = apci
	}
	return f, nil
}

func decodeAdditionalInfo(b []byte, totalLen int) ([]AdditionalInfo, []byte, error) {
	block := b[:totalLen]
	rest := b[totalLen:]
	var infos []AdditionalInfo
	for len(block) > 0 {
		if len(block) < 2 { //nolint:mnd // TLV type byte + length byte
			return nil, nil, fmt.Errorf("%w: truncated additional-info TLV", ErrDecode)
		}
		typ := block[0]
		length := int(block[1])
		if len(block) < 2+length {
			return nil, nil, fmt.Errorf("%w: additional-info TLV length %d exceeds block", ErrDecode, length)
		}
		infos = append(infos, AdditionalInfo{TypeID: typ, Data: append([]byte(nil), block[2:2+length]...)})
		block = block[2+length:]
	}
	return infos, rest, nil
}

func (f CEMIFrame) Encode() []byte {
	var addInfo []byte
	for _, ai := range f.AddInfo {
		addInfo = append(addInfo, ai.TypeID, byte(len(ai.Data))) //nolint:gosec // TLV data is always small
		addInfo = append(addInfo, ai.Data...)
	}

	if f.MessageCode == LBusmonInd {
		buf := make([]byte, 0, cemiFixedHeaderLen+len(addInfo)+len(f.RawFrame))
		buf = append(buf, byte(f.MessageCode), byte(len(addInfo))) //nolint:gosec // additional-info is always small
		buf = append(buf, addInfo...)
		buf = append(buf, f.RawFrame...)
		return buf
	}

	var tpdu []byte
	if f.TPCI.IsControl() {
		tpdu = []byte{encodeTPCI(f.TPCI, 0)}
	} else {
		apciHigh, payload := encodeAPCI(f.APCI)
		tpdu = append([]byte{encodeTPCI(f.TPCI, apciHigh)}, payload...)
	}

	buf := make([]byte, 0, cemiFixedHeaderLen+len(addInfo)+7+len(tpdu))
	buf = append(buf, byte(f.MessageCode), byte(len(addInfo))) //nolint:gosec // additional-info is always small
	buf = append(buf, addInfo...)
	buf = append(buf, f.Control1.encode(), f.Control2.encode())
	buf = binary.BigEndian.AppendUint16(buf, f.Source)
	buf = binary.BigEndian.AppendUint16(buf, f.Dest)
	buf = append(buf, byte(len(tpdu))) //nolint:gosec // NPDU bounded by KNX max frame size
	buf = append(buf, tpdu...)
	return buf
}
