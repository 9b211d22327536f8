package knxnetip

import "fmt"

// TPCIType is the 2-bit transport layer frame class.
type TPCIType uint8

const (
	// TUDT carries unnumbered data (used for group writes/reads, no
	// transport connection required).
	TUDT TPCIType = 0b00
	// TNDT carries numbered data within an established transport
	// connection; Seq must be acked.
	TNDT TPCIType = 0b01
	// TUCD is an unnumbered control PDU: T_Connect or T_Disconnect.
	TUCD TPCIType = 0b10
	// TNCD is a numbered control PDU: T_Ack or T_Nak.
	TNCD TPCIType = 0b11
)

// TPCIControl is the 2-bit control code carried by UCD/NCD frames.
type TPCIControl uint8

const (
	ControlConnect    TPCIControl = 0b00
	ControlDisconnect TPCIControl = 0b01
	ControlAck        TPCIControl = 0b10
	ControlNak        TPCIControl = 0b11
)

// TPCI is the transport-layer control header of a bus-layer PDU. For
// UDT/NDT frames it also carries the top two bits of the 10-bit APCI
// service code (see apci.go); for UCD/NCD frames Control is meaningful
// instead and there is no APCI/payload.
type TPCI struct {
	Type    TPCIType
	Seq     uint8 // 4 bits, valid for NDT and NCD
	Control TPCIControl
}

func (t TPCI) IsNumbered() bool {
	return t.Type == TNDT || t.Type == TNCD
}

func (t TPCI) IsControl() bool {
	return t.Type == TUCD || t.Type == TNCD
}

func (t TPCI) String() string {
	switch t.Type {
	case TUDT:
		return "UDT"
	case TNDT:
		return fmt.Sprintf("NDT(seq=%d)", t.Seq)
	case TUCD:
		if t.Control == ControlConnect {
			return "UCD(connect)"
		}
		return "UCD(disconnect)"
	case TNCD:
		if t.Control == ControlAck {
			return fmt.Sprintf("NCD(ack,seq=%d)", t.Seq)
		}
		return fmt.Sprintf("NCD(nak,seq=%d)", t.Seq)
	default:
		return "TPCI(?)"
	}
}

// decodeTPCI splits the TPCI fields out of the first TPDU byte. The
// returned apciHigh holds bits 1-0 of that byte, which for UDT/NDT frames
// are the top two bits of the APCI service code.
func decodeTPCI(b byte) (tpci TPCI, apciHigh uint8) {
	tpci.Type = TPCIType(b >> 6)
	switch tpci.Type {
	case TUDT:
		apciHigh = b & 0x03
	case TNDT:
		tpci.Seq = (b >> 2) & 0x0F
		apciHigh = b & 0x03
	case TUCD:
		tpci.Control = TPCIControl(b & 0x03)
	case TNCD:
		tpci.Seq = (b >> 2) & 0x0F
		tpci.Control = TPCIControl(b & 0x03)
	}
	return tpci, apciHigh
}

// encodeTPCI packs the TPCI fields (and, for UDT/NDT, the top two APCI
// bits) into the first TPDU byte.
func encodeTPCI(tpci TPCI, apciHigh uint8) byte {
	b := byte(tpci.Type) << 6
	switch tpci.Type {
	case TUDT:
		b |= apciHigh & 0x03
	case TNDT:
		b |= (tpci.Seq & 0x0F) << 2
		b |= apciHigh & 0x03
	case TUCD:
		b |= byte(tpci.Control) & 0x03
	case TNCD:
		b |= (tpci.Seq & 0x0F) << 2
		b |= byte(tpci.Control) & 0x03
	}
	return b
}
