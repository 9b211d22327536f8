package knxnetip

import "fmt"

// ConnectionType identifies the kind of logical connection requested in a
// CONNECT_REQUEST's CRI.
type ConnectionType uint8

const (
	DeviceMgmtConnection ConnectionType = 0x03
	TunnelConnection     ConnectionType = 0x04
	RemlogConnection     ConnectionType = 0x06
	RemconfConnection    ConnectionType = 0x07
	ObjsvrConnection     ConnectionType = 0x08
)

// TunnelLayer selects the cEMI data link layer exposed by a tunnelling
// connection.
type TunnelLayer uint8

const (
	LinkLayer  TunnelLayer = 0x02
	RawLayer   TunnelLayer = 0x04
	Busmonitor TunnelLayer = 0x80
)

// ConnectStatus is the one-byte status code carried in CONNECT_RESPONSE,
// CONNECTIONSTATE_RESPONSE, and DISCONNECT_RESPONSE.
type ConnectStatus uint8

const (
	StatusNoError           ConnectStatus = 0x00
	StatusConnectionType    ConnectStatus = 0x22
	StatusConnectionOption  ConnectStatus = 0x23
	StatusNoMoreConnections ConnectStatus = 0x24
	StatusDataConnection    ConnectStatus = 0x26
	StatusKNXConnection     ConnectStatus = 0x27
	StatusTunnellingLayer   ConnectStatus = 0x29
)

func (s ConnectStatus) String() string {
	switch s {
	case StatusNoError:
		return "NO_ERROR"
	case StatusConnectionType:
		return "E_CONNECTION_TYPE"
	case StatusConnectionOption:
		return "E_CONNECTION_OPTION"
	case StatusNoMoreConnections:
		return "E_NO_MORE_CONNECTIONS"
	case StatusDataConnection:
		return "E_DATA_CONNECTION"
	case StatusKNXConnection:
		return "E_KNX_CONNECTION"
	case StatusTunnellingLayer:
		return "E_TUNNELLING_LAYER"
	default:
		return fmt.Sprintf("STATUS(0x%02X)", uint8(s))
	}
}

// CRI (Connection Request Information) selects the connection type and,
// for tunnelling connections, the requested data link layer.
type CRI struct {
	ConnType ConnectionType
	Layer    TunnelLayer // only meaningful when ConnType == TunnelConnection
}

const (
	criLenTunnel = 4
	criLenOther  = 2
)

func decodeCRI(b []byte) (CRI, []byte, error) {
	if len(b) < 2 { //nolint:mnd // length byte + type byte always present
		return CRI{}, nil, fmt.Errorf("%w: short CRI (%d bytes)", ErrDecode, len(b))
	}
	length := int(b[0])
	if length > len(b) {
		return CRI{}, nil, fmt.Errorf("%w: CRI declares %d bytes, have %d", ErrDecode, length, len(b))
	}
	cri := CRI{ConnType: ConnectionType(b[1])}
	if cri.ConnType == TunnelConnection {
		if length < criLenTunnel {
			return CRI{}, nil, fmt.Errorf("%w: tunnelling CRI too short (%d bytes)", ErrDecode, length)
		}
		cri.Layer = TunnelLayer(b[2])
	}
	return cri, b[length:], nil
}

func (c CRI) encode() []byte {
	if c.ConnType == TunnelConnection {
		return []byte{criLenTunnel, byte(c.ConnType), byte(c.Layer), 0x00}
	}
	return []byte{criLenOther, byte(c.ConnType)}
}

// CRD (Connection Response Information) echoes the connection type and
// carries the assigned individual address for tunnelling connections.
type CRD struct {
	ConnType         ConnectionType
	IndividualAddress uint16 // only meaningful when ConnType == TunnelConnection
}

func decodeCRD(b []byte) (CRD, []byte, error) {
	if len(b) < 2 { //nolint:mnd // length byte + type byte always present
		return CRD{}, nil, fmt.Errorf("%w: short CRD (%d bytes)", ErrDecode, len(b))
	}
	length := int(b[0])
	if length > len(b) {
		return CRD{}, nil, fmt.Errorf("%w: CRD declares %d bytes, have %d", ErrDecode, length, len(b))
	}
	crd := CRD{ConnType: ConnectionType(b[1])}
	if crd.ConnType == TunnelConnection && length >= criLenTunnel {
		crd.IndividualAddress = uint16(b[2])<<8 | uint16(b[3])
	}
	return crd, b[length:], nil
}

func (c CRD) encode() []byte {
	if c.ConnType == TunnelConnection {
		return []byte{
			criLenTunnel, byte(c.ConnType),
			byte(c.IndividualAddress >> 8), byte(c.IndividualAddress),
		}
	}
	return []byte{criLenOther, byte(c.ConnType)}
}
