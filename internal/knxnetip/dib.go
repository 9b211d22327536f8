package knxnetip

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DIBType identifies the payload format of a Description Information Block.
type DIBType uint8

const (
	DIBDeviceInfo        DIBType = 0x01
	DIBSuppSvcFamilies   DIBType = 0x02
	DIBIPConfig          DIBType = 0x03
	DIBIPCurConfig       DIBType = 0x04
	DIBKNXAddresses      DIBType = 0x05
	DIBMfrData           DIBType = 0xFE
)

// DIB is a single decoded Description Information Block. Exactly one of
// the typed fields is populated, matching Type; unrecognized types carry
// their payload verbatim in Raw.
type DIB struct {
	Type DIBType

	DeviceInfo      *DeviceInfoDIB
	SuppSvcFamilies *SuppSvcFamiliesDIB
	IPConfig        *IPConfigDIB
	IPCurConfig     *IPCurConfigDIB
	KNXAddresses    *KNXAddressesDIB
	Raw             []byte
}

// DeviceInfoDIB describes the responding device itself.
type DeviceInfoDIB struct {
	MediumCode        byte
	Status            byte
	IndividualAddress uint16
	ProjectInstallID  uint16
	SerialNumber      [6]byte
	MulticastAddress  net.IP
	MAC               [6]byte
	FriendlyName      string
}

const deviceInfoBodyLen = 52

// SuppSvcFamiliesDIB lists the KNXnet/IP service families the device
// supports, each as a (family ID, version) pair.
type SuppSvcFamiliesDIB struct {
	Families []ServiceFamily
}

// ServiceFamily is one supported-service-family entry.
type ServiceFamily struct {
	ID      byte
	Version byte
}

// IPConfigDIB carries the device's static IP configuration.
type IPConfigDIB struct {
	IPAddress      net.IP
	SubnetMask     net.IP
	DefaultGateway net.IP
	Capabilities   byte
	AssignMethod   byte
}

const ipConfigBodyLen = 14

// IPCurConfigDIB carries the device's current (possibly DHCP-assigned) IP
// configuration.
type IPCurConfigDIB struct {
	CurrentIPAddress      net.IP
	CurrentSubnetMask     net.IP
	CurrentDefaultGateway net.IP
	DHCPServer            net.IP
	AssignMethod          byte
}

const ipCurConfigBodyLen = 18

// KNXAddressesDIB lists additional individual addresses the device can
// be reached at (beyond the one in DeviceInfoDIB).
type KNXAddressesDIB struct {
	Addresses []uint16
}

// decodeDIBs parses a sequence of back-to-back DIBs until b is exhausted.
func decodeDIBs(b []byte) ([]DIB, error) {
	var dibs []DIB
	for len(b) > 0 {
		if len(b) < 2 { //nolint:mnd // DIB length + type byte
			return nil, fmt.Errorf("%w: trailing %d bytes too short for a DIB", ErrDecode, len(b))
		}
		length := int(b[0])
		if length < 2 || length > len(b) {
			return nil, fmt.Errorf("%w: DIB length %d out of range (have %d)", ErrDecode, length, len(b))
		}
		typ := DIBType(b[1])
		body := b[2:length]
		dib, err := decodeDIB(typ, body)
		if err != nil {
			return nil, err
		}
		dibs = append(dibs, dib)
		b = b[length:]
	}
	return dibs, nil
}

func decodeDIB(typ DIBType, body []byte) (DIB, error) {
	switch typ {
	case DIBDeviceInfo:
		di, err := decodeDeviceInfo(body)
		if err != nil {
			return DIB{}, err
		}
		return DIB{Type: typ, DeviceInfo: &di}, nil
	case DIBSuppSvcFamilies:
		return DIB{Type: typ, SuppSvcFamilies: decodeSuppSvcFamilies(body)}, nil
	case DIBIPConfig:
		ic, err := decodeIPConfig(body)
		if err != nil {
			return DIB{}, err
		}
		return DIB{Type: typ, IPConfig: &ic}, nil
	case DIBIPCurConfig:
		ic, err := decodeIPCurConfig(body)
		if err != nil {
			return DIB{}, err
		}
		return DIB{Type: typ, IPCurConfig: &ic}, nil
	case DIBKNXAddresses:
		return DIB{Type: typ, KNXAddresses: decodeKNXAddresses(body)}, nil
	default:
		raw := make([]byte, len(body))
		copy(raw, body)
		return DIB{Type: typ, Raw: raw}, nil
	}
}

func decodeDeviceInfo(b []byte) (DeviceInfoDIB, error) {
	if len(b) < deviceInfoBodyLen {
		return DeviceInfoDIB{}, fmt.Errorf("%w: DEVICE_INFO body too short (%d bytes)", ErrDecode, len(b))
	}
	di := DeviceInfoDIB{
		MediumCode:        b[0],
		Status:            b[1],
		IndividualAddress: binary.BigEndian.Uint16(b[2:4]),
		ProjectInstallID:  binary.BigEndian.Uint16(b[4:6]),
	}
	copy(di.SerialNumber[:], b[6:12])
	mcast := make(net.IP, net.IPv4len)
	copy(mcast, b[12:16])
	di.MulticastAddress = mcast
	copy(di.MAC[:], b[16:22])
	name := b[22:52]
	end := len(name)
	for i, c := range name {
		if c == 0 {
			end = i
			break
		}
	}
	di.FriendlyName = string(name[:end])
	return di, nil
}

func (di DeviceInfoDIB) encode() []byte {
	body := make([]byte, deviceInfoBodyLen)
	body[0] = di.MediumCode
	body[1] = di.Status
	binary.BigEndian.PutUint16(body[2:4], di.IndividualAddress)
	binary.BigEndian.PutUint16(body[4:6], di.ProjectInstallID)
	copy(body[6:12], di.SerialNumber[:])
	if ip4 := di.MulticastAddress.To4(); ip4 != nil {
		copy(body[12:16], ip4)
	}
	copy(body[16:22], di.MAC[:])
	copy(body[22:52], di.FriendlyName)
	return withDIBHeader(DIBDeviceInfo, body)
}

func decodeSuppSvcFamilies(b []byte) *SuppSvcFamiliesDIB {
	d := &SuppSvcFamiliesDIB{}
	for i := 0; i+1 < len(b); i += 2 {
		d.Families = append(d.Families, ServiceFamily{ID: b[i], Version: b[i+1]})
	}
	return d
}

func (d SuppSvcFamiliesDIB) encode() []byte {
	body := make([]byte, 0, len(d.Families)*2) //nolint:mnd // 2 bytes per family entry
	for _, f := range d.Families {
		body = append(body, f.ID, f.Version)
	}
	return withDIBHeader(DIBSuppSvcFamilies, body)
}

func decodeIPConfig(b []byte) (IPConfigDIB, error) {
	if len(b) < ipConfigBodyLen {
		return IPConfigDIB{}, fmt.Errorf("%w: IP_CONFIG body too short (%d bytes)", ErrDecode, len(b))
	}
	return IPConfigDIB{
		IPAddress:      copyIPv4(b[0:4]),
		SubnetMask:     copyIPv4(b[4:8]),
		DefaultGateway: copyIPv4(b[8:12]),
		Capabilities:   b[12],
		AssignMethod:   b[13],
	}, nil
}

func (ic IPConfigDIB) encode() []byte {
	body := make([]byte, ipConfigBodyLen)
	putIPv4(body[0:4], ic.IPAddress)
	putIPv4(body[4:8], ic.SubnetMask)
	putIPv4(body[8:12], ic.DefaultGateway)
	body[12] = ic.Capabilities
	body[13] = ic.AssignMethod
	return withDIBHeader(DIBIPConfig, body)
}

func decodeIPCurConfig(b []byte) (IPCurConfigDIB, error) {
	if len(b) < ipCurConfigBodyLen {
		return IPCurConfigDIB{}, fmt.Errorf("%w: IP_CUR_CONFIG body too short (%d bytes)", ErrDecode, len(b))
	}
	return IPCurConfigDIB{
		CurrentIPAddress:      copyIPv4(b[0:4]),
		CurrentSubnetMask:     copyIPv4(b[4:8]),
		CurrentDefaultGateway: copyIPv4(b[8:12]),
		DHCPServer:            copyIPv4(b[12:16]),
		AssignMethod:          b[16],
	}, nil
}

func (ic IPCurConfigDIB) encode() []byte {
	body := make([]byte, ipCurConfigBodyLen)
	putIPv4(body[0:4], ic.CurrentIPAddress)
	putIPv4(body[4:8], ic.CurrentSubnetMask)
	putIPv4(body[8:12], ic.CurrentDefaultGateway)
	putIPv4(body[12:16], ic.DHCPServer)
	body[16] = ic.AssignMethod
	return withDIBHeader(DIBIPCurConfig, body)
}

func decodeKNXAddresses(b []byte) *KNXAddressesDIB {
	d := &KNXAddressesDIB{}
	for i := 0; i+1 < len(b); i += 2 {
		d.Addresses = append(d.Addresses, binary.BigEndian.Uint16(b[i:i+2]))
	}
	return d
}

func (d KNXAddressesDIB) encode() []byte {
	body := make([]byte, len(d.Addresses)*2) //nolint:mnd // 2 bytes per individual address
	for i, a := range d.Addresses {
		binary.BigEndian.PutUint16(body[i*2:i*2+2], a)
	}
	return withDIBHeader(DIBKNXAddresses, body)
}

func withDIBHeader(typ DIBType, body []byte) []byte {
	buf := make([]byte, 2+len(body)) //nolint:mnd // DIB length + type byte precede the body
	buf[0] = byte(2 + len(body))     //nolint:gosec // DIB bodies are small, fixed-size structures
	buf[1] = byte(typ)
	copy(buf[2:], body)
	return buf
}

func copyIPv4(b []byte) net.IP {
	ip := make(net.IP, net.IPv4len)
	copy(ip, b)
	return ip
}

func putIPv4(dst []byte, ip net.IP) {
	if ip4 := ip.To4(); ip4 != nil {
		copy(dst, ip4)
	}
}

// Encode serializes a DIB back to wire format, dispatching on Type.
func (d DIB) Encode() []byte {
	switch d.Type {
	case DIBDeviceInfo:
		if d.DeviceInfo != nil {
			return d.DeviceInfo.encode()
		}
	case DIBSuppSvcFamilies:
		if d.SuppSvcFamilies != nil {
			return d.SuppSvcFamilies.encode()
		}
	case DIBIPConfig:
		if d.IPConfig != nil {
			return d.IPConfig.encode()
		}
	case DIBIPCurConfig:
		if d.IPCurConfig != nil {
			return d.IPCurConfig.encode()
		}
	case DIBKNXAddresses:
		if d.KNXAddresses != nil {
			return d.KNXAddresses.encode()
		}
	}
	return withDIBHeader(d.Type, d.Raw)
}
