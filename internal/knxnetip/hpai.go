package knxnetip

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	hpaiLen      = 8
	hostProtoUDP = 0x01
)

// HPAI (Host Protocol Address Information) describes a reachable UDP
// endpoint. It appears in Search, Connect, ConnectionState, and
// Disconnect service bodies.
type HPAI struct {
	IP   net.IP
	Port uint16
}

func decodeHPAI(b []byte) (HPAI, []byte, error) {
	if len(b) < hpaiLen {
		return HPAI{}, nil, fmt.Errorf("%w: short HPAI (%d bytes)", ErrDecode, len(b))
	}
	if b[0] != hpaiLen {
		return HPAI{}, nil, fmt.Errorf("%w: HPAI length field 0x%02X, want 0x%02X", ErrDecode, b[0], hpaiLen)
	}
	if b[1] != hostProtoUDP {
		return HPAI{}, nil, fmt.Errorf("%w: unsupported host protocol 0x%02X", ErrDecode, b[1])
	}
	ip := make(net.IP, net.IPv4len)
	copy(ip, b[2:6])
	h := HPAI{
		IP:   ip,
		Port: binary.BigEndian.Uint16(b[6:8]),
	}
	return h, b[hpaiLen:], nil
}

func (h HPAI) encode() []byte {
	buf := make([]byte, hpaiLen)
	buf[0] = hpaiLen
	buf[1] = hostProtoUDP
	ip4 := h.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(buf[2:6], ip4)
	binary.BigEndian.PutUint16(buf[6:8], h.Port)
	return buf
}

func (h HPAI) String() string {
	return fmt.Sprintf("%s:%d", h.IP, h.Port)
}
