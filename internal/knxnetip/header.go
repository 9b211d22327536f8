package knxnetip

import (
	"encoding/binary"
	"fmt"
)

// Fixed KNXnet/IP header layout: header-length(1) + protocol-version(1) +
// service-identifier(2) + total-length(2), all big-endian.
const (
	headerLen       = 6
	protocolVersion = 0x10
)

// ServiceID identifies the body format of a KNXnet/IP frame.
type ServiceID uint16

// Recognized service identifiers (exhaustive for this codec).
const (
	SearchRequest         ServiceID = 0x0201
	SearchResponse        ServiceID = 0x0202
	DescriptionRequest    ServiceID = 0x0203
	DescriptionResponse   ServiceID = 0x0204
	ConnectRequest        ServiceID = 0x0205
	ConnectResponse       ServiceID = 0x0206
	ConnectionstateRequest  ServiceID = 0x0207
	ConnectionstateResponse ServiceID = 0x0208
	DisconnectRequest     ServiceID = 0x0209
	DisconnectResponse    ServiceID = 0x020A
	TunnellingRequest     ServiceID = 0x0420
	TunnellingAck         ServiceID = 0x0421
	RoutingIndication     ServiceID = 0x0530
	RoutingLostMessage    ServiceID = 0x0531
)

func (s ServiceID) String() string {
	switch s {
	case SearchRequest:
		return "SEARCH_REQUEST"
	case SearchResponse:
		return "SEARCH_RESPONSE"
	case DescriptionRequest:
		return "DESCRIPTION_REQUEST"
	case DescriptionResponse:
		return "DESCRIPTION_RESPONSE"
	case ConnectRequest:
		return "CONNECT_REQUEST"
	case ConnectResponse:
		return "CONNECT_RESPONSE"
	case ConnectionstateRequest:
		return "CONNECTIONSTATE_REQUEST"
	case ConnectionstateResponse:
		return "CONNECTIONSTATE_RESPONSE"
	case DisconnectRequest:
		return "DISCONNECT_REQUEST"
	case DisconnectResponse:
		return "DISCONNECT_RESPONSE"
	case TunnellingRequest:
		return "TUNNELLING_REQUEST"
	case TunnellingAck:
		return "TUNNELLING_ACK"
	case RoutingIndication:
		return "ROUTING_INDICATION"
	case RoutingLostMessage:
		return "ROUTING_LOST_MESSAGE"
	default:
		return fmt.Sprintf("SERVICE(0x%04X)", uint16(s))
	}
}

// header is the fixed 6-byte preamble of every KNXnet/IP frame.
type header struct {
	service ServiceID
	total   uint16 // total length, including the header itself
}

func decodeHeader(b []byte) (header, []byte, error) {
	if len(b) < headerLen {
		return header{}, nil, fmt.Errorf("%w: short header (%d bytes)", ErrDecode, len(b))
	}
	if b[0] != headerLen {
		return header{}, nil, fmt.Errorf("%w: unexpected header length 0x%02X", ErrDecode, b[0])
	}
	if b[1] != protocolVersion {
		return header{}, nil, fmt.Errorf("%w: unsupported protocol version 0x%02X", ErrDecode, b[1])
	}
	h := header{
		service: ServiceID(binary.BigEndian.Uint16(b[2:4])),
		total:   binary.BigEndian.Uint16(b[4:6]),
	}
	if int(h.total) != len(b) {
		return header{}, nil, fmt.Errorf("%w: declared length %d does not match datagram length %d", ErrDecode, h.total, len(b))
	}
	return h, b[headerLen:], nil
}

func encodeHeader(service ServiceID, bodyLen int) []byte {
	total := headerLen + bodyLen
	buf := make([]byte, headerLen, total) //nolint:mnd // sized to the fixed header plus body
	buf[0] = headerLen
	buf[1] = protocolVersion
	binary.BigEndian.PutUint16(buf[2:4], uint16(service))
	binary.BigEndian.PutUint16(buf[4:6], uint16(total)) //nolint:gosec // total bounded by UDP datagram size
	return buf
}
