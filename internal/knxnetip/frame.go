package knxnetip

import (
	"encoding/binary"
	"fmt"
)

// Frame is a tagged union over every KNXnet/IP service body this codec
// understands. Exactly one of the typed fields is populated, selected by
// Service.
type Frame struct {
	Service ServiceID

	SearchRequest         *SearchRequestBody
	SearchResponse        *SearchResponseBody
	DescriptionRequest    *DescriptionRequestBody
	DescriptionResponse   *DescriptionResponseBody
	ConnectRequest        *ConnectRequestBody
	ConnectResponse       *ConnectResponseBody
	ConnectionstateRequest  *ConnectionstateRequestBody
	ConnectionstateResponse *ConnectionstateResponseBody
	DisconnectRequest     *DisconnectRequestBody
	DisconnectResponse    *DisconnectResponseBody
	TunnellingRequest     *TunnellingRequestBody
	TunnellingAck         *TunnellingAckBody
	RoutingIndication     *RoutingIndicationBody
	RoutingLostMessage    *RoutingLostMessageBody
}

type SearchRequestBody struct {
	Discovery HPAI
}

type SearchResponseBody struct {
	Control HPAI
	DIBs    []DIB
}

type DescriptionRequestBody struct {
	Control HPAI
}

type DescriptionResponseBody struct {
	DIBs []DIB
}

type ConnectRequestBody struct {
	Control HPAI
	Data    HPAI
	CRI     CRI
}

type ConnectResponseBody struct {
	ChannelID uint8
	Status    ConnectStatus
	Data      HPAI
	CRD       CRD
}

type ConnectionstateRequestBody struct {
	ChannelID uint8
	Control   HPAI
}

type ConnectionstateResponseBody struct {
	ChannelID uint8
	Status    ConnectStatus
}

type DisconnectRequestBody struct {
	ChannelID uint8
	Control   HPAI
}

type DisconnectResponseBody struct {
	ChannelID uint8
	Status    ConnectStatus
}

type TunnellingRequestBody struct {
	ChannelID uint8
	SeqNum    uint8
	CEMI      CEMIFrame
}

type TunnellingAckBody struct {
	ChannelID uint8
	SeqNum    uint8
	Status    ConnectStatus
}

type RoutingIndicationBody struct {
	CEMI CEMIFrame
}

type RoutingLostMessageBody struct {
	DeviceState   uint8
	LostMessages  uint16
}

const connHeaderLen = 4 // structure length + channel id + sequence counter + reserved/status (TUNNELLING_REQUEST/ACK)

// Decode parses a single UDP datagram into a tagged Frame.
func Decode(b []byte) (Frame, error) {
	h, body, err := decodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Service: h.service}

	switch h.service {
	case SearchRequest:
		hpai, _, err := decodeHPAI(body)
		if err != nil {
			return Frame{}, err
		}
		f.SearchRequest = &SearchRequestBody{Discovery: hpai}

	case SearchResponse:
		hpai, rest, err := decodeHPAI(body)
		if err != nil {
			return Frame{}, err
		}
		dibs, err := decodeDIBs(rest)
		if err != nil {
			return Frame{}, err
		}
		f.SearchResponse = &SearchResponseBody{Control: hpai, DIBs: dibs}

	case DescriptionRequest:
		hpai, _, err := decodeHPAI(body)
		if err != nil {
			return Frame{}, err
		}
		f.DescriptionRequest = &DescriptionRequestBody{Control: hpai}

	case DescriptionResponse:
		dibs, err := decodeDIBs(body)
		if err != nil {
			return Frame{}, err
		}
		f.DescriptionResponse = &DescriptionResponseBody{DIBs: dibs}

	case ConnectRequest:
		control, rest, err := decodeHPAI(body)
		if err != nil {
			return Frame{}, err
		}
		data, rest, err := decodeHPAI(rest)
		if err != nil {
			return Frame{}, err
		}
		cri, _, err := decodeCRI(rest)
		if err != nil {
			return Frame{}, err
		}
		f.ConnectRequest = &ConnectRequestBody{Control: control, Data: data, CRI: cri}

	case ConnectResponse:
		if len(body) < 2 { //nolint:mnd // channel id + status byte always present
			return Frame{}, fmt.Errorf("%w: short CONNECT_RESPONSE", ErrDecode)
		}
		resp := &ConnectResponseBody{ChannelID: body[0], Status: ConnectStatus(body[1])}
		rest := body[2:]
		if resp.Status == StatusNoError && len(rest) > 0 {
			data, rest2, err := decodeHPAI(rest)
			if err != nil {
				return Frame{}, err
			}
			crd, _, err := decodeCRD(rest2)
			if err != nil {
				return Frame{}, err
			}
			resp.Data = data
			resp.CRD = crd
		}
		f.ConnectResponse = resp

	case ConnectionstateRequest:
		if len(body) < 2 { //nolint:mnd // channel id + reserved byte always present
			return Frame{}, fmt.Errorf("%w: short CONNECTIONSTATE_REQUEST", ErrDecode)
		}
		hpai, _, err := decodeHPAI(body[2:])
		if err != nil {
			return Frame{}, err
		}
		f.ConnectionstateRequest = &ConnectionstateRequestBody{ChannelID: body[0], Control: hpai}

	case ConnectionstateResponse:
		if len(body) < 2 { //nolint:mnd // channel id + status byte always present
			return Frame{}, fmt.Errorf("%w: short CONNECTIONSTATE_RESPONSE", ErrDecode)
		}
		f.ConnectionstateResponse = &ConnectionstateResponseBody{ChannelID: body[0], Status: ConnectStatus(body[1])}

	case DisconnectRequest:
		if len(body) < 2 { //nolint:mnd // channel id + reserved byte always present
			return Frame{}, fmt.Errorf("%w: short DISCONNECT_REQUEST", ErrDecode)
		}
		hpai, _, err := decodeHPAI(body[2:])
		if err != nil {
			return Frame{}, err
		}
		f.DisconnectRequest = &DisconnectRequestBody{ChannelID: body[0], Control: hpai}

	case DisconnectResponse:
		if len(body) < 2 { //nolint:mnd // channel id + status byte always present
			return Frame{}, fmt.Errorf("%w: short DISCONNECT_RESPONSE", ErrDecode)
		}
		f.DisconnectResponse = &DisconnectResponseBody{ChannelID: body[0], Status: ConnectStatus(body[1])}

	case TunnellingRequest:
		if len(body) < 4 { //nolint:mnd // connection-header length + channel id + seq + reserved
			return Frame{}, fmt.Errorf("%w: short TUNNELLING_REQUEST", ErrDecode)
		}
		cemi, err := DecodeCEMI(body[4:])
		if err != nil {
			return Frame{}, err
		}
		f.TunnellingRequest = &TunnellingRequestBody{ChannelID: body[1], SeqNum: body[2], CEMI: cemi}

	case TunnellingAck:
		if len(body) < 4 { //nolint:mnd // connection-header length + channel id + seq + status
			return Frame{}, fmt.Errorf("%w: short TUNNELLING_ACK", ErrDecode)
		}
		f.TunnellingAck = &TunnellingAckBody{ChannelID: body[1], SeqNum: body[2], Status: ConnectStatus(body[3])}

	case RoutingIndication:
		cemi, err := DecodeCEMI(body)
		if err != nil {
			return Frame{}, err
		}
		f.RoutingIndication = &RoutingIndicationBody{CEMI: cemi}

	case RoutingLostMessage:
		if len(body) < 4 { //nolint:mnd // structure-length + device-state + 2-byte lost-message count
			return Frame{}, fmt.Errorf("%w: short ROUTING_LOST_MESSAGE", ErrDecode)
		}
		f.RoutingLostMessage = &RoutingLostMessageBody{
			DeviceState:  body[1],
			LostMessages: binary.BigEndian.Uint16(body[2:4]),
		}

	default:
		return Frame{}, fmt.Errorf("%w: unrecognized service 0x%04X", ErrDecode, uint16(h.service))
	}

	return f, nil
}

// Encode serializes a Frame back to a complete KNXnet/IP datagram,
// including the 6-byte header.
func (f Frame) Encode() ([]byte, error) {
	var body []byte

	switch f.Service {
	case SearchRequest:
		body = f.SearchRequest.Discovery.encode()

	case SearchResponse:
		body = append(body, f.SearchResponse.Control.encode()...)
		for _, d := range f.SearchResponse.DIBs {
			body = append(body, d.Encode()...)
		}

	case DescriptionRequest:
		body = f.DescriptionRequest.Control.encode()

	case DescriptionResponse:
		for _, d := range f.DescriptionResponse.DIBs {
			body = append(body, d.Encode()...)
		}

	case ConnectRequest:
		body = append(body, f.ConnectRequest.Control.encode()...)
		body = append(body, f.ConnectRequest.Data.encode()...)
		body = append(body, f.ConnectRequest.CRI.encode()...)

	case ConnectResponse:
		r := f.ConnectResponse
		body = append(body, r.ChannelID, byte(r.Status))
		if r.Status == StatusNoError {
			body = append(body, r.Data.encode()...)
			body = append(body, r.CRD.encode()...)
		}

	case ConnectionstateRequest:
		r := f.ConnectionstateRequest
		body = append(body, r.ChannelID, 0x00)
		body = append(body, r.Control.encode()...)

	case ConnectionstateResponse:
		r := f.ConnectionstateResponse
		body = append(body, r.ChannelID, byte(r.Status))

	case DisconnectRequest:
		r := f.DisconnectRequest
		body = append(body, r.ChannelID, 0x00)
		body = append(body, r.Control.encode()...)

	case DisconnectResponse:
		r := f.DisconnectResponse
		body = append(body, r.ChannelID, byte(r.Status))

	case TunnellingRequest:
		r := f.TunnellingRequest
		body = append(body, connHeaderLen, r.ChannelID, r.SeqNum, 0x00)
		body = append(body, r.CEMI.Encode()...)

	case TunnellingAck:
		r := f.TunnellingAck
		body = append(body, connHeaderLen, r.ChannelID, r.SeqNum, byte(r.Status))

	case RoutingIndication:
		body = f.RoutingIndication.CEMI.Encode()

	case RoutingLostMessage:
		r := f.RoutingLostMessage
		body = append(body, connHeaderLen, r.DeviceState, 0, 0)
		binary.BigEndian.PutUint16(body[2:4], r.LostMessages)

	default:
		return nil, fmt.Errorf("%w: unrecognized service 0x%04X", ErrEncodeUnknown, uint16(f.Service))
	}

	header := encodeHeader(f.Service, len(body))
	return append(header, body...), nil
}

// ErrEncodeUnknown is returned by Frame.Encode for a Frame with no
// recognized Service set.
var ErrEncodeUnknown = fmt.Errorf("%w: unknown service for encode", ErrProtocol)
