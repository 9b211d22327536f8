package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/grayforge/knxmapper/internal/address"
	"github.com/grayforge/knxmapper/internal/knxnetip"
	"github.com/grayforge/knxmapper/internal/session"
	"github.com/grayforge/knxmapper/internal/tracing"
)

// ConnectTimeout bounds how long Connect waits for the L_Data.con that
// confirms a T_Connect reached the target.
const ConnectTimeout = 3 * time.Second

// inboxSize is generous enough to absorb bursts of L_Data.ind/.con
// traffic between calls to a Device's request loop; onFrame drops rather
// than blocks when it's full, since it runs inline in the Tunnel's event
// loop and must never stall acking or keepalives.
const inboxSize = 32

// Device is a numbered transport-layer connection to a single KNX
// individual address, opened over an already-Active Tunnel. Opening a
// Device claims the tunnel's sink and its one transport-connection slot
// for the lifetime of the connection; only one Device may be connected
// per Tunnel at a time. Callers must Disconnect before connecting to a
// different target on the same tunnel.
type Device struct {
	tunnel *session.Tunnel
	target address.Individual
	logger *tracing.Logger

	sendSeq uint8
	recvSeq uint8
	broken  bool

	inbox chan knxnetip.CEMIFrame
}

// Connect issues T_Connect to target and waits for the positive
// L_Data.con that confirms it, per the 3 s budget. A device that never
// answers is considered absent.
func Connect(ctx context.Context, tunnel *session.Tunnel, target address.Individual, logger *tracing.Logger) (*Device, error) {
	if tunnel.State() != session.StateActive {
		return nil, session.ErrNotActive
	}
	if logger == nil {
		logger = tracing.Default()
	}

	d := &Device{
		tunnel: tunnel,
		target: target,
		logger: logger,
		inbox:  make(chan knxnetip.CEMIFrame, inboxSize),
	}
	tunnel.SetSink(d.onFrame)

	ctrl := d.controlFrame(knxnetip.ControlConnect)
	if err := tunnel.SendCEMI(ctx, ctrl); err != nil {
		tunnel.SetSink(nil)
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	for {
		select {
		case <-cctx.Done():
			tunnel.SetSink(nil)
			return nil, &BusError{Target: target, Reason: "no L_Data.con, device absent"}
		case f := <-d.inbox:
			if f.MessageCode != knxnetip.LDataCon || f.Dest != target.ToUint16() {
				continue
			}
			if f.Control1.Error {
				tunnel.SetSink(nil)
				return nil, &BusError{Target: target, Reason: "negative L_Data.con for T_Connect"}
			}
			return d, nil
		}
	}
}

// Disconnect sends T_Disconnect and releases the tunnel's sink. The sink
// is released even when the send fails; the send error is returned.
func (d *Device) Disconnect(ctx context.Context) error {
	err := d.tunnel.SendCEMI(ctx, d.controlFrame(knxnetip.ControlDisconnect))
	d.tunnel.SetSink(nil)
	return err
}

func (d *Device) onFrame(f knxnetip.CEMIFrame) {
	select {
	case d.inbox <- f:
	default:
		d.logger.Warn("bus device inbox full, dropping frame", "target", d.target.String())
	}
}

func (d *Device) controlFrame(control knxnetip.TPCIControl) knxnetip.CEMIFrame {
	f := d.dataFrame(knxnetip.TUCD, 0, knxnetip.APCI{})
	f.TPCI.Control = control
	return f
}

func (d *Device) dataFrame(tpciType knxnetip.TPCIType, seq uint8, apci knxnetip.APCI) knxnetip.CEMIFrame {
	f := knxnetip.CEMIFrame{
		MessageCode: knxnetip.LDataReq,
		Control1: knxnetip.ControlField1{
			StandardFrame: true,
			Repeat:        true,
			AckRequested:  true,
		},
		Control2: knxnetip.ControlField2{HopCount: 6}, //nolint:mnd // default KNX hop count
		Source:   d.tunnel.IndividualAddress(),
		Dest:     d.target.ToUint16(),
		TPCI:     knxnetip.TPCI{Type: tpciType, Seq: seq},
	}
	if tpciType == knxnetip.TNDT {
		f.APCI = apci
	}
	return f
}

// request issues a numbered APCI service: it sends the request PDU,
// awaits its own L_Data.con and the device's T_Ack, advances its send
// sequence, then awaits and acks the device's numbered reply. A T_Nak or
// out-of-order reply sequence marks the Device broken; it must be
// disconnected and reopened before further use.
func (d *Device) request(ctx context.Context, apci knxnetip.APCI) (knxnetip.APCI, error) {
	if d.broken {
		return knxnetip.APCI{}, &BusError{Target: d.target, Reason: "connection torn down after out-of-order PDU"}
	}

	seq := d.sendSeq
	if err := d.tunnel.SendCEMI(ctx, d.dataFrame(knxnetip.TNDT, seq, apci)); err != nil {
		return knxnetip.APCI{}, err
	}
	if err := d.awaitConfirm(ctx); err != nil {
		return knxnetip.APCI{}, err
	}
	if err := d.awaitDeviceAck(ctx, seq); err != nil {
		return knxnetip.APCI{}, err
	}
	d.sendSeq = (d.sendSeq + 1) & 0x0F

	return d.awaitAndAckReply(ctx)
}

func (d *Device) awaitConfirm(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-d.inbox:
			if f.MessageCode != knxnetip.LDataCon || f.Dest != d.target.ToUint16() {
				continue
			}
			if f.Control1.Error {
				return &BusError{Target: d.target, Reason: "negative L_Data.con"}
			}
			return nil
		}
	}
}

func (d *Device) awaitDeviceAck(ctx context.Context, seq uint8) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-d.inbox:
			if f.MessageCode != knxnetip.LDataInd || f.Source != d.target.ToUint16() {
				continue
			}
			if f.TPCI.Type != knxnetip.TNCD {
				continue
			}
			if f.TPCI.Control == knxnetip.ControlNak || f.TPCI.Seq != seq {
				d.broken = true
				return &BusError{Target: d.target, Reason: "T_Nak or mismatched sequence on request ack"}
			}
			return nil
		}
	}
}

func (d *Device) awaitAndAckReply(ctx context.Context) (knxnetip.APCI, error) {
	for {
		select {
		case <-ctx.Done():
			return knxnetip.APCI{}, ctx.Err()
		case f := <-d.inbox:
			if f.MessageCode != knxnetip.LDataInd || f.Source != d.target.ToUint16() {
				continue
			}
			if f.TPCI.Type != knxnetip.TNDT {
				continue
			}
			if f.TPCI.Seq != d.recvSeq {
				d.broken = true
				nak := d.dataFrame(knxnetip.TNCD, f.TPCI.Seq, knxnetip.APCI{})
				nak.TPCI.Control = knxnetip.ControlNak
				_ = d.tunnel.SendCEMI(ctx, nak)
				return knxnetip.APCI{}, &BusError{Target: d.target, Reason: "out-of-order numbered reply"}
			}
			ack := d.dataFrame(knxnetip.TNCD, f.TPCI.Seq, knxnetip.APCI{})
			ack.TPCI.Control = knxnetip.ControlAck
			_ = d.tunnel.SendCEMI(ctx, ack)
			d.recvSeq = (d.recvSeq + 1) & 0x0F
			return f.APCI, nil
		}
	}
}

// DeviceDescriptorRead reads the device descriptor of the given type
// (0 is the standard KNX device descriptor 0 / mask version).
func (d *Device) DeviceDescriptorRead(ctx context.Context, descriptorType uint8) (uint16, error) {
	resp, err := d.request(ctx, knxnetip.APCI{Service: knxnetip.DeviceDescriptorRead, Data: []byte{descriptorType & 0x3F}})
	if err != nil {
		return 0, err
	}
	if resp.Service != knxnetip.DeviceDescriptorResp || len(resp.Data) < 3 { //nolint:mnd // 1 echo byte + 2-byte descriptor
		return 0, &BusError{Target: d.target, Reason: "malformed DeviceDescriptor_Response"}
	}
	return binary.BigEndian.Uint16(resp.Data[1:3]), nil
}

// MemoryRead reads count bytes (0-63) starting at addr.
func (d *Device) MemoryRead(ctx context.Context, addr uint16, count uint8) ([]byte, error) {
	data := make([]byte, 3) //nolint:mnd // count byte + 2-byte address
	data[0] = count & 0x3F
	binary.BigEndian.PutUint16(data[1:], addr)
	resp, err := d.request(ctx, knxnetip.APCI{Service: knxnetip.MemoryRead, Data: data})
	if err != nil {
		return nil, err
	}
	if resp.Service != knxnetip.MemoryResponse || len(resp.Data) < 3 { //nolint:mnd // count byte + 2-byte address echo
		return nil, &BusError{Target: d.target, Reason: "malformed Memory_Response"}
	}
	return resp.Data[3:], nil
}

// PropertyValueRead reads count elements starting at element index start
// from the property propID of interface object objIndex.
func (d *Device) PropertyValueRead(ctx context.Context, objIndex, propID, count uint8, start uint16) ([]byte, error) {
	countStart := uint16(count&0x0F)<<12 | start&0x0FFF //nolint:mnd // 4-bit count, 12-bit start index
	data := make([]byte, 4)                             //nolint:mnd // objIndex + propID + 2-byte count/start
	data[0] = objIndex
	data[1] = propID
	binary.BigEndian.PutUint16(data[2:], countStart)
	resp, err := d.request(ctx, knxnetip.APCI{Service: knxnetip.PropertyValueRead, Data: data})
	if err != nil {
		return nil, err
	}
	if resp.Service != knxnetip.PropertyValueResponse || len(resp.Data) < 4 { //nolint:mnd // echoed header
		return nil, &BusError{Target: d.target, Reason: "malformed PropertyValue_Response"}
	}
	return resp.Data[4:], nil
}

// ADCRead samples ADC channel for count measurement cycles and returns
// the signed result.
func (d *Device) ADCRead(ctx context.Context, channel, count uint8) (int16, error) {
	resp, err := d.request(ctx, knxnetip.APCI{Service: knxnetip.ADCRead, Data: []byte{channel & 0x3F, count}})
	if err != nil {
		return 0, err
	}
	if resp.Service != knxnetip.ADCResponse || len(resp.Data) < 4 { //nolint:mnd // channel + count echo + 2-byte value
		return 0, &BusError{Target: d.target, Reason: "malformed ADC_Response"}
	}
	return int16(binary.BigEndian.Uint16(resp.Data[2:4])), nil //nolint:gosec // wire value is a signed 16-bit sample
}

// DefaultAuthKey is the factory-default System 2/7 access key.
const DefaultAuthKey uint32 = 0xFFFFFFFF

// AuthorizeRequest asks the device for the access level granted by key.
// A level of 0 means no special access (the lowest, always-granted
// level); the caller decides whether that satisfies it.
func (d *Device) AuthorizeRequest(ctx context.Context, key uint32) (uint8, error) {
	data := make([]byte, 5) //nolint:mnd // 1 reserved byte + 4-byte key
	binary.BigEndian.PutUint32(data[1:], key)
	resp, err := d.request(ctx, knxnetip.APCI{Service: knxnetip.AuthorizeRequest, Data: data})
	if err != nil {
		return 0, err
	}
	if resp.Service != knxnetip.AuthorizeResponse || len(resp.Data) < 1 {
		return 0, &BusError{Target: d.target, Reason: "malformed Authorize_Response"}
	}
	return resp.Data[0], nil
}

// Bruteforce tries each candidate key against target in order, resetting
// the transport connection between attempts since a failed
// Authorize_Request may leave the device requiring a fresh T_Connect
// before it accepts another (this is why bruteforce throughput is
// dominated by the reset cost and runs strictly serially per device).
// It returns the first key whose granted level is above minLevel.
func Bruteforce(ctx context.Context, tunnel *session.Tunnel, target address.Individual, keys []uint32, minLevel uint8, logger *tracing.Logger) (uint32, uint8, error) {
	var lastLevel uint8
	for _, key := range keys {
		d, err := Connect(ctx, tunnel, target, logger)
		if err != nil {
			return 0, 0, err
		}
		level, authErr := d.AuthorizeRequest(ctx, key)
		_ = d.Disconnect(ctx)
		if authErr != nil {
			continue
		}
		if level > minLevel {
			return key, level, nil
		}
		lastLevel = level
	}
	return 0, 0, &AuthError{Target: target, Level: lastLevel}
}

// GroupWrite sends a GroupValueWrite directly, omitting the T_Connect
// phase entirely since group communication is connectionless at the bus
// layer. payload is trusted pre-encoded DPT data of whatever width the
// caller's datapoint requires.
func GroupWrite(ctx context.Context, tunnel *session.Tunnel, group uint16, payload []byte) error {
	if tunnel.State() != session.StateActive {
		return session.ErrNotActive
	}
	apci := knxnetip.APCI{Service: knxnetip.GroupValueWrite, Data: payload}
	frame := knxnetip.CEMIFrame{
		MessageCode: knxnetip.LDataReq,
		Control1: knxnetip.ControlField1{
			StandardFrame: true,
			Repeat:        true,
			AckRequested:  true,
		},
		Control2: knxnetip.ControlField2{GroupAddress: true, HopCount: 6}, //nolint:mnd // default KNX hop count
		Source:   tunnel.IndividualAddress(),
		Dest:     group,
		TPCI:     knxnetip.TPCI{Type: knxnetip.TUDT},
		APCI:     apci,
	}
	if err := tunnel.SendCEMI(ctx, frame); err != nil {
		return fmt.Errorf("group write: %w", err)
	}
	return nil
}
