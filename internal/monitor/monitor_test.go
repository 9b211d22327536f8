package monitor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grayforge/knxmapper/internal/knxnetip"
	"github.com/grayforge/knxmapper/internal/session"
	"github.com/grayforge/knxmapper/internal/transport"
)

type fakeGateway struct {
	ep         transport.Endpoint
	addr       *net.UDPAddr
	clientAddr net.Addr
	clientCh   chan net.Addr
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	ep, err := transport.NewUnicast(net.IPv4(127, 0, 0, 1))
	if err != nil {
		t.Fatalf("NewUnicast: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return &fakeGateway{ep: ep, addr: ep.LocalAddr(), clientCh: make(chan net.Addr, 1)}
}

func (g *fakeGateway) run(t *testing.T) {
	t.Helper()
	go func() {
		for dg := range g.ep.Datagrams() {
			f, err := knxnetip.Decode(dg.Data)
			if err != nil {
				continue
			}
			if f.Service == knxnetip.ConnectRequest {
				g.clientAddr = dg.From
				select {
				case g.clientCh <- dg.From:
				default:
				}
				g.send(t, dg.From, knxnetip.Frame{
					Service: knxnetip.ConnectResponse,
					ConnectResponse: &knxnetip.ConnectResponseBody{
						ChannelID: 3,
						Status:    knxnetip.StatusNoError,
						Data:      knxnetip.HPAI{IP: g.addr.IP, Port: uint16(g.addr.Port)},
						CRD:       knxnetip.CRD{ConnType: knxnetip.TunnelConnection, IndividualAddress: 0x1101},
					},
				})
			}
		}
	}()
}

func (g *fakeGateway) send(t *testing.T, to net.Addr, f knxnetip.Frame) {
	t.Helper()
	raw, err := f.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	udpAddr := to.(*net.UDPAddr)
	if err := g.ep.Send(context.Background(), udpAddr, raw); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (g *fakeGateway) sendTunnellingRequest(t *testing.T, seq uint8, cemi knxnetip.CEMIFrame) {
	t.Helper()
	g.send(t, g.clientAddr, knxnetip.Frame{
		Service:           knxnetip.TunnellingRequest,
		TunnellingRequest: &knxnetip.TunnellingRequestBody{ChannelID: 3, SeqNum: seq, CEMI: cemi},
	})
}

func connectTunnelForTest(t *testing.T, gw *fakeGateway, layer knxnetip.TunnelLayer) *session.Tunnel {
	t.Helper()
	client, err := transport.NewUnicast(net.IPv4(127, 0, 0, 1))
	if err != nil {
		t.Fatalf("NewUnicast: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cfg := session.Config{
		ConnectTimeout:    300 * time.Millisecond,
		AckTimeout:        200 * time.Millisecond,
		DisconnectTimeout: 100 * time.Millisecond,
		KeepaliveInterval: time.Hour,
	}
	tun, err := session.Connect(ctx, client, gw.addr, layer, cfg, nil)
	if err != nil {
		t.Fatalf("session.Connect: %v", err)
	}
	return tun
}

func TestGroupMonitorForwardsLDataInd(t *testing.T) {
	gw := newFakeGateway(t)
	gw.run(t)
	tun := connectTunnelForTest(t, gw, knxnetip.LinkLayer)
	defer tun.Close(context.Background())

	select {
	case <-gw.clientCh:
	case <-time.After(time.Second):
		t.Fatal("never observed client connect")
	}

	sink := NewSink(tun, GroupMonitor, nil)
	defer sink.Stop()

	ind := knxnetip.CEMIFrame{
		MessageCode: knxnetip.LDataInd,
		Control1:    knxnetip.ControlField1{StandardFrame: true},
		Control2:    knxnetip.ControlField2{GroupAddress: true},
		Source:      0x1102,
		Dest:        0x0901,
		TPCI:        knxnetip.TPCI{Type: knxnetip.TUDT},
		APCI:        knxnetip.APCI{Service: knxnetip.GroupValueWrite, Data: []byte{0x01}},
	}
	gw.sendTunnellingRequest(t, 0, ind)

	select {
	case rec := <-sink.GroupRecords():
		if rec.Dest != 0x0901 || !rec.IsGroupDest || rec.APCI.Service != knxnetip.GroupValueWrite {
			t.Errorf("unexpected record: %+v", rec)
		}
		if rec.Channel != tun.ChannelID() {
			t.Errorf("Channel = %d, want %d", rec.Channel, tun.ChannelID())
		}
	case <-time.After(time.Second):
		t.Fatal("no group record delivered")
	}
}

func TestBusMonitorIgnoresLDataInd(t *testing.T) {
	gw := newFakeGateway(t)
	gw.run(t)
	tun := connectTunnelForTest(t, gw, knxnetip.LinkLayer)
	defer tun.Close(context.Background())

	select {
	case <-gw.clientCh:
	case <-time.After(time.Second):
		t.Fatal("never observed client connect")
	}

	sink := NewSink(tun, BusMonitor, nil)
	defer sink.Stop()

	ind := knxnetip.CEMIFrame{
		MessageCode: knxnetip.LDataInd,
		Control1:    knxnetip.ControlField1{StandardFrame: true},
		Control2:    knxnetip.ControlField2{GroupAddress: true},
		Dest:        0x0901,
		TPCI:        knxnetip.TPCI{Type: knxnetip.TUDT},
		APCI:        knxnetip.APCI{Service: knxnetip.GroupValueWrite},
	}
	gw.sendTunnellingRequest(t, 0, ind)

	select {
	case rec := <-sink.BusRecords():
		t.Fatalf("unexpected bus record from an L_Data.ind: %+v", rec)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStopClosesChannelsAndIsIdempotent(t *testing.T) {
	gw := newFakeGateway(t)
	gw.run(t)
	tun := connectTunnelForTest(t, gw, knxnetip.LinkLayer)
	defer tun.Close(context.Background())

	sink := NewSink(tun, GroupMonitor, nil)
	sink.Stop()
	sink.Stop() // must not panic on double Stop

	if _, ok := <-sink.GroupRecords(); ok {
		t.Error("expected GroupRecords channel to be closed after Stop")
	}
}

func TestRunStopsWhenTunnelLeavesActive(t *testing.T) {
	gw := newFakeGateway(t)
	gw.run(t)
	tun := connectTunnelForTest(t, gw, knxnetip.LinkLayer)

	sink := NewSink(tun, GroupMonitor, nil)
	done := make(chan struct{})
	go func() {
		sink.Run(context.Background())
		close(done)
	}()

	if err := tun.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after tunnel closed")
	}
}
