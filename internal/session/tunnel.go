package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grayforge/knxmapper/internal/knxnetip"
	"github.com/grayforge/knxmapper/internal/tracing"
	"github.com/grayforge/knxmapper/internal/transport"
)

// sendRequest is one SendCEMI call queued for the runLoop. Only one is
// ever in flight at a time: the stop-and-wait rule the wire protocol
// imposes on send_seq.
type sendRequest struct {
	cemi knxnetip.CEMIFrame
	resp chan error
}

// Tunnel is an established KNXnet/IP tunnelling connection. It owns its
// transport.Endpoint exclusively and runs one goroutine that performs
// every state transition and sequence-counter update, so no mutex guards
// send_seq/recv_seq: they belong to that goroutine alone.
type Tunnel struct {
	endpoint transport.Endpoint
	gateway  *net.UDPAddr
	cfg      Config
	logger   *tracing.Logger

	channelID         uint8
	individualAddress uint16
	layer             knxnetip.TunnelLayer

	state atomic.Uint32

	sendReqCh    chan sendRequest
	shutdownReq  chan struct{}
	shutdownOnce sync.Once
	closed       chan struct{}

	sinkMu sync.Mutex
	sink   func(knxnetip.CEMIFrame)

	failure error
}

// Connect performs the Idle -> Connecting transition: send CONNECT_REQUEST
// over endpoint to gateway with the requested TunnelLayer, and wait for
// CONNECT_RESPONSE up to cfg.ConnectTimeout. On success it starts the
// Active-state event loop and returns the running Tunnel. On a non-zero
// status it returns a *knxnetip.ConnectError; callers requesting
// Busmonitor should check IsRetryAsGroupMonitor on that error.
func Connect(ctx context.Context, endpoint transport.Endpoint, gateway *net.UDPAddr, layer knxnetip.TunnelLayer, cfg Config, logger *tracing.Logger) (*Tunnel, error) {
	cfg = cfg.applyDefaults()
	if logger == nil {
		logger = tracing.Default()
	}

	t := &Tunnel{
		endpoint:    endpoint,
		gateway:     gateway,
		cfg:         cfg,
		logger:      logger,
		layer:       layer,
		sendReqCh:   make(chan sendRequest),
		shutdownReq: make(chan struct{}),
		closed:      make(chan struct{}),
	}
	t.setState(StateConnecting)

	local := endpoint.LocalAddr()
	hpai := knxnetip.HPAI{IP: local.IP, Port: uint16(local.Port)} //nolint:gosec // UDP ports fit uint16
	req := knxnetip.Frame{
		Service: knxnetip.ConnectRequest,
		ConnectRequest: &knxnetip.ConnectRequestBody{
			Control: hpai,
			Data:    hpai,
			CRI:     knxnetip.CRI{ConnType: knxnetip.TunnelConnection, Layer: layer},
		},
	}
	raw, err := req.Encode()
	if err != nil {
		t.setState(StateFailed)
		return nil, fmt.Errorf("session: encode CONNECT_REQUEST: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := endpoint.Send(connectCtx, gateway, raw); err != nil {
		t.setState(StateFailed)
		return nil, fmt.Errorf("%w: %w", knxnetip.ErrTransport, err)
	}
	logger.FrameOut(gateway.String(), len(raw), knxnetip.ConnectRequest.String())

	for {
		select {
		case dg, ok := <-endpoint.Datagrams():
			if !ok {
				t.setState(StateFailed)
				return nil, fmt.Errorf("%w: transport closed during connect", knxnetip.ErrTransport)
			}
			f, err := knxnetip.Decode(dg.Data)
			if err != nil {
				continue
			}
			if f.Service != knxnetip.ConnectResponse {
				continue
			}
			resp := f.ConnectResponse
			if resp.Status != knxnetip.StatusNoError {
				t.setState(StateFailed)
				return nil, &knxnetip.ConnectError{Status: resp.Status}
			}
			t.channelID = resp.ChannelID
			t.individualAddress = resp.CRD.IndividualAddress
			t.setState(StateActive)
			go t.runLoop()
			return t, nil

		case <-connectCtx.Done():
			t.setState(StateFailed)
			return nil, fmt.Errorf("%w: CONNECT_RESPONSE", knxnetip.ErrTimeout)
		}
	}
}

// IsRetryAsGroupMonitor reports whether err is the CONNECTION_OPTION
// rejection a gateway sends when it has no free BusMonitor slot: per the
// wire protocol this specifically means "retry as a LinkLayer tunnel and
// use group monitoring instead".
func IsRetryAsGroupMonitor(err error, requestedLayer knxnetip.TunnelLayer) bool {
	var ce *knxnetip.ConnectError
	if requestedLayer != knxnetip.Busmonitor {
		return false
	}
	return asConnectError(err, &ce) && ce.Status == knxnetip.StatusConnectionOption
}

func asConnectError(err error, target **knxnetip.ConnectError) bool {
	for err != nil {
		if ce, ok := err.(*knxnetip.ConnectError); ok { //nolint:errorlint // target is the concrete type we want
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// State returns the tunnel's current lifecycle state.
func (t *Tunnel) State() State {
	return State(t.state.Load()) //nolint:gosec // State is a small bounded enum
}

func (t *Tunnel) setState(s State) {
	t.state.Store(uint32(s))
}

// ChannelID returns the communication channel id assigned at connect
// time.
func (t *Tunnel) ChannelID() uint8 {
	return t.channelID
}

// IndividualAddress returns the individual address the gateway assigned
// this tunnel, from the CONNECT_RESPONSE's CRD.
func (t *Tunnel) IndividualAddress() uint16 {
	return t.individualAddress
}

// Layer returns the cEMI data link layer this tunnel was connected with
// (LinkLayer, Busmonitor, or RawLayer).
func (t *Tunnel) Layer() knxnetip.TunnelLayer {
	return t.layer
}

// SetSink registers the callback invoked, from the Tunnel's own
// goroutine, with every inbound cEMI frame (L_Data.ind/.con or
// L_Busmon.ind) once connected. It must return promptly: it runs inline
// in the event loop and blocks acking and keepalives while it runs.
func (t *Tunnel) SetSink(sink func(knxnetip.CEMIFrame)) {
	t.sinkMu.Lock()
	t.sink = sink
	t.sinkMu.Unlock()
}

func (t *Tunnel) getSink() func(knxnetip.CEMIFrame) {
	t.sinkMu.Lock()
	defer t.sinkMu.Unlock()
	return t.sink
}

// SendCEMI submits a cEMI frame for transmission as a TUNNELLING_REQUEST
// and blocks until it is acknowledged, the retry is exhausted, or ctx is
// done. Only one call is in flight at a time; concurrent callers queue.
func (t *Tunnel) SendCEMI(ctx context.Context, cemi knxnetip.CEMIFrame) error {
	if t.State() != StateActive {
		return ErrNotActive
	}
	respCh := make(chan error, 1)
	select {
	case t.sendReqCh <- sendRequest{cemi: cemi, resp: respCh}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
	select {
	case err := <-respCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return ErrClosed
	}
}

// Close begins a graceful DISCONNECT_REQUEST/RESPONSE exchange (bounded
// by cfg.DisconnectTimeout) and waits for the event loop to exit, or for
// ctx to expire first.
func (t *Tunnel) Close(ctx context.Context) error {
	t.shutdownOnce.Do(func() { close(t.shutdownReq) })
	select {
	case <-t.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLoop is the tunnel's single event loop: every send_seq/recv_seq
// mutation and state transition happens here, so nothing else needs to
// lock them.
func (t *Tunnel) runLoop() {
	defer close(t.closed)
	defer t.endpoint.Close()

	var sendSeq, recvSeq uint8

	keepaliveTicker := time.NewTicker(t.cfg.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	var pendingSend *sendRequest
	var ackTimer *time.Timer
	var ackAttempt int

	var keepaliveTimer *time.Timer
	var keepaliveAttempt int
	keepalivePending := false

	stopAckTimer := func() {
		if ackTimer != nil {
			ackTimer.Stop()
			ackTimer = nil
		}
	}
	stopKeepaliveTimer := func() {
		if keepaliveTimer != nil {
			keepaliveTimer.Stop()
			keepaliveTimer = nil
		}
	}

	for {
		sendCh := t.sendReqCh
		if pendingSend != nil {
			sendCh = nil
		}
		var ackTimerCh <-chan time.Time
		if ackTimer != nil {
			ackTimerCh = ackTimer.C
		}
		var keepaliveTimerCh <-chan time.Time
		if keepaliveTimer != nil {
			keepaliveTimerCh = keepaliveTimer.C
		}

		select {
		case dg, ok := <-t.endpoint.Datagrams():
			if !ok {
				t.failure = knxnetip.ErrTransport
				t.setState(StateFailed)
				return
			}
			f, err := knxnetip.Decode(dg.Data)
			if err != nil {
				t.logger.Debug("discarding malformed datagram", "error", err)
				continue
			}

			switch f.Service {
			case knxnetip.TunnellingRequest:
				req := f.TunnellingRequest
				if req.ChannelID != t.channelID {
					continue
				}
				switch req.SeqNum {
				case recvSeq:
					t.logger.FrameIn(dg.From.String(), len(dg.Data), f.Service.String())
					if sink := t.getSink(); sink != nil {
						t.dispatch(sink, req.CEMI)
					}
					recvSeq++
					t.sendAck(req.SeqNum, knxnetip.StatusNoError)
				case recvSeq - 1:
					t.sendAck(req.SeqNum, knxnetip.StatusNoError) // re-ack, do not reprocess
				default:
					// out-of-order, dropped silently per the wire protocol
				}

			case knxnetip.TunnellingAck:
				ack := f.TunnellingAck
				if pendingSend == nil || ack.ChannelID != t.channelID || ack.SeqNum != sendSeq {
					continue
				}
				stopAckTimer()
				var sendErr error
				if ack.Status != knxnetip.StatusNoError {
					sendErr = fmt.Errorf("%w: gateway returned %s", ErrLinkFailure, ack.Status)
				} else {
					sendSeq++
				}
				pendingSend.resp <- sendErr
				pendingSend = nil

			case knxnetip.ConnectionstateResponse:
				resp := f.ConnectionstateResponse
				if !keepalivePending || resp.ChannelID != t.channelID {
					continue
				}
				stopKeepaliveTimer()
				if resp.Status == knxnetip.StatusNoError {
					keepalivePending = false
					continue
				}
				keepaliveAttempt++
				if keepaliveAttempt >= t.cfg.KeepaliveAttempts {
					t.logger.Warn("keepalive rejected, tearing down", "status", resp.Status)
					t.performDisconnect(ErrKeepaliveFailed)
					return
				}
				t.sendKeepaliveRequest()
				keepaliveTimer = time.NewTimer(t.cfg.KeepaliveTimeout)

			case knxnetip.DisconnectRequest:
				req := f.DisconnectRequest
				if req.ChannelID != t.channelID {
					continue
				}
				t.respondDisconnect()
				t.setState(StateClosed)
				return

			default:
				// SEARCH/DESCRIPTION traffic on a tunnelling socket, ignore
			}

		case req := <-sendCh:
			pendingSend = &req
			ackAttempt = 0
			t.transmitPending(sendSeq, pendingSend.cemi)
			ackTimer = time.NewTimer(t.cfg.AckTimeout)

		case <-ackTimerCh:
			ackTimer = nil
			if ackAttempt < 1 {
				ackAttempt++
				t.transmitPending(sendSeq, pendingSend.cemi)
				ackTimer = time.NewTimer(t.cfg.AckTimeout)
				continue
			}
			pendingSend.resp <- ErrLinkFailure
			pendingSend = nil
			t.failure = ErrLinkFailure
			t.setState(StateFailed)
			return

		case <-keepaliveTicker.C:
			if !keepalivePending {
				keepalivePending = true
				keepaliveAttempt = 0
				t.sendKeepaliveRequest()
				keepaliveTimer = time.NewTimer(t.cfg.KeepaliveTimeout)
			}

		case <-keepaliveTimerCh:
			keepaliveTimer = nil
			keepaliveAttempt++
			if keepaliveAttempt >= t.cfg.KeepaliveAttempts {
				t.logger.Warn("keepalive unanswered, tearing down")
				t.performDisconnect(ErrKeepaliveFailed)
				return
			}
			t.sendKeepaliveRequest()
			keepaliveTimer = time.NewTimer(t.cfg.KeepaliveTimeout)

		case <-t.shutdownReq:
			t.performDisconnect(nil)
			return
		}
	}
}

// dispatch invokes the registered sink with a panic guard, matching the
// defensive callback dispatch pattern used elsewhere in this codebase for
// user-supplied hooks.
func (t *Tunnel) dispatch(sink func(knxnetip.CEMIFrame), cemi knxnetip.CEMIFrame) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("sink panicked", "recovered", fmt.Sprintf("%v", r))
		}
	}()
	sink(cemi)
}

func (t *Tunnel) transmitPending(seq uint8, cemi knxnetip.CEMIFrame) {
	body := knxnetip.TunnellingRequestBody{ChannelID: t.channelID, SeqNum: seq, CEMI: cemi}
	frame := knxnetip.Frame{Service: knxnetip.TunnellingRequest, TunnellingRequest: &body}
	raw, err := frame.Encode()
	if err != nil {
		t.logger.Error("encode TUNNELLING_REQUEST failed", "error", err)
		return
	}
	if err := t.endpoint.Send(context.Background(), t.gateway, raw); err != nil {
		t.logger.Error("send TUNNELLING_REQUEST failed", "error", err)
		return
	}
	t.logger.FrameOut(t.gateway.String(), len(raw), knxnetip.TunnellingRequest.String())
}

func (t *Tunnel) sendAck(seq uint8, status knxnetip.ConnectStatus) {
	body := knxnetip.TunnellingAckBody{ChannelID: t.channelID, SeqNum: seq, Status: status}
	frame := knxnetip.Frame{Service: knxnetip.TunnellingAck, TunnellingAck: &body}
	raw, err := frame.Encode()
	if err != nil {
		t.logger.Error("encode TUNNELLING_ACK failed", "error", err)
		return
	}
	_ = t.endpoint.Send(context.Background(), t.gateway, raw)
}

func (t *Tunnel) sendKeepaliveRequest() {
	local := t.endpoint.LocalAddr()
	body := knxnetip.ConnectionstateRequestBody{
		ChannelID: t.channelID,
		Control:   knxnetip.HPAI{IP: local.IP, Port: uint16(local.Port)}, //nolint:gosec // UDP ports fit uint16
	}
	frame := knxnetip.Frame{Service: knxnetip.ConnectionstateRequest, ConnectionstateRequest: &body}
	raw, err := frame.Encode()
	if err != nil {
		t.logger.Error("encode CONNECTIONSTATE_REQUEST failed", "error", err)
		return
	}
	_ = t.endpoint.Send(context.Background(), t.gateway, raw)
}

// respondDisconnect replies to a gateway-initiated DISCONNECT_REQUEST.
func (t *Tunnel) respondDisconnect() {
	body := knxnetip.DisconnectResponseBody{ChannelID: t.channelID, Status: knxnetip.StatusNoError}
	frame := knxnetip.Frame{Service: knxnetip.DisconnectResponse, DisconnectResponse: &body}
	raw, err := frame.Encode()
	if err != nil {
		t.logger.Error("encode DISCONNECT_RESPONSE failed", "error", err)
		return
	}
	_ = t.endpoint.Send(context.Background(), t.gateway, raw)
}

// performDisconnect drives our own Disconnecting -> Closed transition:
// send DISCONNECT_REQUEST, wait up to cfg.DisconnectTimeout for the
// matching DISCONNECT_RESPONSE (reading the one channel this goroutine
// still owns), then mark Closed regardless. Called only from within
// runLoop, immediately before it returns.
func (t *Tunnel) performDisconnect(reason error) {
	t.setState(StateDisconnecting)
	if reason != nil {
		t.failure = reason
	}

	local := t.endpoint.LocalAddr()
	body := knxnetip.DisconnectRequestBody{
		ChannelID: t.channelID,
		Control:   knxnetip.HPAI{IP: local.IP, Port: uint16(local.Port)}, //nolint:gosec // UDP ports fit uint16
	}
	frame := knxnetip.Frame{Service: knxnetip.DisconnectRequest, DisconnectRequest: &body}
	raw, err := frame.Encode()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DisconnectTimeout)
		_ = t.endpoint.Send(ctx, t.gateway, raw)
		cancel()
	}

	deadline := time.NewTimer(t.cfg.DisconnectTimeout)
	defer deadline.Stop()
	for {
		select {
		case dg, ok := <-t.endpoint.Datagrams():
			if !ok {
				t.setState(StateClosed)
				return
			}
			f, err := knxnetip.Decode(dg.Data)
			if err == nil && f.Service == knxnetip.DisconnectResponse && f.DisconnectResponse.ChannelID == t.channelID {
				t.setState(StateClosed)
				return
			}
		case <-deadline.C:
			t.setState(StateClosed)
			return
		}
	}
}

// Err returns the reason the tunnel entered Failed or was torn down by
// keepalive exhaustion, or nil for a clean Close.
func (t *Tunnel) Err() error {
	return t.failure
}
