package session

import (
	"context"
	"fmt"
	"net"

	"github.com/grayforge/knxmapper/internal/knxnetip"
	"github.com/grayforge/knxmapper/internal/tracing"
	"github.com/grayforge/knxmapper/internal/transport"
)

// Router is a ROUTING_INDICATION multicast sender/receiver. Unlike
// Tunnel it has no acknowledgement, sequencing, or connection state:
// ROUTING_INDICATION is fire-and-forget, and the only failure mode worth
// surfacing is ROUTING_LOST_MESSAGE, which is delivered to callers
// through the same Frames channel as any other inbound cEMI.
type Router struct {
	endpoint transport.Endpoint
	group    *net.UDPAddr
	logger   *tracing.Logger
}

// NewRouter joins the KNXnet/IP multicast group on ifaceName for
// ROUTING_INDICATION traffic.
func NewRouter(ifaceName string, logger *tracing.Logger) (*Router, error) {
	if ifaceName == "" {
		return nil, ErrSearchRequiresInterface
	}
	if logger == nil {
		logger = tracing.Default()
	}
	ep, err := transport.NewMulticast(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("session: routing: %w", err)
	}
	return &Router{
		endpoint: ep,
		group:    &net.UDPAddr{IP: net.ParseIP(transport.MulticastGroup), Port: transport.DefaultPort},
		logger:   logger,
	}, nil
}

// Send transmits cemi as a ROUTING_INDICATION.
func (r *Router) Send(ctx context.Context, cemi knxnetip.CEMIFrame) error {
	frame := knxnetip.Frame{Service: knxnetip.RoutingIndication, RoutingIndication: &knxnetip.RoutingIndicationBody{CEMI: cemi}}
	raw, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("session: encode ROUTING_INDICATION: %w", err)
	}
	if err := r.endpoint.Send(ctx, r.group, raw); err != nil {
		return fmt.Errorf("%w: %w", knxnetip.ErrTransport, err)
	}
	r.logger.FrameOut(r.group.String(), len(raw), knxnetip.RoutingIndication.String())
	return nil
}

// RoutingEvent is one decoded inbound routing frame.
type RoutingEvent struct {
	CEMI        knxnetip.CEMIFrame
	LostMessage *knxnetip.RoutingLostMessageBody // non-nil for ROUTING_LOST_MESSAGE
}

// Events decodes inbound multicast traffic until ctx is cancelled or the
// endpoint closes.
func (r *Router) Events(ctx context.Context) <-chan RoutingEvent {
	out := make(chan RoutingEvent)
	go func() {
		defer close(out)
		for {
			select {
			case dg, ok := <-r.endpoint.Datagrams():
				if !ok {
					return
				}
				f, err := knxnetip.Decode(dg.Data)
				if err != nil {
					continue
				}
				var ev RoutingEvent
				switch f.Service {
				case knxnetip.RoutingIndication:
					ev = RoutingEvent{CEMI: f.RoutingIndication.CEMI}
				case knxnetip.RoutingLostMessage:
					ev = RoutingEvent{LostMessage: f.RoutingLostMessage}
				default:
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close releases the multicast endpoint.
func (r *Router) Close() error {
	return r.endpoint.Close()
}
