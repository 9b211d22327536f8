package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/grayforge/knxmapper/internal/knxnetip"
	"github.com/grayforge/knxmapper/internal/tracing"
	"github.com/grayforge/knxmapper/internal/transport"
)

// Responder is one SEARCH_RESPONSE collected during Search.
type Responder struct {
	From net.Addr
	DIBs []knxnetip.DIB
}

// Search multicasts SEARCH_REQUEST on ifaceName and collects every
// SEARCH_RESPONSE received within timeout (default DefaultSearchTimeout
// when zero). It requires a named interface: that is the only way to
// join the KNXnet/IP multicast group on a specific link.
func Search(ctx context.Context, ifaceName string, timeout time.Duration, logger *tracing.Logger) ([]Responder, error) {
	if ifaceName == "" {
		return nil, ErrSearchRequiresInterface
	}
	if timeout == 0 {
		timeout = DefaultSearchTimeout
	}
	if logger == nil {
		logger = tracing.Default()
	}

	ep, err := transport.NewMulticast(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("session: search: %w", err)
	}
	defer ep.Close()

	local := ep.LocalAddr()
	req := knxnetip.Frame{
		Service: knxnetip.SearchRequest,
		SearchRequest: &knxnetip.SearchRequestBody{
			Discovery: knxnetip.HPAI{IP: local.IP, Port: uint16(local.Port)}, //nolint:gosec // UDP ports fit uint16
		},
	}
	raw, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("session: encode SEARCH_REQUEST: %w", err)
	}

	group := &net.UDPAddr{IP: net.ParseIP(transport.MulticastGroup), Port: transport.DefaultPort}
	if err := ep.Send(ctx, group, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", knxnetip.ErrTransport, err)
	}
	logger.FrameOut(group.String(), len(raw), knxnetip.SearchRequest.String())

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var responders []Responder
	for {
		select {
		case dg, ok := <-ep.Datagrams():
			if !ok {
				return responders, nil
			}
			f, err := knxnetip.Decode(dg.Data)
			if err != nil || f.Service != knxnetip.SearchResponse {
				continue
			}
			logger.FrameIn(dg.From.String(), len(dg.Data), f.Service.String())
			responders = append(responders, Responder{From: dg.From, DIBs: f.SearchResponse.DIBs})

		case <-deadline.Done():
			return responders, nil
		}
	}
}
