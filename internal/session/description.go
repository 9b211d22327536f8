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

// Describe sends DESCRIPTION_REQUEST to gateway over a unicast endpoint
// bound to localIP, retrying up to retries times (default
// DefaultDescRetries) with a timeout of to (default DefaultDescTimeout)
// per attempt. Returns ErrUnreachable once retries are exhausted.
func Describe(ctx context.Context, localIP net.IP, gateway *net.UDPAddr, to time.Duration, retries int, logger *tracing.Logger) ([]knxnetip.DIB, error) {
	if to == 0 {
		to = DefaultDescTimeout
	}
	if retries == 0 {
		retries = DefaultDescRetries
	}
	if logger == nil {
		logger = tracing.Default()
	}

	ep, err := transport.NewUnicast(localIP)
	if err != nil {
		return nil, fmt.Errorf("session: describe: %w", err)
	}
	defer ep.Close()

	local := ep.LocalAddr()
	req := knxnetip.Frame{
		Service: knxnetip.DescriptionRequest,
		DescriptionRequest: &knxnetip.DescriptionRequestBody{
			Control: knxnetip.HPAI{IP: local.IP, Port: uint16(local.Port)}, //nolint:gosec // UDP ports fit uint16
		},
	}
	raw, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("session: encode DESCRIPTION_REQUEST: %w", err)
	}

	for attempt := 0; attempt <= retries; attempt++ {
		if err := ep.Send(ctx, gateway, raw); err != nil {
			return nil, fmt.Errorf("%w: %w", knxnetip.ErrTransport, err)
		}
		logger.FrameOut(gateway.String(), len(raw), knxnetip.DescriptionRequest.String())

		dibs, err := awaitDescriptionResponse(ctx, ep, to, logger)
		if err == nil {
			return dibs, nil
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrUnreachable, gateway, retries+1)
}

func awaitDescriptionResponse(ctx context.Context, ep transport.Endpoint, to time.Duration, logger *tracing.Logger) ([]knxnetip.DIB, error) {
	deadline, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	for {
		select {
		case dg, ok := <-ep.Datagrams():
			if !ok {
				return nil, knxnetip.ErrTransport
			}
			f, err := knxnetip.Decode(dg.Data)
			if err != nil || f.Service != knxnetip.DescriptionResponse {
				continue
			}
			logger.FrameIn(dg.From.String(), len(dg.Data), f.Service.String())
			return f.DescriptionResponse.DIBs, nil

		case <-deadline.Done():
			return nil, knxnetip.ErrTimeout
		}
	}
}
