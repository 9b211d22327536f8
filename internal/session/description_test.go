package session

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grayforge/knxmapper/internal/knxnetip"
)

func TestDescribeSuccess(t *testing.T) {
	gw := newFakeGateway(t)
	gw.run(t, func(from net.Addr, f knxnetip.Frame) {
		if f.Service != knxnetip.DescriptionRequest {
			return
		}
		gw.reply(t, from, knxnetip.Frame{
			Service: knxnetip.DescriptionResponse,
			DescriptionResponse: &knxnetip.DescriptionResponseBody{
				DIBs: []knxnetip.DIB{{DeviceInfo: &knxnetip.DeviceInfoDIB{FriendlyName: "Line Coupler"}}},
			},
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dibs, err := Describe(ctx, net.IPv4(127, 0, 0, 1), gw.addr, 200*time.Millisecond, 2, nil)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if len(dibs) != 1 || dibs[0].DeviceInfo == nil || dibs[0].DeviceInfo.FriendlyName != "Line Coupler" {
		t.Errorf("unexpected DIBs: %+v", dibs)
	}
}

func TestDescribeRetriesThenUnreachable(t *testing.T) {
	gw := newFakeGateway(t) // never replies
	var requests atomic.Int32
	gw.run(t, func(_ net.Addr, f knxnetip.Frame) {
		if f.Service == knxnetip.DescriptionRequest {
			requests.Add(1)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Describe(ctx, net.IPv4(127, 0, 0, 1), gw.addr, 50*time.Millisecond, 2, nil)
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("Describe error = %v, want ErrUnreachable", err)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("observed %d DESCRIPTION_REQUEST attempts, want 3 (1 + 2 retries)", got)
	}
}

