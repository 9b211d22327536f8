// Package monitor implements the Monitor Sink: it consumes decoded cEMI
// traffic from an Active tunnel and emits one structured record per
// frame, without persisting anything itself.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/grayforge/knxmapper/internal/address"
	"github.com/grayforge/knxmapper/internal/knxnetip"
	"github.com/grayforge/knxmapper/internal/session"
	"github.com/grayforge/knxmapper/internal/tracing"
)

// Mode selects which cEMI traffic a Sink extracts records from: group
// telegrams (L_Data.ind) or raw bus frames (L_Busmon.ind). A tunnel
// connected with knxnetip.Busmonitor layer only ever produces
// L_Busmon.ind; one connected with LinkLayer only ever produces
// L_Data.ind, so a Sink's Mode should match the layer the tunnel was
// opened with.
type Mode int

const (
	GroupMonitor Mode = iota
	BusMonitor
)

const recordBuffer = 64

// pollInterval is how often Run checks whether the tunnel is still
// Active; there is no event to wait on for that transition from here,
// so Run polls instead of blocking on a channel the Tunnel doesn't
// expose.
const pollInterval = 200 * time.Millisecond

// GroupRecord is one L_Data.ind observed in group-monitor mode.
type GroupRecord struct {
	Channel     uint8
	Seq         uint64
	MessageCode knxnetip.MessageCode
	Source      address.Individual
	IsGroupDest bool
	Dest        uint16
	TPCI        knxnetip.TPCI
	APCI        knxnetip.APCI
}

// BusRecord is one L_Busmon.ind observed in bus-monitor mode.
type BusRecord struct {
	Channel     uint8
	Seq         uint64
	MessageCode knxnetip.MessageCode
	Timestamp   uint32
	RawFrame    []byte
}

// Sink attaches to an Active tunnel's sink and forwards matching frames
// as records until Stop is called or Run observes the tunnel leave the
// Active state. Acknowledgement of the carrying TUNNELLING_REQUEST is
// handled by the Tunnel itself and is never suppressed here, matching
// spec.md §4.7.
//
// Unlike the SQLite-backed monitor this package replaces, a Sink holds
// nothing beyond its record channels: every frame is forwarded or
// dropped with a warning, never written to disk.
type Sink struct {
	tunnel *session.Tunnel
	mode   Mode
	logger *tracing.Logger

	groupCh chan GroupRecord
	busCh   chan BusRecord

	mu      sync.Mutex
	seq     uint64
	stopped bool
}

// NewSink attaches to tunnel and begins forwarding matching frames.
// tunnel must already be Active; the Sink takes over its sink callback
// for as long as it runs.
func NewSink(tunnel *session.Tunnel, mode Mode, logger *tracing.Logger) *Sink {
	if logger == nil {
		logger = tracing.Default()
	}
	s := &Sink{
		tunnel:  tunnel,
		mode:    mode,
		logger:  logger,
		groupCh: make(chan GroupRecord, recordBuffer),
		busCh:   make(chan BusRecord, recordBuffer),
	}
	tunnel.SetSink(s.onFrame)
	return s
}

func (s *Sink) onFrame(f knxnetip.CEMIFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.seq++

	switch s.mode {
	case GroupMonitor:
		if f.MessageCode != knxnetip.LDataInd {
			return
		}
		rec := GroupRecord{
			Channel:     s.tunnel.ChannelID(),
			Seq:         s.seq,
			MessageCode: f.MessageCode,
			Source:      address.IndividualFromUint16(f.Source),
			IsGroupDest: f.Control2.GroupAddress,
			Dest:        f.Dest,
			TPCI:        f.TPCI,
			APCI:        f.APCI,
		}
		select {
		case s.groupCh <- rec:
		default:
			s.logger.Warn("group monitor record dropped, consumer too slow")
		}
	case BusMonitor:
		if f.MessageCode != knxnetip.LBusmonInd {
			return
		}
		rec := BusRecord{
			Channel:     s.tunnel.ChannelID(),
			Seq:         s.seq,
			MessageCode: f.MessageCode,
			Timestamp:   f.BusmonTimestamp,
			RawFrame:    f.RawFrame,
		}
		select {
		case s.busCh <- rec:
		default:
			s.logger.Warn("bus monitor record dropped, consumer too slow")
		}
	}
}

// GroupRecords returns the channel group-monitor records are delivered
// on. It closes once Stop has run. Only meaningful for a Sink created
// with GroupMonitor.
func (s *Sink) GroupRecords() <-chan GroupRecord { return s.groupCh }

// BusRecords returns the channel bus-monitor records are delivered on.
// It closes once Stop has run. Only meaningful for a Sink created with
// BusMonitor.
func (s *Sink) BusRecords() <-chan BusRecord { return s.busCh }

// Stop releases the tunnel's sink and closes the record channels. It
// does not close the tunnel itself; the caller owns that lifecycle (the
// orchestrator's cancellation disconnects the tunnel separately, per
// spec.md §4.6). Safe to call more than once.
func (s *Sink) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.tunnel.SetSink(nil)
	close(s.groupCh)
	close(s.busCh)
}

// Run blocks until ctx is cancelled or the tunnel stops being Active,
// then calls Stop. It is the convenience entry point for "hand the
// tunnel to the Monitor Sink until cancelled" (spec.md §4.6 step 4).
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-ticker.C:
			if s.tunnel.State() != session.StateActive {
				s.Stop()
				return
			}
		}
	}
}
