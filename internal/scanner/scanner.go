// Package scanner orchestrates Search, Description, Tunnelling, the
// TPCI/APCI bus layer, and the Monitor Sink across a target set under a
// bounded worker pool, following spec.md's scanner/orchestrator design.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/grayforge/knxmapper/internal/address"
	"github.com/grayforge/knxmapper/internal/bus"
	"github.com/grayforge/knxmapper/internal/knxnetip"
	"github.com/grayforge/knxmapper/internal/metrics"
	"github.com/grayforge/knxmapper/internal/monitor"
	"github.com/grayforge/knxmapper/internal/session"
	"github.com/grayforge/knxmapper/internal/tracing"
	"github.com/grayforge/knxmapper/internal/transport"
)

// DefaultWorkers is the default bound on concurrent bus probes, per
// spec.md §6.
const DefaultWorkers = 30

// DisconnectBudget bounds how long disconnect waits for clean
// DISCONNECT_RESPONSEs before forcing socket closure, per spec.md §4.6.
const DisconnectBudget = 2 * time.Second

// busProbeTimeout bounds a single bus probe (one target individual
// address), per spec.md §4.5.
const busProbeTimeout = 3 * time.Second

// Config holds every knob the CLI surface of spec.md §6 exposes,
// expressed as a programmatic API the presenter layer sits on top of.
type Config struct {
	Port    int
	Workers int

	Interface     string
	SearchMode    bool
	SearchTimeout time.Duration

	DescTimeout time.Duration
	DescRetries int

	BusTargets    []address.Individual
	BusInfo       bool
	BusMonitor    bool
	GroupMonitor  bool
	BruteforceKey []uint32
	AuthKey       uint32

	GroupWriteAddr address.Group
	GroupPayload   []byte
	UseRouting     bool

	TunnelLayer knxnetip.TunnelLayer

	// Metrics, if set, is fed session-open and bus-probe counts. A nil
	// value is a safe no-op, same as every metrics.Metrics method.
	Metrics *metrics.Metrics

	// OnMonitorSink, if set, is called synchronously with a freshly
	// created Sink before scanTarget blocks on Sink.Run. A caller must
	// use it to start draining GroupRecords/BusRecords concurrently:
	// the Sink's record channels are bounded and non-blocking, so
	// nothing reads them while scanTarget is parked inside Run, and
	// records are dropped with a warning once the buffer fills.
	OnMonitorSink func(Target, *monitor.Sink)
}

func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.AuthKey == 0 {
		c.AuthKey = bus.DefaultAuthKey
	}
	if c.TunnelLayer == 0 {
		c.TunnelLayer = knxnetip.LinkLayer
	}
}

// BusProbeResult is one individual-address's findings within a target's
// tunnel.
type BusProbeResult struct {
	ProbeID   uuid.UUID
	Target    address.Individual
	Reachable bool

	DeviceDescriptor uint16
	Memory           map[uint16][]byte
	ADCValue         int16

	AuthLevel uint8
	AuthErr   error

	BruteforceKey   uint32
	BruteforceLevel uint8

	Err error
}

// TargetResult is one network target's full scan outcome.
type TargetResult struct {
	RunID  uuid.UUID
	Target Target

	Reachable bool
	DIBs      []knxnetip.DIB

	TunnelOpened bool
	TunnelErr    error

	BusResults []BusProbeResult

	MonitorSink *monitor.Sink
}

// wellKnownMemory are canonical System 1/2 memory-map offsets worth
// reading opportunistically under --bus-info: manufacturer ID, device
// type, and software version.
var wellKnownMemory = map[string]uint16{
	"manufacturer":     0x0104,
	"device_type":      0x0105,
	"software_version": 0x0107,
}

// Scanner runs the orchestration algorithm of spec.md §4.6 over a
// target set, bounding concurrent bus probes to Config.Workers.
type Scanner struct {
	cfg    Config
	logger *tracing.Logger
	sem    *semaphore.Weighted
}

// New builds a Scanner. cfg is defaulted in place.
func New(cfg Config, logger *tracing.Logger) *Scanner {
	cfg.applyDefaults()
	if logger == nil {
		logger = tracing.Default()
	}
	return &Scanner{
		cfg:    cfg,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// HasSearchPrivileges reports whether the process can bind the raw
// multicast socket Search needs. Mirrors the root check the scanner's
// predecessor performs before attempting -i/--interface.
func HasSearchPrivileges() bool {
	return os.Geteuid() == 0
}

// Run executes the orchestration algorithm: optional Search expands
// targets, then each target is independently described and, if a
// tunnel mode is requested, connected and probed. Targets run
// concurrently; the per-target bus-probe queue is bounded by
// Config.Workers.
func (s *Scanner) Run(ctx context.Context, explicit []Target) ([]TargetResult, error) {
	runID := uuid.New()
	logger := s.logger.With("run_id", runID.String())

	targets := append([]Target(nil), explicit...)
	if s.cfg.SearchMode {
		if !HasSearchPrivileges() {
			return nil, ErrPrivileges
		}
		responders, err := session.Search(ctx, s.cfg.Interface, s.cfg.SearchTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("scanner: search: %w", err)
		}
		for _, r := range responders {
			udpAddr, ok := r.From.(*net.UDPAddr)
			if !ok {
				continue
			}
			targets = append(targets, Target{Host: udpAddr.String(), Addr: udpAddr})
		}
	}
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}

	results := make([]TargetResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			results[i] = s.scanTarget(gctx, runID, t, logger)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// scanTarget runs Description, and if a bus mode was requested, opens
// a Tunnel and either probes bus targets or hands the tunnel to the
// Monitor Sink. It never returns an error: per-target failure is
// reported inside TargetResult so the orchestrator can continue with
// other targets, per spec.md §7.
func (s *Scanner) scanTarget(ctx context.Context, runID uuid.UUID, t Target, logger *tracing.Logger) TargetResult {
	res := TargetResult{RunID: runID, Target: t}
	tlog := logger.With("target", t.Host)

	wantsTunnel := s.cfg.BusMonitor || s.cfg.GroupMonitor || len(s.cfg.BusTargets) > 0

	dibs, err := session.Describe(ctx, nil, t.Addr, s.cfg.DescTimeout, s.cfg.DescRetries, tlog)
	if err != nil {
		res.TunnelErr = err
		return res
	}
	res.Reachable = true
	res.DIBs = dibs

	if !wantsTunnel {
		return res
	}

	ep, err := transport.NewUnicast(nil)
	if err != nil {
		res.TunnelErr = fmt.Errorf("scanner: open local endpoint: %w", err)
		return res
	}
	tun, err := session.Connect(ctx, ep, t.Addr, s.cfg.TunnelLayer, session.Config{}, tlog)
	if err != nil {
		ep.Close()
		if session.IsRetryAsGroupMonitor(err, s.cfg.TunnelLayer) {
			res.TunnelErr = errors.New("device does not support bus monitor; try group monitor")
			return res
		}
		res.TunnelErr = err
		return res
	}
	res.TunnelOpened = true
	s.cfg.Metrics.IncSessionsOpened()
	defer s.disconnect(tun, tlog)

	if s.cfg.BusMonitor || s.cfg.GroupMonitor {
		mode := monitor.GroupMonitor
		if s.cfg.BusMonitor {
			mode = monitor.BusMonitor
		}
		res.MonitorSink = monitor.NewSink(tun, mode, tlog)
		if s.cfg.OnMonitorSink != nil {
			s.cfg.OnMonitorSink(t, res.MonitorSink)
		}
		res.MonitorSink.Run(ctx)
		return res
	}

	res.BusResults = s.probeAll(ctx, tun, tlog)
	return res
}

// probeAll runs one bus probe per Config.BusTargets, bounded to
// Config.Workers concurrent probes. Each probe shares the tunnel's
// single in-flight slot (session.Tunnel.SendCEMI already serializes
// that); the semaphore only bounds how many logical probes are
// in-flight at once, per spec.md §4.6/§5.
func (s *Scanner) probeAll(ctx context.Context, tun *session.Tunnel, logger *tracing.Logger) []BusProbeResult {
	results := make([]BusProbeResult, len(s.cfg.BusTargets))
	var g errgroup.Group
	for i, target := range s.cfg.BusTargets {
		i, target := i, target
		g.Go(func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				results[i] = BusProbeResult{Target: target, Err: err}
				return nil
			}
			defer s.sem.Release(1)
			s.cfg.Metrics.BusProbeStarted()
			res := s.probeOne(ctx, tun, target, logger)
			s.cfg.Metrics.BusProbeFinished(probeOutcome(res))
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scanner) probeOne(ctx context.Context, tun *session.Tunnel, target address.Individual, logger *tracing.Logger) BusProbeResult {
	res := BusProbeResult{ProbeID: uuid.New(), Target: target}
	plog := logger.With("probe_id", res.ProbeID.String(), "bus_target", target.String())

	pctx, cancel := context.WithTimeout(ctx, busProbeTimeout)
	defer cancel()

	if len(s.cfg.BruteforceKey) > 0 {
		key, level, err := bus.Bruteforce(pctx, tun, target, s.cfg.BruteforceKey, 0, plog)
		if err != nil {
			res.Err = err
			return res
		}
		res.Reachable = true
		res.BruteforceKey = key
		res.BruteforceLevel = level
		return res
	}

	d, err := bus.Connect(pctx, tun, target, plog)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() { _ = d.Disconnect(ctx) }()
	res.Reachable = true

	desc, err := d.DeviceDescriptorRead(pctx, 0)
	if err != nil {
		res.Err = err
		return res
	}
	res.DeviceDescriptor = desc

	if level, err := d.AuthorizeRequest(pctx, s.cfg.AuthKey); err != nil {
		res.AuthErr = err
	} else {
		res.AuthLevel = level
	}

	if s.cfg.BusInfo {
		res.Memory = make(map[uint16][]byte, len(wellKnownMemory))
		for _, addr := range wellKnownMemory {
			data, err := d.MemoryRead(pctx, addr, 1)
			if err != nil {
				continue
			}
			res.Memory[addr] = data
		}
		if adc, err := d.ADCRead(pctx, 0, 1); err == nil {
			res.ADCValue = adc
		}
	}
	return res
}

// GroupWrite performs a standalone group-value write: it skips
// Description and bus enumeration entirely, matching the original
// implementation's separate group_writer entry point (see SPEC_FULL.md
// §4). With Config.UseRouting set it goes out over multicast ROUTING_
// INDICATION instead of opening a unicast tunnel.
func (s *Scanner) GroupWrite(ctx context.Context, t Target) error {
	if s.cfg.UseRouting {
		router, err := session.NewRouter(s.cfg.Interface, s.logger)
		if err != nil {
			return fmt.Errorf("scanner: group write via routing: %w", err)
		}
		defer router.Close()
		frame := knxnetip.CEMIFrame{
			MessageCode: knxnetip.LDataReq,
			Control1:    knxnetip.ControlField1{StandardFrame: true, Repeat: true, AckRequested: true},
			Control2:    knxnetip.ControlField2{GroupAddress: true, HopCount: 6}, //nolint:mnd // default KNX hop count
			Dest:        s.cfg.GroupWriteAddr.ToUint16(),
			TPCI:        knxnetip.TPCI{Type: knxnetip.TUDT},
			APCI:        knxnetip.APCI{Service: knxnetip.GroupValueWrite, Data: s.cfg.GroupPayload},
		}
		return router.Send(ctx, frame)
	}

	ep, err := transport.NewUnicast(nil)
	if err != nil {
		return fmt.Errorf("scanner: group write: open local endpoint: %w", err)
	}
	tun, err := session.Connect(ctx, ep, t.Addr, knxnetip.LinkLayer, session.Config{}, s.logger)
	if err != nil {
		ep.Close()
		return fmt.Errorf("scanner: group write: open tunnel: %w", err)
	}
	defer s.disconnect(tun, s.logger)

	return bus.GroupWrite(ctx, tun, s.cfg.GroupWriteAddr.ToUint16(), s.cfg.GroupPayload)
}

// disconnect gives an Active tunnel up to DisconnectBudget to close
// cleanly, per spec.md §4.6's cancellation model, before the deferred
// Tunnel.Close's own socket teardown takes over regardless.
func (s *Scanner) disconnect(tun *session.Tunnel, logger *tracing.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), DisconnectBudget)
	defer cancel()
	if err := tun.Close(ctx); err != nil {
		logger.Warn("tunnel did not close cleanly", "error", err)
	}
}

// probeOutcome labels a completed BusProbeResult for the
// knxmapper_bus_probes_total metric.
func probeOutcome(res BusProbeResult) string {
	switch {
	case res.Err != nil:
		return "error"
	case res.Reachable:
		return "reachable"
	default:
		return "unreachable"
	}
}
