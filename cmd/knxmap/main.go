// Command knxmap discovers KNXnet/IP gateways, opens tunnelling sessions
// onto the attached KNX bus, enumerates individual bus addresses, and
// can passively monitor bus or group traffic.
//
// This is the thinnest possible wiring over internal/scanner: argument
// parsing, log-level selection, and result printing. Pretty-printing of
// monitored frames and the full device object-interface catalog are
// left to an external presenter, per spec.md §1.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/grayforge/knxmapper/internal/address"
	"github.com/grayforge/knxmapper/internal/config"
	"github.com/grayforge/knxmapper/internal/knxnetip"
	"github.com/grayforge/knxmapper/internal/metrics"
	"github.com/grayforge/knxmapper/internal/monitor"
	"github.com/grayforge/knxmapper/internal/scanner"
	"github.com/grayforge/knxmapper/internal/tracing"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Exit codes per spec.md §6.
const (
	exitOK             = 0
	exitUsageOrNothing = 1
	exitNoPrivileges   = 2
)

func main() {
	fmt.Fprintln(os.Stderr, buildInfo())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code, err := run(ctx, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "knxmap: %v\n", err)
	}
	os.Exit(code)
}

// cliArgs holds every flag spec.md §6 names, plus the handful the
// thinnest-possible presenter needs beyond it (metrics listener, the
// group-write payload itself).
type cliArgs struct {
	port    int
	workers int

	iface         string
	searchMode    bool
	searchTimeout int

	descTimeout int
	descRetries int

	busTargets stringList
	busInfo    bool

	busMonitor   bool
	groupMonitor bool

	bruteforceKey   bool
	bruteforceRange string
	authKey         string

	groupWrite   string
	groupAddress string
	useRouting   bool

	verbosity verboseCount
	quiet     bool

	metricsAddr string
}

// stringList accumulates repeated/comma-separated flag occurrences,
// e.g. `--bus-targets 1.1.1-1.1.50 --bus-targets 2.1.0/4`.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error {
	*l = append(*l, strings.Split(v, ",")...)
	return nil
}

// verboseCount implements flag.Value so repeated `-v -v` each increment
// the count; buildLogger maps 0 to info, 1 to debug and 2 or more to
// trace.
type verboseCount int

func (v *verboseCount) String() string { return strconv.Itoa(int(*v)) }
func (v *verboseCount) Set(string) error {
	*v++
	return nil
}
func (v *verboseCount) IsBoolFlag() bool { return true }

func parseArgs(args []string) (*cliArgs, []string, error) {
	fs := flag.NewFlagSet("knxmap", flag.ContinueOnError)
	a := &cliArgs{}

	fs.IntVar(&a.port, "port", config.DefaultPort, "KNXnet/IP UDP port")
	fs.IntVar(&a.workers, "workers", scanner.DefaultWorkers, "bounded worker-pool size for bus probes")

	fs.StringVar(&a.iface, "interface", "", "network interface for multicast search/routing")
	fs.StringVar(&a.iface, "i", "", "shorthand for --interface")
	fs.BoolVar(&a.searchMode, "search", false, "discover gateways via SEARCH_REQUEST instead of scanning explicit targets")
	fs.IntVar(&a.searchTimeout, "search-timeout", 5, "seconds to collect SEARCH_RESPONSEs")

	fs.IntVar(&a.descTimeout, "desc-timeout", 2, "seconds to wait for a DESCRIPTION_RESPONSE per attempt")
	fs.IntVar(&a.descRetries, "desc-retries", 3, "DESCRIPTION_REQUEST attempts before marking a target unreachable")

	fs.Var(&a.busTargets, "bus-targets", "bus-target range(s): a.l.d-a.l.d, a.l.d/bits, or a bare a.l.d")
	fs.BoolVar(&a.busInfo, "bus-info", false, "read memory/ADC/manufacturer info from each reachable bus target")

	fs.BoolVar(&a.busMonitor, "bus-monitor", false, "open a BusMonitor tunnel and stream raw bus frames")
	fs.BoolVar(&a.groupMonitor, "group-monitor", false, "open a LinkLayer tunnel and stream group telegrams")

	fs.BoolVar(&a.bruteforceKey, "bruteforce-key", false, "iterate candidate Authorize_Request keys against each bus target")
	fs.StringVar(&a.bruteforceRange, "bruteforce-range", "", "candidate key range \"start-end\" (decimal or 0x-hex); default is a conservative 16-bit sweep")
	fs.StringVar(&a.authKey, "auth-key", "0xFFFFFFFF", "Authorize_Request key tried before bus-info follow-ups")

	fs.StringVar(&a.groupWrite, "group-write", "", "hex-encoded payload for a standalone GroupValueWrite")
	fs.StringVar(&a.groupAddress, "group-address", "", "destination group address for --group-write (n/n/n or n/n)")
	fs.BoolVar(&a.useRouting, "routing", false, "send --group-write over multicast ROUTING_INDICATION instead of a unicast tunnel")

	fs.Var(&a.verbosity, "v", "increase log verbosity (repeatable)")
	fs.Var(&a.verbosity, "verbose", "increase log verbosity (repeatable)")
	fs.BoolVar(&a.quiet, "q", false, "suppress all but error-level logging")
	fs.BoolVar(&a.quiet, "quiet", false, "suppress all but error-level logging")

	fs.StringVar(&a.metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return a, fs.Args(), nil
}

func run(ctx context.Context, osArgs []string) (int, error) {
	a, targetArgs, err := parseArgs(osArgs)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, nil
		}
		return exitUsageOrNothing, err
	}

	logger := buildLogger(a)

	if a.searchMode && !scanner.HasSearchPrivileges() {
		return exitNoPrivileges, errors.New("search requires elevated privileges to bind the multicast interface")
	}

	if a.groupWrite != "" {
		return runGroupWrite(ctx, a, targetArgs, logger)
	}

	cfg, err := buildScanConfig(a, logger)
	if err != nil {
		return exitUsageOrNothing, err
	}
	cfg.OnMonitorSink = func(t scanner.Target, sink *monitor.Sink) {
		go drainMonitor(t, a.busMonitor, sink, logger)
	}

	explicit, err := scanner.ParseTargets(targetArgs, a.port)
	if err != nil {
		return exitUsageOrNothing, err
	}
	if len(explicit) == 0 && !a.searchMode {
		return exitUsageOrNothing, errors.New("no targets: pass hostnames/IPs/CIDRs or --search")
	}

	s := scanner.New(cfg, logger)
	results, err := s.Run(ctx, explicit)
	if err != nil {
		return exitUsageOrNothing, err
	}

	return reportResults(results, logger), nil
}

func buildLogger(a *cliArgs) *tracing.Logger {
	level := "info"
	switch {
	case a.quiet:
		level = "error"
	case a.verbosity >= 2:
		level = "trace"
	case a.verbosity == 1:
		level = "debug"
	}
	logger := tracing.New(tracing.Config{Level: level, Format: "json", Output: "stderr"})

	if a.metricsAddr != "" {
		m := metrics.New()
		go serveMetrics(a.metricsAddr, m, logger)
		logger = logger.WithMetrics(m)
	}
	return logger
}

func buildScanConfig(a *cliArgs, logger *tracing.Logger) (scanner.Config, error) {
	var busTargets []address.Individual
	for _, raw := range a.busTargets {
		ias, err := scanner.ParseBusRange(raw)
		if err != nil {
			return scanner.Config{}, fmt.Errorf("--bus-targets %q: %w", raw, err)
		}
		busTargets = append(busTargets, ias...)
	}

	authKey, err := parseHexUint32(a.authKey)
	if err != nil {
		return scanner.Config{}, fmt.Errorf("--auth-key: %w", err)
	}

	var bruteforce []uint32
	if a.bruteforceKey {
		bruteforce, err = bruteforceCandidates(a.bruteforceRange)
		if err != nil {
			return scanner.Config{}, fmt.Errorf("--bruteforce-range: %w", err)
		}
	}

	layer := knxnetip.LinkLayer
	if a.busMonitor {
		layer = knxnetip.Busmonitor
	}

	if (a.searchMode || a.useRouting) && a.iface == "" {
		logger.Warn("no --interface given; multicast search/routing will fail")
	}

	return scanner.Config{
		Port:          a.port,
		Workers:       a.workers,
		Interface:     a.iface,
		SearchMode:    a.searchMode,
		SearchTimeout: time.Duration(a.searchTimeout) * time.Second,
		DescTimeout:   time.Duration(a.descTimeout) * time.Second,
		DescRetries:   a.descRetries,
		BusTargets:    busTargets,
		BusInfo:       a.busInfo,
		BusMonitor:    a.busMonitor,
		GroupMonitor:  a.groupMonitor,
		BruteforceKey: bruteforce,
		AuthKey:       authKey,
		UseRouting:    a.useRouting,
		TunnelLayer:   layer,
	}, nil
}

// defaultBruteforceSpan caps the implicit candidate range when
// --bruteforce-key is given without --bruteforce-range: the full
// 32-bit Authorize_Request key space is four billion candidates, too
// many to materialise or iterate through by default.
const defaultBruteforceSpan = 0xFFFF

func bruteforceCandidates(rangeSpec string) ([]uint32, error) {
	start, end := uint32(0), uint32(defaultBruteforceSpan)
	if rangeSpec != "" {
		parts := strings.SplitN(rangeSpec, "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("expected start-end, got %q", rangeSpec)
		}
		s, err := parseHexUint32(parts[0])
		if err != nil {
			return nil, err
		}
		e, err := parseHexUint32(parts[1])
		if err != nil {
			return nil, err
		}
		if s > e {
			return nil, fmt.Errorf("range start %d is after end %d", s, e)
		}
		start, end = s, e
	}

	keys := make([]uint32, 0, uint64(end)-uint64(start)+1)
	for k := start; ; k++ {
		keys = append(keys, k)
		if k == end {
			break
		}
	}
	return keys, nil
}

func parseHexUint32(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	return uint32(v), nil
}

func runGroupWrite(ctx context.Context, a *cliArgs, targetArgs []string, logger *tracing.Logger) (int, error) {
	if a.groupAddress == "" {
		return exitUsageOrNothing, errors.New("--group-write requires --group-address")
	}
	ga, err := address.ParseGroup(a.groupAddress)
	if err != nil {
		return exitUsageOrNothing, fmt.Errorf("--group-address: %w", err)
	}
	payload, err := parseHexBytes(a.groupWrite)
	if err != nil {
		return exitUsageOrNothing, fmt.Errorf("--group-write: %w", err)
	}

	var target scanner.Target
	if !a.useRouting {
		if len(targetArgs) == 0 {
			return exitUsageOrNothing, errors.New("--group-write without --routing requires one target gateway")
		}
		targets, err := scanner.ParseTargets(targetArgs[:1], a.port)
		if err != nil {
			return exitUsageOrNothing, err
		}
		target = targets[0]
	}

	cfg, err := buildScanConfig(a, logger)
	if err != nil {
		return exitUsageOrNothing, err
	}
	cfg.GroupWriteAddr = ga
	cfg.GroupPayload = payload

	s := scanner.New(cfg, logger)
	if err := s.GroupWrite(ctx, target); err != nil {
		return exitUsageOrNothing, err
	}
	logger.Info("group write sent", "group_address", ga.String(), "bytes", len(payload))
	return exitOK, nil
}

// parseHexBytes accepts a "0x"-prefixed or bare hex string of any
// length, matching how a human types a pre-encoded DPT payload on the
// command line. spec.md §4.5/§9 leaves width validation to the caller.
func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex payload %q: %w", s, err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// drainMonitor logs each record as it arrives, for as long as the Sink
// runs. It must run concurrently with Scanner.Run for this target: the
// Sink's record channels are bounded and non-blocking, so nothing else
// drains them while scanTarget is parked inside Sink.Run.
func drainMonitor(t scanner.Target, busMonitor bool, sink *monitor.Sink, logger *tracing.Logger) {
	mlog := logger.With("target", t.Host)
	if busMonitor {
		for rec := range sink.BusRecords() {
			mlog.Info("bus monitor frame", "seq", rec.Seq, "timestamp", rec.Timestamp, "bytes", len(rec.RawFrame))
		}
		return
	}
	for rec := range sink.GroupRecords() {
		mlog.Info("group monitor frame",
			"seq", rec.Seq,
			"source", rec.Source.String(),
			"dest", rec.Dest,
			"is_group_dest", rec.IsGroupDest,
			"apci_service", rec.APCI.Service,
		)
	}
}

// reportResults logs one structured entry per target/probe and returns
// the process exit code: success if anything was reachable, usage/
// unreachable-everything otherwise, per spec.md §6.
func reportResults(results []scanner.TargetResult, logger *tracing.Logger) int {
	anyReachable := false
	for _, r := range results {
		rlog := logger.With("target", r.Target.Host)
		if !r.Reachable {
			rlog.Warn("target unreachable", "error", r.TunnelErr)
			continue
		}
		anyReachable = true
		rlog.Info("target reachable", "dibs", len(r.DIBs))

		if r.MonitorSink != nil {
			continue // drainMonitor already logged everything as it arrived
		}
		if r.TunnelErr != nil {
			rlog.Warn("tunnel failed", "error", r.TunnelErr)
			continue
		}
		if !r.TunnelOpened {
			continue
		}
		for _, bp := range r.BusResults {
			blog := rlog.With("bus_target", bp.Target.String())
			if bp.Err != nil {
				blog.Warn("bus probe failed", "error", bp.Err)
				continue
			}
			blog.Info("bus probe complete",
				"reachable", bp.Reachable,
				"device_descriptor", fmt.Sprintf("0x%04X", bp.DeviceDescriptor),
				"auth_level", bp.AuthLevel,
				"bruteforce_key", fmt.Sprintf("0x%08X", bp.BruteforceKey),
			)
		}
	}

	if !anyReachable {
		return exitUsageOrNothing
	}
	return exitOK
}

func serveMetrics(addr string, m *metrics.Metrics, logger *tracing.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.Info("serving metrics", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "error", err)
	}
}

// buildInfo reports the version stamped at build time via ldflags.
func buildInfo() string {
	return fmt.Sprintf("knxmap %s (%s) built %s", version, commit, date)
}
