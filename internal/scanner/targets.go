package scanner

import (
	"fmt"
	"net"
	"strings"

	"github.com/grayforge/knxmapper/internal/address"
	"github.com/grayforge/knxmapper/internal/transport"
)

// Target is one gateway candidate: a resolved host and the KNXnet/IP
// port to reach it on.
type Target struct {
	Host string
	Addr *net.UDPAddr
}

// ParseTargets resolves a mix of hostnames, bare IPs, and CIDR blocks
// into a flat Target list, each on port. A CIDR is flattened to every
// host address in the block (network and broadcast addresses are
// skipped for anything wider than a /31).
func ParseTargets(args []string, port int) ([]Target, error) {
	if port == 0 {
		port = transport.DefaultPort
	}
	var targets []Target
	for _, arg := range args {
		if strings.Contains(arg, "/") {
			hosts, err := flattenCIDR(arg, port)
			if err != nil {
				return nil, err
			}
			targets = append(targets, hosts...)
			continue
		}
		ips, err := net.LookupIP(arg)
		if err != nil {
			return nil, fmt.Errorf("scanner: resolve %q: %w", arg, err)
		}
		targets = append(targets, Target{Host: arg, Addr: &net.UDPAddr{IP: ips[0], Port: port}})
	}
	return targets, nil
}

// flattenCIDR expands a CIDR block into one Target per host address.
func flattenCIDR(cidr string, port int) ([]Target, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("scanner: parse CIDR %q: %w", cidr, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("scanner: %q is not IPv4", cidr)
	}

	ones, bits := ipNet.Mask.Size()
	hostBits := bits - ones

	var targets []Target
	for cur := cloneIP(ipNet.IP.To4()); ipNet.Contains(cur); incIP(cur) {
		if hostBits > 1 && (isNetworkAddr(cur, ipNet) || isBroadcastAddr(cur, ipNet)) {
			continue
		}
		addr := cloneIP(cur)
		targets = append(targets, Target{Host: addr.String(), Addr: &net.UDPAddr{IP: addr, Port: port}})
	}
	return targets, nil
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

func isNetworkAddr(ip net.IP, ipNet *net.IPNet) bool {
	return ip.Equal(ipNet.IP)
}

func isBroadcastAddr(ip net.IP, ipNet *net.IPNet) bool {
	bcast := cloneIP(ipNet.IP)
	for i := range bcast {
		bcast[i] |= ^ipNet.Mask[i]
	}
	return ip.Equal(bcast)
}

// ParseBusRange parses a bus-target range in either "a.l.d-a.l.d" form
// or "a.l.d/mask" form (mask is the number of trailing device-id bits
// left free, mirroring CIDR notation but over the 8-bit device field)
// into the flat list of individual addresses it names.
func ParseBusRange(s string) ([]address.Individual, error) {
	switch {
	case strings.Contains(s, "-"):
		return parseBusDash(s)
	case strings.Contains(s, "/"):
		return parseBusMask(s)
	default:
		ia, err := address.ParseIndividual(s)
		if err != nil {
			return nil, err
		}
		return []address.Individual{ia}, nil
	}
}

func parseBusDash(s string) ([]address.Individual, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected a.l.d-a.l.d, got %q", address.ErrInvalidAddress, s)
	}
	from, err := address.ParseIndividual(parts[0])
	if err != nil {
		return nil, err
	}
	to, err := address.ParseIndividual(parts[1])
	if err != nil {
		return nil, err
	}
	if from.ToUint16() > to.ToUint16() {
		return nil, fmt.Errorf("%w: range start %s is after end %s", address.ErrInvalidAddress, from, to)
	}

	var out []address.Individual
	for v := from.ToUint16(); v <= to.ToUint16(); v++ {
		out = append(out, address.IndividualFromUint16(v))
		if v == to.ToUint16() {
			break // v++ would wrap past 0xFFFF on the last iteration
		}
	}
	return out, nil
}

func parseBusMask(s string) ([]address.Individual, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected a.l.d/bits, got %q", address.ErrInvalidAddress, s)
	}
	base, err := address.ParseIndividual(parts[0])
	if err != nil {
		return nil, err
	}
	var freeBits uint
	if _, err := fmt.Sscanf(parts[1], "%d", &freeBits); err != nil || freeBits > 8 {
		return nil, fmt.Errorf("%w: mask bits must be 0-8, got %q", address.ErrInvalidAddress, parts[1])
	}

	baseVal := base.ToUint16() &^ uint16(1<<freeBits-1)
	count := 1 << freeBits
	out := make([]address.Individual, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, address.IndividualFromUint16(baseVal+uint16(i)))
	}
	return out, nil
}
