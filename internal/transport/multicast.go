package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// multicastEndpoint wraps an ipv4.PacketConn joined to the KNXnet/IP
// multicast group on a named interface. net.ListenUDP alone cannot
// express IP_ADD_MEMBERSHIP on a specific interface; ipv4.PacketConn is
// the portable way to get it.
type multicastEndpoint struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	local  *net.UDPAddr
	out    chan Datagram
	closed chan struct{}
}

// NewMulticast opens a socket bound to the wildcard address on
// DefaultPort and joins MulticastGroup on ifaceName. Search requires this; Routing
// reuses it for both sending and receiving ROUTING_INDICATION frames.
func NewMulticast(ifaceName string) (Endpoint, error) {
	if ifaceName == "" {
		return nil, errors.New("transport: multicast endpoint requires a named interface")
	}
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve interface %q: %w", ifaceName, err)
	}

	group := net.ParseIP(MulticastGroup)
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: DefaultPort})
	if err != nil {
		return nil, fmt.Errorf("transport: listen multicast: %w", err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: join group %s on %s: %w", MulticastGroup, ifaceName, err)
	}
	if err := pconn.SetMulticastInterface(iface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set multicast interface %s: %w", ifaceName, err)
	}

	localIP := localIPv4(iface)
	e := &multicastEndpoint{
		conn:   conn,
		pconn:  pconn,
		local:  &net.UDPAddr{IP: localIP, Port: conn.LocalAddr().(*net.UDPAddr).Port},
		out:    make(chan Datagram, 64),
		closed: make(chan struct{}),
	}
	go e.readLoop()
	return e, nil
}

// localIPv4 picks the first IPv4 address bound to iface, used to
// populate outbound HPAIs with a reachable unicast address rather than
// the multicast group itself.
func localIPv4(iface *net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return net.IPv4zero
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4
		}
	}
	return net.IPv4zero
}

func (e *multicastEndpoint) readLoop() {
	defer close(e.out)
	buf := make([]byte, readBufferSize)
	for {
		n, _, from, err := e.pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case e.out <- Datagram{From: from, Data: payload}:
		case <-e.closed:
			return
		}
	}
}

func (e *multicastEndpoint) LocalAddr() *net.UDPAddr {
	return e.local
}

func (e *multicastEndpoint) Send(ctx context.Context, to *net.UDPAddr, b []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := e.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("transport: set write deadline: %w", err)
		}
	}
	if _, err := e.conn.WriteToUDP(b, to); err != nil {
		return fmt.Errorf("transport: send to %s: %w", to, err)
	}
	return nil
}

func (e *multicastEndpoint) Datagrams() <-chan Datagram {
	return e.out
}

func (e *multicastEndpoint) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
		close(e.closed)
	}
	return e.conn.Close()
}
