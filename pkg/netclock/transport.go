package netclock

import (
	"context"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Transport opens datagram connections to already resolved endpoints.
type Transport interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Conn is a connected datagram socket. Receive blocks until a datagram
// arrives or the connection is closed.
type Conn interface {
	Send(b []byte) error
	Receive(b []byte) (int, error)
	Close() error
}

// Expedited forwarding, what ntpd and chrony mark their packets with.
const dscpEF = 0xb8

type UDPTransport struct {
	// LocalAddr binds the socket when set, e.g. "0.0.0.0:0".
	LocalAddr string
}

func (t UDPTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := net.Dialer{}
	if t.LocalAddr != "" {
		local, err := net.ResolveUDPAddr("udp", t.LocalAddr)
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = local
	}

	conn, err := dialer.DialContext(ctx, "udp", endpoint)
	if err != nil {
		return nil, err
	}

	udp := conn.(*net.UDPConn)
	remote := udp.RemoteAddr().(*net.UDPAddr)
	if remote.IP.To4() != nil {
		err = ipv4.NewConn(udp).SetTOS(dscpEF)
	} else {
		err = ipv6.NewConn(udp).SetTrafficClass(dscpEF)
	}
	if err != nil {
		debug("could not mark packets", "endpoint", endpoint, "err", err)
	}

	return &udpConn{conn: udp}, nil
}

type udpConn struct {
	conn *net.UDPConn
}

func (c *udpConn) Send(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

func (c *udpConn) Receive(b []byte) (int, error) {
	return c.conn.Read(b)
}

func (c *udpConn) Close() error {
	return c.conn.Close()
}
