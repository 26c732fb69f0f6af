// Package datapath provides a real-socket implementation of conn.Datapath
// for the demonstration CLI: a single UDP socket shared by every connection
// dialed or accepted on it, grounded on the Datapath contract of
// conn/collaborators.go (§6: "binding/datapath API").
package datapath

import (
	"context"
	"fmt"
	"net"

	"github.com/quiccore/quiccore/conn"
)

// defaultMTU is the conservative IPv4 UDP payload size used when the
// datapath has no path-MTU-discovery signal of its own.
const defaultMTU = 1200

// UDP is a single UDP socket wired to one or more connections, satisfying
// conn.Datapath.
type UDP struct {
	sock    *net.UDPConn
	remote  *net.UDPAddr
	recvBuf []byte
}

// ListenUDP opens a UDP socket bound to addr, for accepting connections.
func ListenUDP(addr string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	sock, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}
	return &UDP{sock: sock, recvBuf: make([]byte, 64*1024)}, nil
}

// DialUDP opens a UDP socket connected to addr, for a single outbound
// connection.
func DialUDP(addr string) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	sock, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}
	return &UDP{sock: sock, remote: raddr, recvBuf: make([]byte, 64*1024)}, nil
}

// Close releases the underlying socket.
func (u *UDP) Close() error { return u.sock.Close() }

// LocalAddress implements conn.Datapath.
func (u *UDP) LocalAddress() net.Addr { return u.sock.LocalAddr() }

// RemoteAddress reports the address passed to DialUDP, or nil for a
// listening socket.
func (u *UDP) RemoteAddress() net.Addr { return u.remote }

// LocalMTU implements conn.Datapath.
func (u *UDP) LocalMTU() int { return defaultMTU }

// ResolveAddress implements conn.Datapath.
func (u *UDP) ResolveAddress(ctx context.Context, hostname string) (net.Addr, error) {
	var r net.Resolver
	ips, err := r.LookupIP(ctx, "ip", hostname)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", hostname)
	}
	return &net.UDPAddr{IP: ips[0]}, nil
}

// Send implements conn.Datapath by writing each datagram's bytes in turn;
// the demonstration harness never coalesces datagrams into GSO batches.
func (u *UDP) Send(ctx context.Context, datagrams []conn.Datagram) error {
	for _, dg := range datagrams {
		var err error
		if addr, ok := dg.RemoteAddr.(*net.UDPAddr); ok && u.remote == nil {
			_, err = u.sock.WriteToUDP(dg.Data, addr)
		} else {
			_, err = u.sock.Write(dg.Data)
		}
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	return nil
}

// ReturnRecvDatagrams implements conn.Datapath. The demonstration harness
// allocates a fresh buffer per read, so there is nothing to recycle.
func (u *UDP) ReturnRecvDatagrams(datagrams []conn.Datagram) {}

// Run reads datagrams until ctx is cancelled or the socket errors, handing
// each batch to handler (normally Connection.QueueDatagrams).
func (u *UDP) Run(ctx context.Context, handler func([]conn.Datagram)) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = u.sock.Close()
		close(done)
	}()

	for {
		n, raddr, err := u.sock.ReadFromUDP(u.recvBuf)
		if err != nil {
			select {
			case <-done:
				return ctx.Err()
			default:
				return fmt.Errorf("read: %w", err)
			}
		}
		data := make([]byte, n)
		copy(data, u.recvBuf[:n])
		handler([]conn.Datagram{{
			Data:       data,
			RemoteAddr: raddr,
			LocalAddr:  u.sock.LocalAddr(),
		}})
	}
}
