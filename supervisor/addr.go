package supervisor

import "net"

// SocketAddr is the canonical "ip:port" form spec.md §4.5 dedups on.
type SocketAddr string

func socketAddrOf(addr net.Addr) SocketAddr {
	if a, ok := addr.(*net.TCPAddr); ok {
		return SocketAddr(a.String())
	}
	return SocketAddr(addr.String())
}
