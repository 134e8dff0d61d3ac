package discover

import (
	"net"

	"github.com/pkg/errors"
)

// Listen opens a UDP socket on addr and returns a live, served Table: an
// empty bootnodes list is the "ephemeral mode" of spec.md §4.6 ("an empty
// list implies ephemeral mode that does not join the global DHT") -- the
// table still works for any explicit peers added later via Bond-equivalent
// discovery from mDNS or a supervisor connection, it just never announces
// into or queries the wider network on its own.
func Listen(addr string, bootnodes []*Node) (*Table, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "discover: resolve listen addr")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "discover: listen udp")
	}
	self, err := randomNodeID()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "discover: generate self id")
	}
	trans := newUDPTransport(conn, self, uint16(udpAddr.Port))
	table := NewTable(self, trans, bootnodes)
	trans.bindTable(table)
	return table, nil
}

// ParseBootnodes parses a list of "host:port" strings into bootstrap
// Nodes with freshly generated placeholder IDs (a bootstrap entry's ID is
// never trusted, only its address). The placeholder is not replaced later:
// Table.add dedups by ID alone, so the same node learned under its real ID
// becomes a second, separate entry.
func ParseBootnodes(addrs []string) ([]*Node, error) {
	nodes := make([]*Node, 0, len(addrs))
	for _, a := range addrs {
		udpAddr, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			return nil, errors.Wrapf(err, "discover: bad bootstrap address %q", a)
		}
		id, err := randomNodeID()
		if err != nil {
			return nil, errors.Wrap(err, "discover: generate bootstrap placeholder id")
		}
		nodes = append(nodes, &Node{ID: id, Addr: udpAddr})
	}
	return nodes, nil
}
