package mdns

import (
	"context"
	"net"
)

// Registration is one topic this process answers SRV queries for.
type Registration struct {
	Topic Topic
	Port  uint16
}

// Announcer listens on the shared multicast socket and answers SRV
// queries naming any of its registered topics (spec.md §4.6's "mDNS
// announcer").
type Announcer struct {
	sock *socket
	regs map[string]Registration // domain -> registration
}

// NewAnnouncer opens a fresh multicast socket serving regs.
func NewAnnouncer(regs ...Registration) (*Announcer, error) {
	sock, err := newSocket()
	if err != nil {
		return nil, err
	}
	a := &Announcer{sock: sock, regs: make(map[string]Registration, len(regs))}
	for _, r := range regs {
		a.regs[r.Topic.domain()+"."] = r
	}
	return a, nil
}

// Register adds or replaces a topic this Announcer answers for.
func (a *Announcer) Register(reg Registration) {
	a.regs[reg.Topic.domain()+"."] = reg
}

// Unregister stops answering for topic.
func (a *Announcer) Unregister(topic Topic) {
	delete(a.regs, topic.domain()+".")
}

// Run serves incoming SRV queries until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.serveLoop()
	}()
	<-ctx.Done()
	a.sock.close() // unblocks serveLoop's ReadFrom
	<-done
}

func (a *Announcer) serveLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, _, err := a.sock.pconn.ReadFrom(buf)
		if err != nil {
			return
		}
		domain, ok := parseQuery(buf[:n])
		if !ok {
			continue
		}
		reg, ok := a.regs[domain]
		if !ok {
			continue
		}
		// The query's source address is the locator's address, not ours --
		// embedding it would tell every asker it has found itself. Always
		// answer with the unspecified address and let the locator derive
		// our real address from the answer packet's own source IP
		// (mdns/locate.go's readLoop), matching
		// colmeia-hyperswarm-mdns's announcer.
		answer, err := buildAnswer(reg.Topic.domain(), reg.Port, a.sock.selfID, net.IPv4zero)
		if err != nil {
			logger.Warn("build mdns answer", "err", err)
			continue
		}
		if err := a.sock.writeTo(answer, a.sock.group); err != nil {
			logger.Debug("send mdns answer failed", "err", err)
		}
	}
}
