package discover

import (
	"net"
	"time"
)

// storeValue records that n (reached via addr) is serving topic on port,
// replacing any existing record for the same addr (spec.md §4.6: DHT
// entries expire and must be periodically re-announced).
func (t *Table) storeValue(topic Topic, addr *net.UDPAddr, port uint16) {
	t.valuesMu.Lock()
	defer t.valuesMu.Unlock()
	recs := t.values[topic]
	now := time.Now()
	for i, r := range recs {
		if sameUDPAddr(r.Addr, addr) {
			recs[i] = PeerRecord{Addr: addr, Port: port, Expires: now.Add(topicTTL)}
			t.values[topic] = recs
			return
		}
	}
	t.values[topic] = append(recs, PeerRecord{Addr: addr, Port: port, Expires: now.Add(topicTTL)})
	topicValuesGauge.Update(int64(t.totalValuesLocked()))
}

// removeValue is the best-effort un-announce of spec.md §4.6.
func (t *Table) removeValue(topic Topic, addr *net.UDPAddr) {
	t.valuesMu.Lock()
	defer t.valuesMu.Unlock()
	recs := t.values[topic]
	for i, r := range recs {
		if sameUDPAddr(r.Addr, addr) {
			t.values[topic] = append(recs[:i], recs[i+1:]...)
			break
		}
	}
	topicValuesGauge.Update(int64(t.totalValuesLocked()))
}

// valuesFor returns live (non-expired) peer records for topic.
func (t *Table) valuesFor(topic Topic) []PeerRecord {
	t.valuesMu.Lock()
	defer t.valuesMu.Unlock()
	now := time.Now()
	recs := t.values[topic]
	var live []PeerRecord
	for _, r := range recs {
		if r.Expires.After(now) {
			live = append(live, r)
		}
	}
	return live
}

func (t *Table) totalValuesLocked() int {
	n := 0
	for _, recs := range t.values {
		n += len(recs)
	}
	return n
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
