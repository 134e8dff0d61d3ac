package mdns

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/net/dns/dnsmessage"
)

// buildQuery encodes a unicast-response SRV query for domain (spec.md
// §4.6: "sends a unicast-response SRV query").
func buildQuery(domain string) ([]byte, error) {
	name, err := dnsmessage.NewName(domain + ".")
	if err != nil {
		return nil, errors.Wrap(err, "mdns: build query name")
	}
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  name,
		Type:  dnsmessage.TypeSRV,
		Class: dnsmessage.ClassINET | 1<<15, // top bit: unicast response requested
	}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// buildAnswer encodes the three-record SRV/TXT/A answer section spec.md
// §4.6 requires, for domain, listening port, and the local self-id.
func buildAnswer(domain string, port uint16, selfID string, ip net.IP) ([]byte, error) {
	name, err := dnsmessage.NewName(domain + ".")
	if err != nil {
		return nil, errors.Wrap(err, "mdns: build answer name")
	}
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{Response: true, Authoritative: true})
	b.EnableCompression()
	if err := b.StartAnswers(); err != nil {
		return nil, err
	}

	srvHeader := dnsmessage.ResourceHeader{Name: name, Class: dnsmessage.ClassINET, TTL: 120}
	if err := b.SRVResource(srvHeader, dnsmessage.SRVResource{Port: port, Target: name}); err != nil {
		return nil, errors.Wrap(err, "mdns: encode SRV")
	}

	txtHeader := dnsmessage.ResourceHeader{Name: name, Class: dnsmessage.ClassINET, TTL: 120}
	if err := b.TXTResource(txtHeader, dnsmessage.TXTResource{TXT: []string{"id=" + selfID}}); err != nil {
		return nil, errors.Wrap(err, "mdns: encode TXT")
	}

	ip4 := ip.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	aHeader := dnsmessage.ResourceHeader{Name: name, Class: dnsmessage.ClassINET, TTL: 120}
	var aRes dnsmessage.AResource
	copy(aRes.A[:], ip4)
	if err := b.AResource(aHeader, aRes); err != nil {
		return nil, errors.Wrap(err, "mdns: encode A")
	}

	return b.Finish()
}

// parsedAnswer is the decoded shape of one SRV/TXT/A answer set.
type parsedAnswer struct {
	domain string
	port   uint16
	selfID string
	target net.IP
	hasA   bool
}

// parseQuery extracts the queried domain from an SRV question, returning
// ok=false for anything else (spec.md §4.6's announcer only answers SRV
// queries).
func parseQuery(msg []byte) (domain string, ok bool) {
	var p dnsmessage.Parser
	if _, err := p.Start(msg); err != nil {
		return "", false
	}
	q, err := p.Question()
	if err != nil || q.Type != dnsmessage.TypeSRV {
		return "", false
	}
	return q.Name.String(), true
}

// parseAnswer extracts the SRV/TXT/A triple from a response message
// (spec.md §4.6's locator side).
func parseAnswer(msg []byte) (parsedAnswer, bool) {
	var p dnsmessage.Parser
	if _, err := p.Start(msg); err != nil {
		return parsedAnswer{}, false
	}
	if err := p.SkipAllQuestions(); err != nil {
		return parsedAnswer{}, false
	}

	var out parsedAnswer
	for {
		h, err := p.AnswerHeader()
		if err != nil {
			break
		}
		switch h.Type {
		case dnsmessage.TypeSRV:
			r, err := p.SRVResource()
			if err != nil {
				return parsedAnswer{}, false
			}
			out.domain = h.Name.String()
			out.port = r.Port
			out.target = parseTargetIP(r.Target.String())
		case dnsmessage.TypeTXT:
			r, err := p.TXTResource()
			if err != nil {
				return parsedAnswer{}, false
			}
			for _, t := range r.TXT {
				if len(t) > 3 && t[:3] == "id=" {
					out.selfID = t[3:]
				}
			}
		case dnsmessage.TypeA:
			r, err := p.AResource()
			if err != nil {
				return parsedAnswer{}, false
			}
			out.target = net.IPv4(r.A[0], r.A[1], r.A[2], r.A[3])
			out.hasA = true
		default:
			if err := p.SkipAnswer(); err != nil {
				return parsedAnswer{}, false
			}
		}
	}
	if out.domain == "" {
		return parsedAnswer{}, false
	}
	return out, true
}

// parseTargetIP parses an SRV Target name as a dotted IP when possible;
// "0.0.0.0." signals "use the packet's source IP" (spec.md §4.6).
func parseTargetIP(name string) net.IP {
	trimmed := name
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '.' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return net.ParseIP(trimmed)
}
