package dns

import (
	"net"

	"dnsgate/pkg/config"

	"github.com/miekg/dns"
)

// nullRouteTTL is the TTL of synthesized null-route answers
const nullRouteTTL = 60

// blockedResponse answers a blocked query according to policy.
func blockedResponse(req *dns.Msg, policy string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionAvailable = true

	if policy != config.BlockPolicyNullRoute {
		resp.Rcode = dns.RcodeNameError
		return resp
	}

	q := req.Question[0]
	switch q.Qtype {
	case dns.TypeA:
		addARecord(resp, q.Name, net.IPv4zero, nullRouteTTL)
	case dns.TypeAAAA:
		addAAAARecord(resp, q.Name, net.IPv6unspecified, nullRouteTTL)
	}
	return resp
}

// servfailResponse is sent when every upstream failed for a query.
func servfailResponse(id uint16, q dns.Question) *dns.Msg {
	resp := new(dns.Msg)
	resp.Id = id
	resp.Response = true
	resp.Opcode = dns.OpcodeQuery
	resp.RecursionDesired = true
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeServerFailure
	resp.Question = []dns.Question{q}
	return resp
}

func addARecord(msg *dns.Msg, domain string, ip net.IP, ttl uint32) {
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   domain,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip.To4(),
	})
}

func addAAAARecord(msg *dns.Msg, domain string, ip net.IP, ttl uint32) {
	msg.Answer = append(msg.Answer, &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   domain,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		AAAA: ip.To16(),
	})
}
