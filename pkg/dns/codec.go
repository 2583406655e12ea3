package dns

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// headerLen is the fixed size of a DNS message header (RFC 1035 4.1.1).
const headerLen = 12

// DecodeError reports an inbound packet that is not a usable DNS query.
type DecodeError struct {
	Err    error
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode query: %s: %v", e.Reason, e.Err)
	}
	return "decode query: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// decodeQuery parses a client packet. Anything that fails to unpack, is a
// response, or carries no question is rejected.
func decodeQuery(packet []byte) (*dns.Msg, error) {
	if len(packet) < headerLen {
		return nil, &DecodeError{Reason: "short packet"}
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		return nil, &DecodeError{Reason: "malformed message", Err: err}
	}
	if msg.Response {
		return nil, &DecodeError{Reason: "message is a response"}
	}
	if len(msg.Question) == 0 {
		return nil, &DecodeError{Reason: "no question"}
	}
	return msg, nil
}

// qname lower-cases name and strips the trailing dot.
func qname(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
