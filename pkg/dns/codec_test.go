package dns

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeQuery(t *testing.T) {
	query := new(dns.Msg)
	query.SetQuestion("Example.COM.", dns.TypeA)
	valid, err := query.Pack()
	require.NoError(t, err)

	response := new(dns.Msg)
	response.SetReply(query)
	respBytes, err := response.Pack()
	require.NoError(t, err)

	empty := new(dns.Msg)
	empty.Id = 5
	emptyBytes, err := empty.Pack()
	require.NoError(t, err)

	tests := []struct {
		name   string
		packet []byte
		reason string
	}{
		{"valid", valid, ""},
		{"short", []byte{0x01, 0x02}, "short packet"},
		{"truncated", valid[:len(valid)-3], "malformed message"},
		{"response", respBytes, "message is a response"},
		{"no question", emptyBytes, "no question"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decodeQuery(tt.packet)
			if tt.reason == "" {
				require.NoError(t, err)
				assert.Equal(t, "Example.COM.", msg.Question[0].Name)
				return
			}
			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.reason, decodeErr.Reason)
			assert.Nil(t, msg)
		})
	}
}

func TestDecodeError_Unwrap(t *testing.T) {
	inner := errors.New("overflow")
	err := &DecodeError{Reason: "malformed message", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "decode query: malformed message: overflow", err.Error())
	assert.Equal(t, "decode query: no question", (&DecodeError{Reason: "no question"}).Error())
}

func TestQname(t *testing.T) {
	assert.Equal(t, "ads.example.com", qname("ADS.Example.com."))
	assert.Equal(t, "example.com", qname("example.com"))
}
