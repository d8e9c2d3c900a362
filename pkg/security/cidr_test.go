package security

import (
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCIDRSet(t *testing.T) {
	nets, err := ParseCIDRSet([]string{"10.0.0.0/8", "::1/128"})
	require.NoError(t, err)
	assert.Len(t, nets, 2)

	_, err = ParseCIDRSet([]string{"not-a-cidr"})
	assert.Error(t, err)
}

func TestContains(t *testing.T) {
	nets, err := ParseCIDRSet([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	assert.True(t, Contains(nets, net.ParseIP("10.1.2.3")))
	assert.False(t, Contains(nets, net.ParseIP("192.168.1.1")))
}

func TestSourceIPDirectConnection(t *testing.T) {
	r := &http.Request{RemoteAddr: "203.0.113.5:54321", Header: http.Header{}}
	ip, err := SourceIP(r, nil)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", ip.String())
}

func TestSourceIPHonorsTrustedProxy(t *testing.T) {
	trusted, _ := ParseCIDRSet([]string{"10.0.0.0/8"})
	r := &http.Request{
		RemoteAddr: "10.0.0.1:443",
		Header:     http.Header{"X-Forwarded-For": []string{"198.51.100.7, 10.0.0.1"}},
	}
	ip, err := SourceIP(r, trusted)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", ip.String())
}

func TestSourceIPIgnoresUntrustedForwardedFor(t *testing.T) {
	r := &http.Request{
		RemoteAddr: "198.51.100.99:443",
		Header:     http.Header{"X-Forwarded-For": []string{"1.2.3.4"}},
	}
	ip, err := SourceIP(r, nil)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.99", ip.String())
}
