package security

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stubLookup(t *testing.T, addrs map[string][]string) {
	t.Helper()
	orig := lookupHost
	lookupHost = func(host string) ([]string, error) {
		if a, ok := addrs[host]; ok {
			return a, nil
		}
		return nil, errors.New("no such host")
	}
	t.Cleanup(func() { lookupHost = orig })
}

func TestCheckOutboundURL(t *testing.T) {
	stubLookup(t, map[string][]string{
		"hooks.rent.example":  {"93.184.216.34"},
		"sneaky.rent.example": {"93.184.216.34", "10.0.0.7"},
	})

	strict := OutboundPolicy{RequireHTTPS: true}
	tests := []struct {
		name   string
		url    string
		policy OutboundPolicy
		want   error
	}{
		{"public https", "https://hooks.rent.example/escrow", strict, nil},
		{"http when https required", "http://hooks.rent.example/escrow", strict, ErrInsecureScheme},
		{"http allowed", "http://hooks.rent.example/escrow", OutboundPolicy{}, nil},
		{"bad scheme", "ftp://hooks.rent.example", OutboundPolicy{}, ErrInvalidURL},
		{"no host", "https:///path", OutboundPolicy{}, ErrInvalidURL},
		{"localhost", "https://localhost/hook", strict, ErrBlockedHost},
		{"metadata", "http://metadata.google.internal/", OutboundPolicy{}, ErrBlockedHost},
		{"loopback literal", "https://127.0.0.1/hook", strict, ErrBlockedHost},
		{"private literal", "https://192.168.1.4/hook", strict, ErrBlockedHost},
		{"link-local literal", "http://169.254.169.254/latest", OutboundPolicy{}, ErrBlockedHost},
		{"resolves private", "https://sneaky.rent.example/hook", strict, ErrBlockedHost},
		{"unresolvable", "https://gone.rent.example/hook", strict, ErrUnresolvableURL},
		{"private allowed", "http://10.0.0.7:8081/rentals", OutboundPolicy{AllowPrivate: true}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckOutboundURL(tt.url, tt.policy)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
