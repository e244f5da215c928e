package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidURL      = errors.New("invalid outbound url")
	ErrInsecureScheme  = errors.New("outbound url must use https")
	ErrBlockedHost     = errors.New("outbound url host is not allowed")
	ErrUnresolvableURL = errors.New("outbound url host does not resolve")
)

// lookupHost is swapped in tests.
var lookupHost = net.LookupHost

var blockedHostnames = []string{"localhost", "metadata.google.internal", "metadata.google"}

// OutboundPolicy controls which collaborator URLs the service will call.
type OutboundPolicy struct {
	RequireHTTPS bool
	// AllowPrivate permits loopback and private ranges, for collaborators
	// reached over the cluster network.
	AllowPrivate bool
}

// CheckOutboundURL validates a URL the service will POST escrow data to.
// Hostnames are resolved and every address is checked.
func CheckOutboundURL(rawURL string, p OutboundPolicy) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireHTTPS {
			return ErrInsecureScheme
		}
	default:
		return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if p.AllowPrivate {
		return nil
	}

	for _, b := range blockedHostnames {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: %s", ErrBlockedHost, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(host, ip)
	}

	addrs, err := lookupHost(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnresolvableURL, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(host, ip); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkIP(host string, ip net.IP) error {
	var kind string
	switch {
	case ip.IsLoopback():
		kind = "loopback"
	case ip.IsPrivate():
		kind = "private"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		kind = "link-local"
	case ip.IsUnspecified():
		kind = "unspecified"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s is a %s address", ErrBlockedHost, host, kind)
}
