package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedURL is returned for URLs the server must not call.
var ErrBlockedURL = errors.New("security: blocked url")

// URLPolicy decides which outbound URLs (webhook targets, agent service
// endpoints) the server may call.
type URLPolicy struct {
	// AllowPrivate permits loopback and private addresses.
	AllowPrivate bool
	// RequireHTTPS rejects plain http.
	RequireHTTPS bool
	// Resolve looks up host addresses; net.LookupHost when nil.
	Resolve func(host string) ([]string, error)
}

// DefaultPolicy blocks internal addresses and allows http and https.
var DefaultPolicy = URLPolicy{}

// ValidateEndpointURL checks rawURL against DefaultPolicy.
func ValidateEndpointURL(rawURL string) error {
	return DefaultPolicy.Check(rawURL)
}

// Check validates rawURL. Both the literal host and its resolved addresses
// are checked so DNS names cannot point at internal services.
func (p URLPolicy) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrBlockedURL)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !p.RequireHTTPS:
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrBlockedURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrBlockedURL)
	}
	if p.AllowPrivate {
		return nil
	}

	host := u.Hostname()
	for _, b := range []string{"localhost", "metadata.google.internal", "metadata.google"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedURL, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	resolve := p.Resolve
	if resolve == nil {
		resolve = net.LookupHost
	}
	addrs, err := resolve(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve host %s", ErrBlockedURL, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrBlockedURL)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", ErrBlockedURL)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrBlockedURL)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrBlockedURL)
	}
	return nil
}
