package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrUnsafeEndpoint wraps every rejection from ValidateEndpointURL.
var ErrUnsafeEndpoint = errors.New("unsafe webhook endpoint")

const resolveTimeout = 3 * time.Second

var deniedHostnames = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
	"metadata.google":          {},
}

// Ranges not covered by the netip.Addr predicates.
var deniedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("198.18.0.0/15"), // benchmarking
}

// lookupHost resolves names for ValidateEndpointURL; tests replace it.
var lookupHost = func(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// ValidateEndpointURL rejects webhook URLs that would make the server call
// into its own network: non-http schemes, embedded credentials, internal
// hostnames, and any literal or resolved address that is not public.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: malformed URL", ErrUnsafeEndpoint)
	}
	switch {
	case u.Scheme != "https" && u.Scheme != "http":
		return fmt.Errorf("%w: scheme must be http or https", ErrUnsafeEndpoint)
	case u.Hostname() == "":
		return fmt.Errorf("%w: missing host", ErrUnsafeEndpoint)
	case u.User != nil:
		return fmt.Errorf("%w: credentials in URL", ErrUnsafeEndpoint)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if _, denied := deniedHostnames[host]; denied {
		return fmt.Errorf("%w: host %q not allowed", ErrUnsafeEndpoint, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return publicAddr(addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	resolved, err := lookupHost(ctx, host)
	if err != nil || len(resolved) == 0 {
		return fmt.Errorf("%w: cannot resolve %s", ErrUnsafeEndpoint, host)
	}
	for _, s := range resolved {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if err := publicAddr(addr); err != nil {
			return fmt.Errorf("%s resolves to %s: %w", host, s, err)
		}
	}
	return nil
}

func publicAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	var kind string
	switch {
	case addr.IsLoopback():
		kind = "loopback"
	case addr.IsPrivate():
		kind = "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		kind = "link-local"
	case addr.IsUnspecified():
		kind = "unspecified"
	case addr.IsMulticast():
		kind = "multicast"
	default:
		for _, p := range deniedPrefixes {
			if p.Contains(addr) {
				kind = "reserved"
				break
			}
		}
	}
	if kind != "" {
		return fmt.Errorf("%w: %s address %s", ErrUnsafeEndpoint, kind, addr)
	}
	return nil
}
