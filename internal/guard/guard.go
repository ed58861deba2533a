// Package guard decides which targets the mirror may fetch.
//
// Validation happens twice: once on the raw target string before any network
// activity (Validate), and again on every address a hostname resolves to when
// the outbound dialer connects (FilterAddrs). The second pass closes the gap
// left by DNS names that point at internal networks.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// ErrInvalidTarget is returned for targets the mirror refuses to fetch.
var ErrInvalidTarget = errors.New("invalid target")

// ErrNoPublicAddress is returned when every resolved address of a host is disallowed.
var ErrNoPublicAddress = errors.New("host resolves only to disallowed addresses")

// deniedHostnames are compared against the lower-cased hostname.
var deniedHostnames = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"ip6-localhost":         true,
	"ip6-loopback":          true,
}

// Validator gates target URLs. The zero value is not usable; use New.
type Validator struct {
	allowPrivate bool
}

// New returns a Validator that rejects loopback, private and link-local targets.
func New() *Validator {
	return &Validator{}
}

// NewPermissive returns a Validator that still enforces the scheme and host
// rules but accepts private and loopback hosts. It exists for tests that
// fetch from httptest servers on 127.0.0.1.
func NewPermissive() *Validator {
	return &Validator{allowPrivate: true}
}

// IsAllowed reports whether raw may be fetched.
func (v *Validator) IsAllowed(raw string) bool {
	_, err := v.Validate(raw)
	return err == nil
}

// Validate parses raw and returns it as a URL if it may be fetched.
// Only the hostname is inspected; path and query never affect the decision.
func (v *Validator) Validate(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidTarget)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if err := v.CheckURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// CheckURL applies the scheme and hostname rules to an already parsed URL.
// The outbound client calls it for every redirect hop.
func (v *Validator) CheckURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidTarget, u.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in url", ErrInvalidTarget)
	}
	if v.allowPrivate {
		return nil
	}

	if deniedHostnames[host] || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: host %q not allowed", ErrInvalidTarget, host)
	}
	if strings.HasPrefix(host, "127.") || strings.HasPrefix(host, "::1") {
		return fmt.Errorf("%w: host %q not allowed", ErrInvalidTarget, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && !IsPublicAddr(addr) {
		return fmt.Errorf("%w: address %s not allowed", ErrInvalidTarget, addr)
	}
	return nil
}

// IsPublicAddr reports whether addr is routable on the public internet.
func IsPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsUnspecified(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast():
		return false
	}
	// 100.64.0.0/10 carrier-grade NAT and 0.0.0.0/8 are not covered by the helpers above.
	if addr.Is4() {
		b := addr.As4()
		if b[0] == 0 || (b[0] == 100 && b[1]&0xc0 == 64) {
			return false
		}
	}
	return true
}

// FilterAddrs drops disallowed addresses from a lookup result. It returns
// ErrNoPublicAddress when nothing remains.
func (v *Validator) FilterAddrs(host string, addrs []netip.Addr) ([]netip.Addr, error) {
	if v.allowPrivate {
		return addrs, nil
	}
	out := addrs[:0:0]
	for _, a := range addrs {
		if IsPublicAddr(a) {
			out = append(out, a)
		}
	}
	if len(out) == 0 && len(addrs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPublicAddress, host)
	}
	return out, nil
}

// Lookup returns a resolver function for network ("ip4" or "ip6") whose
// results have been passed through FilterAddrs.
func (v *Validator) Lookup(network string) func(ctx context.Context, host string) ([]netip.Addr, error) {
	return func(ctx context.Context, host string) ([]netip.Addr, error) {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
		if err != nil {
			return nil, err
		}
		return v.FilterAddrs(host, addrs)
	}
}

// Control is a net.Dialer Control hook that refuses connections to
// disallowed addresses. It catches IP literals that bypass Lookup.
func (v *Validator) Control(network, address string, _ syscall.RawConn) error {
	if v.allowPrivate {
		return nil
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("failed to parse address: %w", err)
	}
	if !IsPublicAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrNoPublicAddress, ap.Addr())
	}
	return nil
}
