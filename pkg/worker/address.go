package worker

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidAddress = errors.New("invalid worker address")

// AddressPolicy restricts the addresses the controller may send us to. Workers usually
// live on a private network and speak plain HTTP, so the default allows both.
type AddressPolicy struct {
	AllowHTTP          bool
	AllowLocalNetworks bool
}

func DefaultAddressPolicy() AddressPolicy {
	return AddressPolicy{AllowHTTP: true, AllowLocalNetworks: true}
}

// Validate checks that addr is an http(s) base url the policy permits. IP literals are
// checked without DNS lookups.
func (p AddressPolicy) Validate(addr string) error {
	u, err := url.Parse(addr)
	if err != nil {
		return errors.Wrapf(ErrInvalidAddress, "%q: %v", addr, err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !p.AllowHTTP {
			return errors.Wrapf(ErrInvalidAddress, "%q: plain http is not allowed", addr)
		}
	default:
		return errors.Wrapf(ErrInvalidAddress, "%q: unsupported scheme %q", addr, u.Scheme)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.Wrapf(ErrInvalidAddress, "%q: query and fragment are not allowed", addr)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.Wrapf(ErrInvalidAddress, "%q: missing host", addr)
	}
	if !p.AllowLocalNetworks && (host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local")) {
		return errors.Wrapf(ErrInvalidAddress, "%q: local host names are not allowed", addr)
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if ip.Zone() != "" && !p.AllowLocalNetworks {
		return errors.Wrapf(ErrInvalidAddress, "%q: zoned ip addresses are not allowed", addr)
	}
	ip = ip.Unmap()
	if ip.IsMulticast() {
		return errors.Wrapf(ErrInvalidAddress, "%q: multicast ip address", addr)
	}
	// workers listening on all interfaces register 0.0.0.0
	if !p.AllowLocalNetworks && (ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()) {
		return errors.Wrapf(ErrInvalidAddress, "%q: local network addresses are not allowed", addr)
	}
	return nil
}
