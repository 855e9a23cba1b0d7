package lim

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/pkg/errors"

	"quickpaste/svc/util"
)

const maxForwardedHops = 100

// Proxies is a parsed set of trusted reverse proxies.
type Proxies []netip.Prefix

// ParseProxies accepts single addresses and CIDR ranges.
func ParseProxies(entries []string) (Proxies, error) {
	out := make(Proxies, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, errors.Wrapf(err, "trusted proxy %q", e)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, errors.Wrapf(err, "trusted proxy %q", e)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func (p Proxies) trusts(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, prefix := range p {
		if prefix.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIP returns the first untrusted address walking X-Forwarded-For
// from the right. Without trusted proxies the socket peer is used.
func (p Proxies) ClientIP(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	if len(p) == 0 || !p.trusts(remote) {
		return remote
	}
	xff := r.Header.Get("X-Forwarded-For")
	hops := 0
	for xff != "" && hops < maxForwardedHops {
		var ip string
		if i := strings.LastIndexByte(xff, ','); i >= 0 {
			ip, xff = strings.TrimSpace(xff[i+1:]), xff[:i]
		} else {
			ip, xff = strings.TrimSpace(xff), ""
		}
		if ip == "" {
			continue
		}
		hops++
		if _, err := netip.ParseAddr(ip); err != nil {
			util.Warn().Str("ip", util.RedactIP(ip)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !p.trusts(ip) {
			return ip
		}
	}
	if hops >= maxForwardedHops {
		util.Warn().Int("parsed", hops).Msg("X-Forwarded-For too long, truncated parsing")
	}
	return remote
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
