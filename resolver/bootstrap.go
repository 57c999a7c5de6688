/*
File: bootstrap.go
Version: 1.3.0
Description: Resolves the DoH endpoint's own hostname without going through the
             (hijacked) system DNS path. DNS-over-TLS against known public
             resolvers first, OS resolver as fallback, with a single-slot
             address cache.
*/

package resolver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// osFallbackTTL is used when addresses came from the OS resolver, which
// reports no TTL.
const osFallbackTTL = time.Minute

// bootstrapResolver holds the one hostname we ever need to resolve (the DoH
// server's) and its last known addresses. Concurrent dials share the slot
// through the RWMutex.
type bootstrapResolver struct {
	servers    []string
	dotTimeout time.Duration
	osTimeout  time.Duration

	tlsClient *dns.Client

	mu     sync.RWMutex
	host   string
	addrs  []net.IP
	expire time.Time
}

func newBootstrapResolver(cfg BootstrapConfig) *bootstrapResolver {
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = defaultBootstrapServers
	}
	return &bootstrapResolver{
		servers:    servers,
		dotTimeout: cfg.parsedDoTTimeout,
		osTimeout:  cfg.parsedOSTimeout,
		tlsClient: &dns.Client{
			Net:          "tcp-tls",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}
}

// LookupDialAddrs returns the dial candidates for host, resolving and caching
// as needed. The context bounds the whole resolution; sub-steps apply their
// own shorter deadlines.
func (b *bootstrapResolver) LookupDialAddrs(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	if addrs := b.getCachedAddrs(host); len(addrs) > 0 {
		return addrs, nil
	}

	// Secure path: DoT against the primary bootstrap server, short budget.
	dotCtx, cancel := context.WithTimeout(ctx, b.dotTimeout)
	addrs, expire, err := b.lookupDoT(dotCtx, host, b.servers[0])
	cancel()
	if err == nil {
		b.store(host, addrs, expire)
		LogInfo("[BOOTSTRAP] resolved %s via DoT %s: %v", host, b.servers[0], addrs)
		return addrs, nil
	}
	lastErr := err

	// OS resolver fallback. Only trusted if it produced a usable address:
	// a hijacking resolver commonly answers 0.0.0.0.
	osCtx, cancel := context.WithTimeout(ctx, b.osTimeout)
	ips, osErr := net.DefaultResolver.LookupIP(osCtx, "ip", host)
	cancel()
	if osErr == nil {
		for _, ip := range ips {
			if !ip.IsUnspecified() {
				b.store(host, ips, time.Now().Add(osFallbackTTL))
				LogInfo("[BOOTSTRAP] resolved %s via OS resolver: %v", host, ips)
				return ips, nil
			}
		}
		lastErr = fmt.Errorf("os resolver returned only unspecified addresses for %s", host)
	} else {
		lastErr = osErr
	}

	// Sweep the remaining public bootstrap servers over DoT, in order.
	for _, server := range b.servers[1:] {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("bootstrap lookup for %s: %w", host, ctx.Err())
		default:
		}

		dotCtx, cancel := context.WithTimeout(ctx, b.dotTimeout)
		addrs, expire, err = b.lookupDoT(dotCtx, host, server)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		b.store(host, addrs, expire)
		LogInfo("[BOOTSTRAP] resolved %s via fallback DoT %s: %v", host, server, addrs)
		return addrs, nil
	}

	return nil, fmt.Errorf("bootstrap lookup for %s failed: %w", host, lastErr)
}

func (b *bootstrapResolver) getCachedAddrs(host string) []net.IP {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.addrs) == 0 || b.host != host {
		return nil
	}
	if !time.Now().Before(b.expire) {
		return nil
	}
	return b.addrs
}

// store overwrites the single cache slot. An expiry at or before now is kept
// but never served, which is how a zero TTL from upstream degrades to
// "re-resolve every time" instead of an error.
func (b *bootstrapResolver) store(host string, addrs []net.IP, expire time.Time) {
	b.mu.Lock()
	b.host = host
	b.addrs = addrs
	b.expire = expire
	b.mu.Unlock()
}

// lookupDoT queries A and AAAA for host in parallel against one bootstrap
// server and interleaves the results. The cache lifetime is the smaller of
// the two record TTLs.
func (b *bootstrapResolver) lookupDoT(ctx context.Context, host, server string) ([]net.IP, time.Time, error) {
	var (
		ip4, ip6   []net.IP
		ttl4, ttl6 uint32
		got4, got6 bool
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rrs, err := b.queryRR(ctx, host, server, dns.TypeA)
		if err != nil {
			return err
		}
		for _, rr := range rrs {
			if a, ok := rr.(*dns.A); ok {
				ttl4 = rr.Header().Ttl
				ip4 = append(ip4, a.A)
				got4 = true
			}
		}
		return nil
	})
	g.Go(func() error {
		rrs, err := b.queryRR(ctx, host, server, dns.TypeAAAA)
		if err != nil {
			return err
		}
		for _, rr := range rrs {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				ttl6 = rr.Header().Ttl
				ip6 = append(ip6, aaaa.AAAA)
				got6 = true
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, time.Time{}, err
	}

	addrs := mixAddrs(ip4, ip6)
	if len(addrs) == 0 {
		return nil, time.Time{}, fmt.Errorf("no addresses for %s from %s", host, server)
	}

	ttl := ttl4
	if !got4 || (got6 && ttl6 < ttl) {
		ttl = ttl6
	}
	return addrs, time.Now().Add(time.Duration(ttl) * time.Second), nil
}

// queryRR performs one DoT exchange. NXDOMAIN is not an error here, just an
// empty result; one family may exist without the other.
func (b *bootstrapResolver) queryRR(ctx context.Context, host, server string, qtype uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)

	res, _, err := b.tlsClient.ExchangeContext(ctx, msg, net.JoinHostPort(server, "853"))
	if err != nil {
		return nil, err
	}
	if res.Truncated {
		return nil, fmt.Errorf("truncated bootstrap response from %s", server)
	}
	if res.Rcode != dns.RcodeSuccess {
		if res.Rcode == dns.RcodeNameError {
			return nil, nil
		}
		return nil, fmt.Errorf("bootstrap lookup rcode %s from %s", dns.RcodeToString[res.Rcode], server)
	}
	return res.Answer, nil
}

// mixAddrs interleaves the two families so a dead path on one does not stall
// dialing. It starts with the scarcer family (preferring IPv6 on a tie) and
// appends the longer family's tail. The order is observable dial behavior;
// keep it.
func mixAddrs(ip4, ip6 []net.IP) []net.IP {
	var addrs []net.IP

	first, second := ip6, ip4
	if len(ip4) < len(ip6) {
		first, second = ip4, ip6
	}

	for i, ip := range first {
		addrs = append(addrs, ip, second[i])
	}
	for i := len(first); i < len(second); i++ {
		addrs = append(addrs, second[i])
	}
	return addrs
}
