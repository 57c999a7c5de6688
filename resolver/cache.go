/*
File: cache.go
Version: 1.2.0
Description: TTL-aware LRU cache for DoH responses, keyed by a 64-bit hash of
             (qtype, canonical qname). Entries are stored as packed wire bytes
             so concurrent hits never share a mutable message.
*/

package resolver

import (
	"hash/fnv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
)

type cacheEntry struct {
	qname    string // canonical name, for hash collision detection
	msgBytes []byte
	expire   time.Time
}

type dnsCache struct {
	entries *lru.Cache[uint64, *cacheEntry]
	minTTL  time.Duration
	maxTTL  time.Duration
}

func newDNSCache(cfg CacheConfig) (*dnsCache, error) {
	entries, err := lru.New[uint64, *cacheEntry](cfg.Size)
	if err != nil {
		return nil, err
	}
	return &dnsCache{
		entries: entries,
		minTTL:  time.Duration(cfg.MinTTL) * time.Second,
		maxTTL:  time.Duration(cfg.MaxTTL) * time.Second,
	}, nil
}

func cacheKey(qname string, qtype uint16) uint64 {
	h := fnv.New64()
	h.Write([]byte{byte(qtype >> 8), byte(qtype)})
	h.Write([]byte(qname))
	return h.Sum64()
}

// lookup returns a private copy of the cached response with answer TTLs
// rewritten to the remaining whole seconds. Expired entries and hash
// collisions (same key, different name) are evicted and reported as misses.
func (c *dnsCache) lookup(qname string, qtype uint16) (*dns.Msg, bool) {
	key := cacheKey(qname, qtype)
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}

	now := time.Now()
	if !now.Before(entry.expire) {
		c.entries.Remove(key)
		return nil, false
	}
	if !strings.EqualFold(qname, entry.qname) {
		c.entries.Remove(key)
		return nil, false
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(entry.msgBytes); err != nil {
		c.entries.Remove(key)
		return nil, false
	}

	ttl := uint32(entry.expire.Sub(now).Seconds())
	for _, rr := range msg.Answer {
		rr.Header().Ttl = ttl
	}
	return msg, true
}

// store caches msg under the canonical (qname, qtype). The additional section
// is stripped first: OPT and other pseudo-records are per-query state and
// must not be replayed. SERVFAIL is never stored.
func (c *dnsCache) store(qname string, qtype uint16, msg *dns.Msg) {
	if msg.Rcode == dns.RcodeServerFailure {
		return
	}

	ttl := c.effectiveTTL(msg)

	msg.Extra = nil
	packed, err := msg.Pack()
	if err != nil {
		return
	}

	c.entries.Add(cacheKey(qname, qtype), &cacheEntry{
		qname:    qname,
		msgBytes: packed,
		expire:   time.Now().Add(ttl),
	})
}

// effectiveTTL is the minimum TTL across all sections, ignoring OPT (its TTL
// field carries EDNS flags, not a lifetime), clamped to [minTTL, maxTTL].
// A response with no records at all gets the floor, acting as a short-lived
// negative cache. TTL scanning borrowed from coredns:
// https://github.com/coredns/coredns/blob/master/plugin/pkg/dnsutil/ttl.go
func (c *dnsCache) effectiveTTL(msg *dns.Msg) time.Duration {
	if len(msg.Answer)+len(msg.Ns) == 0 &&
		(len(msg.Extra) == 0 || (len(msg.Extra) == 1 && msg.Extra[0].Header().Rrtype == dns.TypeOPT)) {
		return c.minTTL
	}

	ttl := c.maxTTL
	consider := func(rrs []dns.RR) {
		for _, rr := range rrs {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if d := time.Duration(rr.Header().Ttl) * time.Second; d < ttl {
				ttl = d
			}
		}
	}
	consider(msg.Answer)
	consider(msg.Ns)
	consider(msg.Extra)

	if ttl < c.minTTL {
		return c.minTTL
	}
	return ttl
}

func (c *dnsCache) len() int {
	return c.entries.Len()
}
