package resolver

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *dnsCache {
	t.Helper()
	c, err := newDNSCache(CacheConfig{Size: 10, MinTTL: 60, MaxTTL: 21600})
	require.NoError(t, err)
	return c
}

func aRecord(name string, ttl uint32, ip string) dns.RR {
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP(ip).To4(),
	}
}

func testResponse(qname string, ttl uint32) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(qname, dns.TypeA)
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = append(resp.Answer, aRecord(qname, ttl, "192.0.2.10"))
	return resp
}

func TestCacheHitRewritesTTL(t *testing.T) {
	c := newTestCache(t)
	c.store("example.com.", dns.TypeA, testResponse("example.com.", 300))

	msg, ok := c.lookup("example.com.", dns.TypeA)
	require.True(t, ok)
	require.Len(t, msg.Answer, 1)
	got := msg.Answer[0].Header().Ttl
	assert.LessOrEqual(t, got, uint32(300))
	assert.Greater(t, got, uint32(0))
}

func TestCacheTTLDecreasesOverTime(t *testing.T) {
	c := newTestCache(t)
	c.store("example.com.", dns.TypeA, testResponse("example.com.", 300))

	// Age the entry by rewriting its expiry instead of sleeping.
	key := cacheKey("example.com.", dns.TypeA)
	entry, ok := c.entries.Get(key)
	require.True(t, ok)
	entry.expire = time.Now().Add(100 * time.Second)

	msg, ok := c.lookup("example.com.", dns.TypeA)
	require.True(t, ok)
	assert.LessOrEqual(t, msg.Answer[0].Header().Ttl, uint32(100))
	assert.Less(t, msg.Answer[0].Header().Ttl, uint32(300))
}

func TestCacheMissAfterExpiry(t *testing.T) {
	c := newTestCache(t)
	c.store("example.com.", dns.TypeA, testResponse("example.com.", 300))

	key := cacheKey("example.com.", dns.TypeA)
	entry, ok := c.entries.Get(key)
	require.True(t, ok)
	entry.expire = time.Now().Add(-time.Second)

	_, ok = c.lookup("example.com.", dns.TypeA)
	assert.False(t, ok)
	// Expired entries are evicted, not just skipped.
	assert.Equal(t, 0, c.len())
}

func TestCacheCollisionEvicts(t *testing.T) {
	c := newTestCache(t)
	c.store("example.com.", dns.TypeA, testResponse("example.com.", 300))

	// Simulate a 64-bit hash collision: same key slot, different name.
	key := cacheKey("example.com.", dns.TypeA)
	entry, ok := c.entries.Get(key)
	require.True(t, ok)
	entry.qname = "collision.test."

	_, ok = c.lookup("example.com.", dns.TypeA)
	assert.False(t, ok)
	assert.Equal(t, 0, c.len())
}

func TestCacheTTLClampFloor(t *testing.T) {
	c := newTestCache(t)
	assert.Equal(t, 60*time.Second, c.effectiveTTL(testResponse("example.com.", 5)))
}

func TestCacheTTLClampCeiling(t *testing.T) {
	c := newTestCache(t)
	assert.Equal(t, 21600*time.Second, c.effectiveTTL(testResponse("example.com.", 100000)))
}

func TestCacheTTLWithinClampUnchanged(t *testing.T) {
	c := newTestCache(t)
	assert.Equal(t, 300*time.Second, c.effectiveTTL(testResponse("example.com.", 300)))
}

func TestCacheEmptyResponseGetsFloorTTL(t *testing.T) {
	c := newTestCache(t)

	req := new(dns.Msg)
	req.SetQuestion("nothing.example.com.", dns.TypeA)
	resp := new(dns.Msg)
	resp.SetReply(req)

	assert.Equal(t, 60*time.Second, c.effectiveTTL(resp))

	// Same for a response carrying only the OPT pseudo-record, whose TTL
	// field is EDNS flags, not a lifetime.
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.Hdr.Ttl = 0x8000_0000
	resp.Extra = append(resp.Extra, opt)
	assert.Equal(t, 60*time.Second, c.effectiveTTL(resp))
}

func TestCacheMinTTLAcrossSections(t *testing.T) {
	c := newTestCache(t)

	resp := testResponse("example.com.", 3600)
	resp.Ns = append(resp.Ns, aRecord("example.com.", 120, "192.0.2.11"))
	assert.Equal(t, 120*time.Second, c.effectiveTTL(resp))
}

func TestCacheStoreStripsExtraSection(t *testing.T) {
	c := newTestCache(t)

	resp := testResponse("example.com.", 300)
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	resp.Extra = append(resp.Extra, opt)

	c.store("example.com.", dns.TypeA, resp)
	msg, ok := c.lookup("example.com.", dns.TypeA)
	require.True(t, ok)
	assert.Empty(t, msg.Extra)
}

func TestCacheNeverStoresServfail(t *testing.T) {
	c := newTestCache(t)

	resp := testResponse("example.com.", 300)
	resp.Rcode = dns.RcodeServerFailure
	c.store("example.com.", dns.TypeA, resp)

	assert.Equal(t, 0, c.len())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := newDNSCache(CacheConfig{Size: 2, MinTTL: 60, MaxTTL: 21600})
	require.NoError(t, err)

	c.store("a.example.", dns.TypeA, testResponse("a.example.", 300))
	c.store("b.example.", dns.TypeA, testResponse("b.example.", 300))

	// Touch a so b is the eviction candidate.
	_, ok := c.lookup("a.example.", dns.TypeA)
	require.True(t, ok)

	c.store("c.example.", dns.TypeA, testResponse("c.example.", 300))

	_, ok = c.lookup("a.example.", dns.TypeA)
	assert.True(t, ok)
	_, ok = c.lookup("b.example.", dns.TypeA)
	assert.False(t, ok)
	_, ok = c.lookup("c.example.", dns.TypeA)
	assert.True(t, ok)
}
