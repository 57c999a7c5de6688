/*
File: exchange.go
Version: 1.3.0
Description: Turns one DNS request into a DoH HTTP exchange: cache check,
             coalesced upstream POST, truncation handling, and synthesis of
             HINFO diagnostic replies for terminal failures.
*/

package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/miekg/dns"
)

const (
	contentTypeDNS = "application/dns-message"

	// maxResponseSize bounds how much upstream body we accept (64KB, the
	// DNS message ceiling).
	maxResponseSize = 65535

	// maxHINFOText keeps diagnostic strings small enough for every OS
	// resolver we have seen.
	maxHINFOText = 200

	// hinfoOS identifies this resolver in the OS field of diagnostic
	// HINFO records.
	hinfoOS = "tundns resolver"
)

var errTruncated = errors.New("response truncated")

var bufPool = sync.Pool{
	New: func() any {
		return make([]byte, maxResponseSize)
	},
}

// exchangeWithCache answers req from the cache or performs one upstream DoH
// exchange. Exactly one question is supported; multi-question requests never
// reach the network. Identical concurrent questions share a single upstream
// exchange.
func (s *Server) exchangeWithCache(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) != 1 {
		return nil, fmt.Errorf("expected exactly one question, got %d", len(req.Question))
	}
	req.Question[0].Name = dns.CanonicalName(req.Question[0].Name)
	qname := req.Question[0].Name
	qtype := req.Question[0].Qtype

	if msg, ok := s.cache.lookup(qname, qtype); ok {
		return msg, nil
	}

	flightKey := qname + "|" + dns.TypeToString[qtype]
	v, err, shared := s.flight.Do(flightKey, func() (interface{}, error) {
		r, err := s.exchangeDoH(ctx, req)
		if err != nil {
			return nil, err
		}

		// SERVFAIL passes through unretried and uncached; the caller
		// converts it to a diagnostic reply.
		if r.Rcode == dns.RcodeServerFailure {
			return r, nil
		}

		s.cache.store(qname, qtype, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	resp := v.(*dns.Msg)
	if shared {
		// Coalesced callers each get their own copy; replies are mutated
		// when the original ID and question are echoed back.
		resp = resp.Copy()
	}
	return resp, nil
}

// exchangeDoH serializes req, POSTs it to the DoH endpoint over the pinned
// transport and parses the reply. A truncated response is an error: a DoH
// upstream has no 512-byte limit to hit, so truncation means a misbehaving
// server, and there is no TCP to fall back to.
func (s *Server) exchangeDoH(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	buf := bufPool.Get().([]byte)
	packed, err := req.PackBuffer(buf[:0])
	if err != nil {
		bufPool.Put(buf)
		return nil, err
	}
	defer bufPool.Put(packed)

	hReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url.String(), bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	hReq.Header.Set("Content-Type", contentTypeDNS)
	hReq.Header.Set("Accept", contentTypeDNS)

	hResp, err := s.httpClient.Do(hReq)
	if err != nil {
		return nil, err
	}
	defer hResp.Body.Close()

	if hResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh upstream returned status %d", hResp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(hResp.Body, maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("doh response too large")
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return nil, err
	}
	if resp.Truncated {
		return nil, errTruncated
	}
	return resp, nil
}

// answerHINFO turns msg into a successful-looking reply carrying an error
// description in an authority-section HINFO record. Rcode must stay NOERROR:
// SERVFAIL or REFUSED makes mobile OSes fall back to the system resolver,
// which leaks queries in plaintext.
func answerHINFO(msg *dns.Msg, hinfoText string) {
	msg.Rcode = dns.RcodeSuccess

	if len(hinfoText) > maxHINFOText {
		hinfoText = hinfoText[:maxHINFOText]
	}

	var name string
	if len(msg.Question) > 0 {
		name = msg.Question[0].Name
	}

	msg.Ns = append(msg.Ns, &dns.HINFO{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeHINFO,
			Class:  dns.ClassINET,
			Ttl:    1,
		},
		Cpu: hinfoText,
		Os:  hinfoOS,
	})
}
