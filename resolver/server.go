/*
File: server.go
Version: 1.5.0
Description: UDP front-end for the embedded stub resolver. Binds the v4/v6
             loopback (or tunnel-local) listeners, dispatches each packet into
             the exchange engine with a bounded retry loop, and owns the
             coordinated shutdown of both listeners.
*/

package resolver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/yl2chen/cidranger"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Server is one embedded resolver instance: two UDP listeners, the DoH
// client stack and the response cache. Create with New, run with
// ListenAndServe, stop with Shutdown. Instances hold no global state; the
// mobile shim layers its process-wide singleton on top.
type Server struct {
	cfg Config
	url *url.URL

	boot       *bootstrapResolver
	transport  *swappableTransport
	httpClient *http.Client
	cache      *dnsCache
	flight     singleflight.Group

	// retryLimiter paces the failure retry loop; nil means the original
	// tight loop.
	retryLimiter *rate.Limiter

	// acl, when non-nil, drops packets from unexpected source networks.
	acl cidranger.Ranger

	v4 *dns.Server
	v6 *dns.Server

	shutdownOnce sync.Once
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse doh url: %w", err)
	}

	cache, err := newDNSCache(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed cache init: %w", err)
	}

	s := &Server{
		cfg:   cfg,
		url:   u,
		cache: cache,
		boot:  newBootstrapResolver(cfg.Bootstrap),
	}

	s.transport = newUpstreamTransport(cfg.Upstream, s.boot)
	s.httpClient = &http.Client{
		Transport: s.transport,
		Timeout:   cfg.Upstream.parsedHTTPTimeout,
	}

	if cfg.Upstream.RetryRate > 0 {
		s.retryLimiter = rate.NewLimiter(rate.Limit(cfg.Upstream.RetryRate), 1)
	}

	if len(cfg.ACL.AllowedNetworks) > 0 {
		ranger := cidranger.NewPCTrieRanger()
		for _, cidr := range cfg.ACL.AllowedNetworks {
			_, network, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("acl.allowed_networks: bad cidr %q: %w", cidr, err)
			}
			if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
				return nil, fmt.Errorf("acl.allowed_networks: %w", err)
			}
		}
		s.acl = ranger
	}

	handler := dns.HandlerFunc(s.handleRequest)
	if cfg.Server.ListenV4 != "" {
		s.v4 = &dns.Server{
			Addr:         cfg.Server.ListenV4,
			Net:          "udp",
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	if cfg.Server.ListenV6 != "" {
		s.v6 = &dns.Server{
			Addr:         cfg.Server.ListenV6,
			Net:          "udp",
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// handleRequest serves one inbound packet. Every packet gets its own
// goroutine (the dns server does that) and its own deadline; there is no
// queue between the socket and the upstream.
func (s *Server) handleRequest(w dns.ResponseWriter, req *dns.Msg) {
	if s.acl != nil {
		ip := getIPFromAddr(w.RemoteAddr())
		if allowed, err := s.acl.Contains(ip); err != nil || !allowed {
			LogDebug("dropping query from unauthorized source %v", w.RemoteAddr())
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.parsedTimeout)
	defer cancel()

	resp, err := s.exchangeWithCache(ctx, req)

	// Keep retrying until the deadline. A failed exchange is usually a
	// connectivity blip (Wi-Fi association, cell handover) and the very
	// next attempt often succeeds; latency matters less than recovery.
	if err != nil {
	RetryLoop:
		for {
			select {
			case <-ctx.Done():
				break RetryLoop
			default:
			}
			if s.retryLimiter != nil {
				if werr := s.retryLimiter.Wait(ctx); werr != nil {
					break RetryLoop
				}
			}
			resp, err = s.exchangeWithCache(ctx, req)
			if err == nil {
				break RetryLoop
			}
		}
	}

	if err != nil {
		LogWarn("lookup error: %v", err)
		msg := new(dns.Msg)
		msg.SetReply(req)
		answerHINFO(msg, fmt.Sprintf("lookup error: %v", err))
		w.WriteMsg(msg)
		return
	}

	if rcode := resp.Rcode; rcode == dns.RcodeServerFailure || rcode == dns.RcodeRefused {
		msg := new(dns.Msg)
		msg.SetReply(req)
		answerHINFO(msg, fmt.Sprintf("lookup failed: %s (code: %d)", dns.RcodeToString[rcode], rcode))
		w.WriteMsg(msg)
		return
	}

	// Echo the client's ID and question; SetReply resets the rcode, so
	// restore it afterwards.
	rcode := resp.Rcode
	resp.SetReply(req)
	resp.Rcode = rcode
	w.WriteMsg(resp)
}

// ListenAndServe blocks until the primary listener stops. The secondary
// family failing to bind is tolerated (some sandboxes have no v6 loopback),
// but once the primary returns, both listeners are shut down; a half-running
// state is never left behind.
func (s *Server) ListenAndServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Warm the bootstrap cache so the first query does not pay for the
	// DoH host resolution.
	if host := s.url.Hostname(); host != "" {
		go s.boot.LookupDialAddrs(ctx, host)
	}

	primary, secondary := s.v4, s.v6
	if primary == nil {
		primary, secondary = s.v6, nil
	}

	if secondary != nil {
		go func() {
			LogInfo("starting udp listener on %s", secondary.Addr)
			if err := secondary.ListenAndServe(); err != nil {
				LogWarn("secondary udp listener on %s stopped: %v", secondary.Addr, err)
			}
		}()
	}

	LogInfo("starting udp listener on %s", primary.Addr)
	err := primary.ListenAndServe()
	if err != nil {
		LogError("udp listener on %s stopped: %v", primary.Addr, err)
	}
	s.Shutdown()
	return err
}

// Shutdown stops both listeners. Safe to call repeatedly and before
// ListenAndServe.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.v6 != nil {
			go s.v6.Shutdown()
		}
		if s.v4 != nil {
			s.v4.Shutdown()
		}
	})
}

// CloseIdleConnections drops pooled upstream connections. Called by the host
// on network path change events.
func (s *Server) CloseIdleConnections() {
	s.transport.CloseIdleConnections()
}

// CloseAllConnections additionally rotates in a fresh transport so every
// subsequent exchange re-resolves and re-handshakes.
func (s *Server) CloseAllConnections() {
	s.transport.CloseAllConnections()
}
