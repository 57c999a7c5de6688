/*
File: transport.go
Version: 1.4.0
Description: HTTP transports for the DoH upstream. Dials TLS directly against
             bootstrap-resolved IPs (never through OS hostname resolution),
             pins TLS 1.3, and supports atomic replacement of the whole
             transport when the device's network path changes.
*/

package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

var dialer = &net.Dialer{
	Timeout: 5 * time.Second,
}

// idleCloser is the part of http.Transport and http3.RoundTripper we rely on.
type idleCloser interface {
	http.RoundTripper
	CloseIdleConnections()
}

// swappableTransport hands every request the transport snapshot current at
// call time. CloseAllConnections rotates in a fresh instance without blocking
// readers; in-flight requests finish on the transport they started with.
type swappableTransport struct {
	cur   atomic.Pointer[transportSlot]
	fresh func() idleCloser
}

type transportSlot struct {
	rt idleCloser
}

func newSwappableTransport(fresh func() idleCloser) *swappableTransport {
	st := &swappableTransport{fresh: fresh}
	st.cur.Store(&transportSlot{rt: fresh()})
	return st
}

func (st *swappableTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	slot := st.cur.Load()
	if slot == nil || slot.rt == nil {
		return nil, errors.New("no http transport available")
	}
	return slot.rt.RoundTrip(req)
}

// CloseIdleConnections drops pooled connections without touching in-flight
// requests. Safe to call repeatedly.
func (st *swappableTransport) CloseIdleConnections() {
	if slot := st.cur.Load(); slot != nil && slot.rt != nil {
		slot.rt.CloseIdleConnections()
	}
}

// CloseAllConnections forces every subsequent dial to re-resolve and
// re-handshake. Used on network path changes (Wi-Fi -> cellular), where the
// pooled connections are bound to a dead interface.
func (st *swappableTransport) CloseAllConnections() {
	old := st.cur.Swap(&transportSlot{rt: st.fresh()})
	if old != nil && old.rt != nil {
		old.rt.CloseIdleConnections()
	}
}

// --- Pinned H2 transport ---

// newPinnedTransport builds an http.Transport whose TLS dials go straight to
// the bootstrap-resolved IPs. SNI stays the original hostname so certificate
// validation is unchanged; only name-to-address resolution is replaced.
func newPinnedTransport(boot *bootstrapResolver) *http.Transport {
	return &http.Transport{
		ForceAttemptHTTP2:      true,
		MaxIdleConnsPerHost:    30,
		TLSHandshakeTimeout:    10 * time.Second,
		ExpectContinueTimeout:  10 * time.Second,
		MaxResponseHeaderBytes: 4096,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			host = strings.ToLower(host)

			ips, err := boot.LookupDialAddrs(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("no such host %s: %w", host, err)
			}

			tlsDialer := tls.Dialer{
				NetDialer: dialer,
				Config: &tls.Config{
					ServerName: host,
					MinVersion: tls.VersionTLS13,
					NextProtos: []string{"h2"},
				},
			}

			var lastErr error
			for _, ip := range ips {
				conn, err := tlsDialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
				if err != nil {
					lastErr = err
					continue
				}
				return conn, nil
			}
			return nil, lastErr
		},
	}
}

// --- Pinned H3 transport ---

// newH3Transport is the QUIC counterpart of newPinnedTransport for
// upstream.transport: h3. HTTP/3 mandates TLS 1.3 on its own.
func newH3Transport(boot *bootstrapResolver) *http3.RoundTripper {
	return &http3.RoundTripper{
		QuicConfig: &quic.Config{
			KeepAlivePeriod: 30 * time.Second,
			MaxIdleTimeout:  60 * time.Second,
		},
		Dial: func(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (quic.EarlyConnection, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			host = strings.ToLower(host)

			ips, err := boot.LookupDialAddrs(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("no such host %s: %w", host, err)
			}

			qtls := tlsCfg.Clone()
			qtls.ServerName = host
			qtls.MinVersion = tls.VersionTLS13

			var lastErr error
			for _, ip := range ips {
				conn, err := quic.DialAddrEarly(ctx, net.JoinHostPort(ip.String(), port), qtls, cfg)
				if err != nil {
					lastErr = err
					continue
				}
				return conn, nil
			}
			return nil, lastErr
		},
	}
}

// newUpstreamTransport picks the transport family from config.
func newUpstreamTransport(cfg UpstreamConfig, boot *bootstrapResolver) *swappableTransport {
	if strings.EqualFold(cfg.Transport, "h3") {
		return newSwappableTransport(func() idleCloser { return newH3Transport(boot) })
	}
	return newSwappableTransport(func() idleCloser { return newPinnedTransport(boot) })
}
