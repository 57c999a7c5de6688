/*
File: api.go
Version: 1.1.0
Description: Host-integration shim for the packet-tunnel extension. The core
             library is instance-based; this package owns the single
             process-wide instance behind free functions, because the host
             calls plain exported functions through the mobile bindings.
*/

package mobile

import (
	"runtime/debug"
	"sync"
	"time"

	_ "golang.org/x/mobile/bind"

	"tundns/resolver"
)

var (
	mu     sync.Mutex
	server *resolver.Server

	memTrimOnce sync.Once
)

// InitServer creates the resolver instance. listenV4/listenV6 are host:port
// UDP addresses (either may be empty), dohURL is the https endpoint chosen
// by the app. Returns 0 on success, -1 on failure; the host side only checks
// the sign.
func InitServer(listenV4, listenV6, dohURL string) int {
	cfg := resolver.DefaultConfig()
	cfg.Server.ListenV4 = listenV4
	cfg.Server.ListenV6 = listenV6
	cfg.Upstream.URL = dohURL

	s, err := resolver.New(cfg)
	if err != nil {
		resolver.LogError("failed creating server: %v", err)
		return -1
	}

	mu.Lock()
	server = s
	mu.Unlock()

	tuneMemory()
	return 0
}

// tuneMemory makes the Go runtime behave inside the extension's memory
// budget: aggressive GC plus a periodic forced release of free pages back to
// the OS. The ticker lives for the rest of the process; extension processes
// are torn down with the tunnel.
func tuneMemory() {
	memTrimOnce.Do(func() {
		debug.SetGCPercent(10)
		go func() {
			for range time.NewTicker(5 * time.Second).C {
				debug.FreeOSMemory()
			}
		}()
	})
}

// ListenAndServe blocks until Shutdown. The host calls it on a dedicated
// thread. No-op if InitServer has not succeeded.
func ListenAndServe() {
	mu.Lock()
	s := server
	mu.Unlock()
	if s == nil {
		return
	}
	s.ListenAndServe()
}

// CloseIdleConnections is called by the host on network path change events.
func CloseIdleConnections() {
	mu.Lock()
	s := server
	mu.Unlock()
	if s == nil {
		return
	}
	s.CloseIdleConnections()
}

// CloseAllConnections is the heavier variant: it also swaps in a fresh
// transport so subsequent queries re-resolve and re-handshake on the new
// path.
func CloseAllConnections() {
	mu.Lock()
	s := server
	mu.Unlock()
	if s == nil {
		return
	}
	s.CloseAllConnections()
}

// Shutdown stops the listeners. Safe to call at any point, any number of
// times.
func Shutdown() {
	mu.Lock()
	s := server
	mu.Unlock()
	if s == nil {
		return
	}
	s.Shutdown()
}
