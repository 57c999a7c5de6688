/*
File: main.go
Version: 1.0.0
Description: Standalone daemon wrapper around the resolver library, for
             desktop use and integration testing. Loads YAML config, runs the
             listeners and shuts down on SIGINT/SIGTERM.
*/

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tundns/resolver"
)

var (
	configFile = flag.String("config", "", "Path to configuration file (YAML)")
)

func main() {
	flag.Usage = func() {
		const usage = `Embedded DoH Stub Resolver

Usage: %s -config <config.yaml>
`
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if *configFile == "" {
		log.Fatal("Error: -config flag is required.")
	}

	cfg, err := resolver.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := resolver.InitLogger(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	srv, err := resolver.New(*cfg)
	if err != nil {
		resolver.LogError("Failed to create server: %v", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		resolver.LogInfo("Received signal: %v - shutting down", sig)
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		resolver.LogError("Server stopped: %v", err)
		os.Exit(1)
	}
	resolver.LogInfo("Shutdown complete")
}
