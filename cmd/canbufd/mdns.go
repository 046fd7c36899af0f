package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_canbufd._tcp"

// startMDNS registers the TCP stream via mDNS and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("canbufd-%s", host)
	}
	meta := mdnsTXT(cfg)
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

// mdnsTXT builds the TXT records advertised with the service.
func mdnsTXT(cfg *appConfig) []string {
	return []string{
		"backend=" + cfg.backend,
		"port=" + strconv.Itoa(cfg.port),
		"proto=cannelloni",
		"version=" + version,
		"commit=" + commit,
	}
}
