// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
)

// Reporter receives raw reachability signals.
type Reporter interface {
	Report(reachable bool)
}

// InterfaceSource samples local network interfaces and reports whether any
// usable one exists. It makes no remote calls.
type InterfaceSource struct {
	reporter Reporter
	interval time.Duration
	probe    func() bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}
}

// NewInterfaceSource creates a source that reports to r every interval.
// A nil probe uses HasUsableInterface.
func NewInterfaceSource(r Reporter, interval time.Duration, probe func() bool) *InterfaceSource {
	if interval <= 0 {
		interval = time.Second
	}
	if probe == nil {
		probe = HasUsableInterface
	}
	return &InterfaceSource{reporter: r, interval: interval, probe: probe}
}

// Start begins sampling. The first sample is reported immediately.
func (s *InterfaceSource) Start(ctx context.Context) error {
	s.mu.Lock()
	for s.stopping {
		stopDone := s.stopDone
		s.mu.Unlock()
		<-stopDone
		s.mu.Lock()
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.stopDone = make(chan struct{})
	loopCtx := s.ctx
	done := s.stopDone
	s.mu.Unlock()

	go s.run(loopCtx, done)

	logging.Info().Dur("interval", s.interval).Msg("Interface connectivity source started")
	return nil
}

// Stop stops sampling and waits for the loop to exit.
func (s *InterfaceSource) Stop() {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.stopping = true
	stopDone := s.stopDone
	s.mu.Unlock()

	<-stopDone

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	logging.Info().Msg("Interface connectivity source stopped")
}

// IsRunning returns whether sampling is active.
func (s *InterfaceSource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *InterfaceSource) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.reporter.Report(s.probe())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reporter.Report(s.probe())
		}
	}
}

// HasUsableInterface reports whether an up, non-loopback interface carries a
// routable unicast address.
func HasUsableInterface() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		logging.Warn().Err(err).Msg("List network interfaces failed")
		return false
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				continue
			}
			return true
		}
	}
	return false
}
