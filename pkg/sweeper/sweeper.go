/*
 * Copyright 2025 SmartControl Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package sweeper evicts sessions whose peers vanished without a clean close.
// TCP alone does not surface a half-open connection promptly; the periodic
// scan is the only mechanism that reclaims one.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/registry"
)

const (
	defaultInterval = 15 * time.Second
	defaultTimeout  = 45 * time.Second
)

// ConnLister is the registry surface the sweeper scans.
type ConnLister interface {
	Connections() map[string]registry.Conn
}

// HeartbeatSweeper periodically force-closes sessions that exceeded the
// liveness timeout, exactly as if their socket had errored.
type HeartbeatSweeper struct {
	reg      ConnLister
	interval time.Duration
	timeout  time.Duration
	log      logger.Logger

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a sweeper. The timeout must stay well above the agent heartbeat
// interval (10s) to avoid false evictions on jitter; zero values take the
// defaults.
func New(reg ConnLister, interval, timeout time.Duration, log logger.Logger) *HeartbeatSweeper {
	if interval <= 0 {
		interval = defaultInterval
	}

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &HeartbeatSweeper{
		reg:      reg,
		interval: interval,
		timeout:  timeout,
		log:      log.WithComponent("sweeper"),
	}
}

// Start launches the sweep loop. Idempotent until Stop.
func (s *HeartbeatSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}

	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(ctx, s.stop)
}

func (s *HeartbeatSweeper) run(ctx context.Context, stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep scans once, closing every session idle past the timeout. Exported so
// tests can drive it without the ticker.
func (s *HeartbeatSweeper) Sweep() {
	now := time.Now()

	for id, conn := range s.reg.Connections() {
		idle := now.Sub(conn.LastActivity())
		if idle <= s.timeout {
			continue
		}

		s.log.Warn().
			Str("device_id", id).
			Dur("idle", idle).
			Dur("timeout", s.timeout).
			Msg("Evicting session past liveness timeout")

		conn.Close("heartbeat_timeout")
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (s *HeartbeatSweeper) Stop() {
	s.mu.Lock()

	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}

	s.mu.Unlock()

	s.wg.Wait()
}
