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

package core

import (
	"errors"
	"time"

	"github.com/smartcontrol/smartcontrol/pkg/config"
	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
)

var errListenAddrRequired = errors.New("listen_addr is required")

// Config is the core service configuration, loaded from JSON with
// environment overrides.
type Config struct {
	// ListenAddr is the device protocol TCP listener (agents dial in here).
	ListenAddr string `json:"listen_addr"`

	// HTTPAddr serves the operator API and the observer WebSocket.
	HTTPAddr string `json:"http_addr"`

	// HeartbeatTimeout evicts a session with no parsed frames for this long.
	// Must stay above the agent's 10s heartbeat interval.
	HeartbeatTimeout models.Duration `json:"heartbeat_timeout"`

	// SweepInterval is the sweeper scan period.
	SweepInterval models.Duration `json:"sweep_interval"`

	// MirrorInterval is the per-device screen poll cadence.
	MirrorInterval models.Duration `json:"mirror_interval"`

	// WriteTimeout bounds every agent socket write.
	WriteTimeout models.Duration `json:"write_timeout"`

	// MaxPreAuthFrames bounds non-identity frames tolerated pre-handshake.
	MaxPreAuthFrames int `json:"max_preauth_frames"`

	// AllowedOrigins is the CORS / WebSocket origin allow-list; empty allows
	// any origin.
	AllowedOrigins []string `json:"allowed_origins"`

	// Database is a Postgres connection string; empty disables persistence.
	Database string `json:"database"`

	// NATS mirrors fan-out events to a broker when set.
	NATS NATSConfig `json:"nats"`

	Logging logger.Config `json:"logging"`
}

// NATSConfig configures the optional event publisher.
type NATSConfig struct {
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errListenAddrRequired
	}

	return nil
}

// normalize fills defaults and applies environment overrides.
func (c *Config) normalize() {
	c.ListenAddr = config.EnvString("SMARTCONTROL_LISTEN_ADDR", c.ListenAddr)
	c.HTTPAddr = config.EnvString("SMARTCONTROL_HTTP_ADDR", c.HTTPAddr)
	c.Database = config.EnvString("SMARTCONTROL_DATABASE", c.Database)
	c.NATS.URL = config.EnvString("SMARTCONTROL_NATS_URL", c.NATS.URL)

	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}

	if c.HeartbeatTimeout.Std() <= 0 {
		c.HeartbeatTimeout = models.Duration(45 * time.Second)
	}

	if c.SweepInterval.Std() <= 0 {
		c.SweepInterval = models.Duration(15 * time.Second)
	}

	if c.MirrorInterval.Std() <= 0 {
		c.MirrorInterval = models.Duration(50 * time.Millisecond)
	}

	if c.WriteTimeout.Std() <= 0 {
		c.WriteTimeout = models.Duration(10 * time.Second)
	}
}
