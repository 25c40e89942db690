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

// Package session implements the per-connection protocol state machine for
// one agent socket: framing, the authentication handshake and serialized
// outbound writes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
)

// State is the session lifecycle. Illegal combinations (an authenticated
// session without a device id, a closed session still bound) are ruled out by
// transitioning under the session mutex.
type State int32

const (
	StateUnauthenticated State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons reported to the handler and logged.
const (
	ReasonProtocolViolation = "protocol_violation"
	ReasonHTTPTraffic       = "http_traffic"
	ReasonReadError         = "read_error"
	ReasonWriteTimeout      = "write_timeout"
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
	ReasonSuperseded        = "superseded"
	ReasonServerShutdown    = "server_shutdown"
	ReasonDisconnect        = "disconnect"
)

// Handler receives the session's protocol events. Implemented by the core
// server, which owns the registry, router and fan-out wiring.
type Handler interface {
	// Authenticate processes the identity frame of an unauthenticated
	// session and returns the derived device id. Binding the registry entry
	// (and superseding any prior session for the same id) happens here,
	// before the session is marked Active.
	Authenticate(s *Session, info *models.DeviceInfo) (deviceID string, err error)

	// HandleFrame processes a non-heartbeat frame from an Active session.
	HandleFrame(s *Session, msg *models.Message)

	// Closed is called exactly once after the socket has been closed.
	Closed(s *Session, reason string)
}

// Config bounds the session's protocol behavior.
type Config struct {
	// WriteTimeout bounds every socket write; an expired deadline is treated
	// as a connection fault, never a stall.
	WriteTimeout time.Duration

	// MaxPreAuthFrames is how many non-identity frames are tolerated before
	// authentication; past it the connection is a protocol violation.
	MaxPreAuthFrames int

	// ReadBufferSize is the per-read chunk size of the read loop.
	ReadBufferSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}

	if out.MaxPreAuthFrames <= 0 {
		out.MaxPreAuthFrames = 8
	}

	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = 16 * 1024
	}

	return out
}

// Session owns one agent socket. The read loop is the only reader; writes are
// serialized through writeMu so router traffic and mirror polls never
// interleave frames.
type Session struct {
	conn    net.Conn
	handler Handler
	cfg     Config
	log     logger.Logger
	framer  *Framer

	mu            sync.Mutex
	state         State
	deviceID      string
	preAuthFrames int

	lastActivity atomic.Int64 // unix nanos

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New wraps an accepted connection. Run must be called to start the read loop.
func New(conn net.Conn, handler Handler, cfg Config, log logger.Logger) *Session {
	s := &Session{
		conn:    conn,
		handler: handler,
		cfg:     cfg.withDefaults(),
		log:     log.WithComponent("session"),
		state:   StateUnauthenticated,
	}

	s.framer = NewFramer(func(err error, record []byte) {
		s.log.Warn().
			Err(err).
			Str("remote_addr", s.RemoteAddr()).
			Int("record_len", len(record)).
			Msg("Dropping unparsable record")
	})

	s.lastActivity.Store(time.Now().UnixNano())

	return s
}

// Run drives the read loop until the socket closes. It owns the socket reads
// exclusively; cancellation of ctx closes the socket, which is the only
// signal that unblocks a pending read.
func (s *Session) Run(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.Close(ReasonServerShutdown)
		case <-done:
		}
	}()

	buf := make([]byte, s.cfg.ReadBufferSize)

	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			msgs, frameErr := s.framer.Append(buf[:n])

			for _, msg := range msgs {
				s.dispatch(msg)
			}

			if frameErr != nil {
				s.faultClose(frameErr)
				return
			}
		}

		if err != nil {
			if s.State() == StateUnauthenticated || s.State() == StateActive {
				s.log.Debug().
					Err(err).
					Str("remote_addr", s.RemoteAddr()).
					Str("device_id", s.DeviceID()).
					Msg("Socket read ended")
			}

			s.Close(ReasonReadError)

			return
		}
	}
}

func (s *Session) faultClose(frameErr error) {
	reason := ReasonProtocolViolation
	if errors.Is(frameErr, ErrHTTPTraffic) {
		reason = ReasonHTTPTraffic
	}

	s.log.Warn().
		Err(frameErr).
		Str("remote_addr", s.RemoteAddr()).
		Msg("Closing connection on protocol fault")

	s.sendError(frameErr.Error())
	s.Close(reason)
}

// dispatch routes one parsed frame through the state machine. Every parsed
// frame, heartbeats included, refreshes the activity timestamp.
func (s *Session) dispatch(msg *models.Message) {
	s.lastActivity.Store(time.Now().UnixNano())

	switch s.State() {
	case StateUnauthenticated:
		s.dispatchPreAuth(msg)
	case StateActive:
		if msg.Type == models.TypeHeartbeat {
			// Liveness only: no registry merge, no observer broadcast.
			return
		}

		s.handler.HandleFrame(s, msg)
	case StateClosing, StateClosed:
		// Frames racing the teardown are dropped.
	}
}

// dispatchPreAuth accepts only the identity frame. Anything else is ignored
// within a bounded window, then the connection is a protocol violation.
func (s *Session) dispatchPreAuth(msg *models.Message) {
	if msg.Type != models.TypeDeviceInfo {
		s.mu.Lock()
		s.preAuthFrames++
		over := s.preAuthFrames > s.cfg.MaxPreAuthFrames
		s.mu.Unlock()

		if over {
			s.sendError("identity frame required")
			s.Close(ReasonProtocolViolation)
		}

		return
	}

	info := &models.DeviceInfo{}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, info); err != nil {
			s.log.Warn().
				Err(err).
				Str("remote_addr", s.RemoteAddr()).
				Msg("Malformed device_info payload")
			s.sendError("malformed device_info")
			s.Close(ReasonProtocolViolation)

			return
		}
	}

	deviceID, err := s.handler.Authenticate(s, info)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("remote_addr", s.RemoteAddr()).
			Msg("Handshake rejected")
		s.sendError("handshake rejected")
		s.Close(ReasonProtocolViolation)

		return
	}

	s.mu.Lock()
	s.deviceID = deviceID
	s.state = StateActive
	s.mu.Unlock()

	s.log.Info().
		Str("device_id", deviceID).
		Str("remote_addr", s.RemoteAddr()).
		Msg("Agent authenticated")
}

// Send frames and writes one message under the per-session write lock with a
// bounded deadline. A failed or timed-out write tears the session down.
func (s *Session) Send(msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound frame: %w", err)
	}

	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if st := s.State(); st == StateClosing || st == StateClosed {
		return net.ErrClosed
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}

	if _, err := s.conn.Write(data); err != nil {
		s.log.Debug().
			Err(err).
			Str("device_id", s.DeviceID()).
			Msg("Socket write failed")

		go s.Close(ReasonWriteTimeout)

		return err
	}

	return nil
}

func (s *Session) sendError(detail string) {
	payload, err := json.Marshal(map[string]string{"message": detail})
	if err != nil {
		return
	}

	// Best effort; the connection is usually about to close.
	_ = s.Send(models.NewMessage(models.TypeError, payload))
}

// Close tears the session down exactly once: Closing, socket close (which
// unblocks the read loop), handler notification, Closed.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()

		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug().Err(err).Msg("Socket close error")
		}

		s.handler.Closed(s, reason)

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		s.log.Info().
			Str("device_id", s.DeviceID()).
			Str("remote_addr", s.RemoteAddr()).
			Str("reason", reason).
			Msg("Session closed")
	})
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// DeviceID returns the bound device id, or "" before authentication.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deviceID
}

// LastActivity is the time of the last successfully parsed frame.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// RemoteAddr is the peer address, for logging.
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}

	return ""
}
