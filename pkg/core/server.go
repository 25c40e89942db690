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

// Package core wires the device session server together: TCP accept loop,
// registry, sweeper, router, fan-out and the persistence collaborator. All
// dependencies are constructed once here and passed by reference; nothing is
// reached through global state.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/smartcontrol/smartcontrol/pkg/core/api"
	"github.com/smartcontrol/smartcontrol/pkg/db"
	"github.com/smartcontrol/smartcontrol/pkg/fanout"
	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
	"github.com/smartcontrol/smartcontrol/pkg/registry"
	"github.com/smartcontrol/smartcontrol/pkg/router"
	"github.com/smartcontrol/smartcontrol/pkg/session"
	"github.com/smartcontrol/smartcontrol/pkg/sweeper"
)

const (
	persistTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
	acceptBackoff   = 100 * time.Millisecond
)

// Server is the SmartControl core process.
type Server struct {
	cfg   *Config
	log   logger.Logger
	hub   *fanout.Hub
	reg   *registry.DeviceRegistry
	cmds  *router.CommandRouter
	sweep *sweeper.HeartbeatSweeper
	store db.Service
	api   *api.APIServer
	nats  *fanout.NATSPublisher

	listener net.Listener

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
	wg       sync.WaitGroup
}

// NewServer constructs the full dependency graph from config.
func NewServer(ctx context.Context, cfg *Config, log logger.Logger) (*Server, error) {
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hub := fanout.NewHub(log)
	reg := registry.New(hub, log)
	cmds := router.New(reg, cfg.MirrorInterval.Std(), log)
	sweep := sweeper.New(reg, cfg.SweepInterval.Std(), cfg.HeartbeatTimeout.Std(), log)

	var store db.Service = db.Nop{}

	if cfg.Database != "" {
		pg, err := db.New(ctx, cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("connect persistence: %w", err)
		}

		store = pg
	}

	s := &Server{
		cfg:      cfg,
		log:      log.WithComponent("core"),
		hub:      hub,
		reg:      reg,
		cmds:     cmds,
		sweep:    sweep,
		store:    store,
		sessions: make(map[*session.Session]struct{}),
	}

	s.api = api.NewAPIServer(api.Config{
		Addr:           cfg.HTTPAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, reg, cmds, hub, log)

	if cfg.NATS.URL != "" {
		pub, err := fanout.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return nil, err
		}

		s.nats = pub
		hub.Subscribe(pub)
	}

	return s, nil
}

// Start opens the device listener, the sweeper and the operator API. It
// returns once everything is running; Stop tears it down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.listener = ln

	s.log.Info().
		Str("listen_addr", s.cfg.ListenAddr).
		Str("http_addr", s.cfg.HTTPAddr).
		Msg("Device session server starting")

	s.sweep.Start(ctx)

	s.wg.Add(1)

	go s.acceptLoop(ctx)

	if err := s.api.Start(); err != nil {
		return err
	}

	return nil
}

// Addr returns the device listener address once Start has succeeded; useful
// when the config asked for an ephemeral port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}

			s.log.Warn().Err(err).Msg("Accept failed, backing off")
			time.Sleep(acceptBackoff)

			continue
		}

		sess := session.New(conn, s, session.Config{
			WriteTimeout:     s.cfg.WriteTimeout.Std(),
			MaxPreAuthFrames: s.cfg.MaxPreAuthFrames,
		}, s.log)

		s.track(sess)

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer s.untrack(sess)

			sess.Run(ctx)
		}()
	}
}

// Authenticate implements session.Handler: bind the registry entry (which
// supersedes any prior session for the same device), start the mirror poll
// and persist off the hot path.
func (s *Server) Authenticate(sess *session.Session, info *models.DeviceInfo) (string, error) {
	dev := s.reg.Bind(info, sess)

	s.cmds.StartMirror(dev.ID)

	s.persistAsync(func(ctx context.Context) {
		if err := s.store.UpsertDevice(ctx, dev); err != nil {
			s.log.Warn().Err(err).Str("device_id", dev.ID).Msg("Device upsert failed")
		}

		if err := s.store.AppendActivityLog(ctx, dev.ID, "connected", sess.RemoteAddr()); err != nil {
			s.log.Warn().Err(err).Str("device_id", dev.ID).Msg("Activity log failed")
		}
	})

	return dev.ID, nil
}

// HandleFrame implements session.Handler for Active-state frames.
func (s *Server) HandleFrame(sess *session.Session, msg *models.Message) {
	deviceID := sess.DeviceID()

	switch msg.Type {
	case models.TypeDeviceInfo:
		// Agents re-announce after permission or battery changes; merge the
		// fields present and rebroadcast.
		s.handleInfoUpdate(deviceID, msg)
	case models.TypeScreenData:
		s.reg.Touch(deviceID)
		s.broadcastFrame(models.EventScreenFrame, deviceID, msg.Data)
	case models.TypeCommandResponse:
		s.reg.Touch(deviceID)
		s.broadcastFrame(models.EventDeviceUpdated, deviceID, msg.Data)
	default:
		s.log.Debug().
			Str("device_id", deviceID).
			Str("type", msg.Type).
			Msg("Ignoring unrecognized frame type")
	}
}

func (s *Server) handleInfoUpdate(deviceID string, msg *models.Message) {
	info := &models.DeviceInfo{}
	if err := json.Unmarshal(msg.Data, info); err != nil {
		s.log.Debug().Err(err).Str("device_id", deviceID).Msg("Malformed device_info update")
		return
	}

	update := &models.DeviceUpdate{
		BatteryLevel: info.BatteryLevel,
		ScreenWidth:  info.ScreenWidth,
		ScreenHeight: info.ScreenHeight,
	}

	if info.DeviceName != "" {
		update.DisplayName = &info.DeviceName
	}

	if info.AndroidVersion != "" {
		update.OSVersion = &info.AndroidVersion
	}

	dev, ok := s.reg.UpdateFields(deviceID, update)
	if !ok {
		return
	}

	s.persistAsync(func(ctx context.Context) {
		if err := s.store.UpsertDevice(ctx, dev); err != nil {
			s.log.Warn().Err(err).Str("device_id", deviceID).Msg("Device upsert failed")
		}
	})
}

func (s *Server) broadcastFrame(eventType, deviceID string, data json.RawMessage) {
	ev := models.NewEvent(eventType)
	ev.DeviceID = deviceID
	ev.Data = data
	s.hub.Broadcast(ev)
}

// Closed implements session.Handler. The guarded unbind keeps a superseded
// session's teardown from tearing out its successor's binding.
func (s *Server) Closed(sess *session.Session, reason string) {
	deviceID := sess.DeviceID()
	if deviceID == "" {
		return
	}

	s.cmds.StopMirror(deviceID)

	if !s.reg.Unbind(deviceID, sess) {
		return
	}

	s.persistAsync(func(ctx context.Context) {
		if err := s.store.MarkDisconnected(ctx, deviceID); err != nil {
			s.log.Warn().Err(err).Str("device_id", deviceID).Msg("Disconnect persist failed")
		}

		if err := s.store.AppendActivityLog(ctx, deviceID, "disconnected", reason); err != nil {
			s.log.Warn().Err(err).Str("device_id", deviceID).Msg("Activity log failed")
		}
	})
}

// persistAsync runs a persistence call off the session hot path with its own
// bounded context.
func (s *Server) persistAsync(fn func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		fn(ctx)
	}()
}

func (s *Server) track(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess] = struct{}{}
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sess)
}

// Stop shuts the server down: no new connections, mirrors and sweeps
// cancelled, every session closed, observers released.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Device session server stopping")

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sweep.Stop()
	s.cmds.StopAll()

	s.mu.Lock()
	open := make([]*session.Session, 0, len(s.sessions))

	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.Close(session.ReasonServerShutdown)
	}

	if err := s.api.Stop(ctx); err != nil {
		s.log.Warn().Err(err).Msg("API shutdown error")
	}

	s.hub.CloseAll()

	if s.nats != nil {
		_ = s.nats.Close()
	}

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.log.Warn().Msg("Timed out waiting for session goroutines")
	}

	s.store.Close()

	return nil
}
