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

// Package api provides the operator HTTP API and the observer WebSocket
// endpoint. It is a thin collaborator: command intake calls the router
// synchronously and returns its result; the WebSocket endpoint only attaches
// observers to the fan-out hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/smartcontrol/smartcontrol/pkg/fanout"
	srhttp "github.com/smartcontrol/smartcontrol/pkg/http"
	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
	"github.com/smartcontrol/smartcontrol/pkg/router"
)

// DeviceReader is the registry's read-only surface.
type DeviceReader interface {
	List() []models.Device
	Get(id string) (models.Device, bool)
}

// CommandDispatcher is the router surface for operator commands.
type CommandDispatcher interface {
	Route(deviceID, kind string, payload map[string]interface{}) (router.Result, error)
}

// Config for the API server.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// APIServer serves the operator surface.
type APIServer struct {
	cfg     Config
	mux     *mux.Router
	devices DeviceReader
	cmds    CommandDispatcher
	hub     *fanout.Hub
	log     logger.Logger
	srv     *http.Server
}

// NewAPIServer wires routes against the injected collaborators.
func NewAPIServer(cfg Config, devices DeviceReader, cmds CommandDispatcher, hub *fanout.Hub, log logger.Logger) *APIServer {
	s := &APIServer{
		cfg:     cfg,
		mux:     mux.NewRouter(),
		devices: devices,
		cmds:    cmds,
		hub:     hub,
		log:     log.WithComponent("api"),
	}

	s.setupRoutes()

	return s
}

func (s *APIServer) setupRoutes() {
	s.mux.Use(srhttp.CommonMiddleware(s.log, s.cfg.AllowedOrigins))

	s.mux.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/devices", s.handleListDevices).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/devices/{id}", s.handleGetDevice).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/devices/{id}/command", s.handleCommand).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
}

// Handler exposes the router for tests.
func (s *APIServer) Handler() http.Handler { return s.mux }

// Start begins serving in a background goroutine.
func (s *APIServer) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("API server exited")
		}
	}()

	return nil
}

// Stop drains the HTTP server.
func (s *APIServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}

	return s.srv.Shutdown(ctx)
}

func (s *APIServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.List()

	reachable := 0

	for i := range devices {
		if devices[i].IsReachable {
			reachable++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices":   len(devices),
		"reachable": reachable,
		"observers": s.hub.Count(),
	})
}

func (s *APIServer) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.List())
}

func (s *APIServer) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	dev, ok := s.devices.Get(id)
	if !ok {
		writeError(w, "device not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// commandRequest is the operator command intake body.
type commandRequest struct {
	Kind    string                 `json:"kind"`
	Payload map[string]interface{} `json:"payload"`
}

// handleCommand routes a command and reports the delivery result
// synchronously: 200 dispatched, 409 when no live session is bound. Dispatch
// means delivered-to-socket, not executed by the agent.
func (s *APIServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.cmds.Route(id, req.Kind, req.Payload)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := http.StatusOK
	if result == router.NotConnected {
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]string{
		"device_id": id,
		"result":    string(result),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
