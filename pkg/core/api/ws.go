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

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartcontrol/smartcontrol/pkg/fanout"
	srhttp "github.com/smartcontrol/smartcontrol/pkg/http"
	"github.com/smartcontrol/smartcontrol/pkg/models"
)

const (
	wsReadWait   = 60 * time.Second
	wsPingPeriod = (wsReadWait * 9) / 10
)

// handleWebSocket upgrades a browser connection and attaches it to the
// fan-out hub. The new observer immediately receives one snapshot event with
// the full device list; past events are never replayed.
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return srhttp.AllowOrigin(r.Header.Get("Origin"), s.cfg.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("WebSocket upgrade failed")

		return
	}

	s.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Msg("Observer connected")

	obs := fanout.NewWSObserver(conn)

	snapshot := models.NewEvent(models.EventSnapshot)
	snapshot.Devices = s.devices.List()

	if err := obs.SendEvent(snapshot); err != nil {
		s.log.Debug().Err(err).Msg("Snapshot write failed")

		_ = obs.Close()

		return
	}

	s.hub.Subscribe(obs)

	// Observers are write-only sinks; the read loop exists to detect
	// disconnects and answer control frames.
	go s.observerReadLoop(conn, obs, r.RemoteAddr)
}

func (s *APIServer) observerReadLoop(conn *websocket.Conn, obs *fanout.WSObserver, remoteAddr string) {
	stopPing := make(chan struct{})

	// Browsers only answer pings; without ours the read deadline would evict
	// a healthy idle observer. WriteControl is safe alongside other writes.
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		close(stopPing)

		s.hub.Unsubscribe(obs)

		_ = obs.Close()

		s.log.Info().
			Str("remote_addr", remoteAddr).
			Msg("Observer disconnected")
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadWait))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadWait)); err != nil {
			return
		}

		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().
					Err(err).
					Str("remote_addr", remoteAddr).
					Msg("Observer read error")
			}

			return
		}
	}
}
