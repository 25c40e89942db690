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

package fanout

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartcontrol/smartcontrol/pkg/models"
)

// Time allowed to write an event to the peer.
const wsWriteWait = 10 * time.Second

// WSObserver adapts a browser WebSocket connection to the Observer
// interface. Writes are serialized and bounded by a deadline, so a stalled
// browser surfaces as a write error instead of blocking the hub.
type WSObserver struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

// NewWSObserver wraps an upgraded connection.
func NewWSObserver(conn *websocket.Conn) *WSObserver {
	return &WSObserver{conn: conn}
}

// SendEvent writes the event as one JSON text frame.
func (w *WSObserver) SendEvent(event *models.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}

	return w.conn.WriteJSON(event)
}

// Close sends a close frame best-effort and releases the connection.
func (w *WSObserver) Close() error {
	var err error

	w.closeOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

		err = w.conn.Close()
	})

	return err
}
