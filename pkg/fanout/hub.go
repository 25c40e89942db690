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

// Package fanout broadcasts registry state-change events to an arbitrary set
// of observers. Delivery is best-effort with no backlog: a broken observer is
// dropped on its first failed write and never isolates the others.
package fanout

import (
	"sync"

	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
)

// Observer is one outbound event channel, typically a browser WebSocket.
// SendEvent must be bounded: an implementation applies its own write deadline
// so one slow peer cannot stall the broadcaster.
type Observer interface {
	SendEvent(event *models.Event) error
	Close() error
}

// Hub maintains the observer set.
type Hub struct {
	mu        sync.RWMutex
	observers map[Observer]struct{}
	log       logger.Logger
}

// NewHub returns an empty hub.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		observers: make(map[Observer]struct{}),
		log:       log.WithComponent("fanout"),
	}
}

// Subscribe adds an observer. It receives only events broadcast after this
// call; recovery of current state is the snapshot event its transport sends.
func (h *Hub) Subscribe(obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.observers[obs] = struct{}{}
}

// Unsubscribe removes an observer without closing it.
func (h *Hub) Unsubscribe(obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.observers, obs)
}

// Broadcast writes the event to every observer. Each write attempt is
// independent; a failure silently unsubscribes and closes that one observer
// and is never raised to the broadcaster.
func (h *Hub) Broadcast(event *models.Event) {
	h.mu.RLock()

	targets := make([]Observer, 0, len(h.observers))
	for obs := range h.observers {
		targets = append(targets, obs)
	}

	h.mu.RUnlock()

	var failed []Observer

	for _, obs := range targets {
		if err := obs.SendEvent(event); err != nil {
			h.log.Debug().
				Err(err).
				Str("event_type", event.Type).
				Msg("Observer write failed, dropping observer")

			failed = append(failed, obs)
		}
	}

	for _, obs := range failed {
		h.Unsubscribe(obs)

		_ = obs.Close()
	}
}

// Count reports the current observer set size.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.observers)
}

// CloseAll drops and closes every observer; used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()

	observers := make([]Observer, 0, len(h.observers))
	for obs := range h.observers {
		observers = append(observers, obs)
	}

	h.observers = make(map[Observer]struct{})

	h.mu.Unlock()

	for _, obs := range observers {
		_ = obs.Close()
	}
}
