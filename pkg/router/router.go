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

// Package router translates operator actions into wire commands and
// dispatches them to the device's bound session. Delivery is fire-and-forget:
// the protocol carries no correlation id, so any acknowledgement arrives
// later as an ordinary inbound frame keyed only by device id and kind.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
	"github.com/smartcontrol/smartcontrol/pkg/registry"
)

// Result of a routing attempt. Dispatched means the frame reached the
// socket, not that the agent executed it.
type Result string

const (
	Dispatched   Result = "dispatched"
	NotConnected Result = "not_connected"
)

// ErrUnknownKind rejects commands outside the agent's vocabulary.
var ErrUnknownKind = errors.New("unknown command kind")

// KindRequestScreen triggers a fresh screen capture on the agent; the mirror
// loop issues it continuously for live mirroring.
const KindRequestScreen = "request_screen"

// commandKinds is the agent's input-injection vocabulary.
var commandKinds = map[string]struct{}{
	"touch":           {},
	"swipe":           {},
	"key":             {},
	"text":            {},
	"long_press":      {},
	"drag":            {},
	KindRequestScreen: {},
}

const defaultMirrorInterval = 50 * time.Millisecond

// Sender is the registry surface the router dispatches through.
type Sender interface {
	Send(id string, msg *models.Message) error
}

// CommandRouter owns the operator command path and the per-device mirror
// poll timers.
type CommandRouter struct {
	sender         Sender
	mirrorInterval time.Duration
	log            logger.Logger

	mu      sync.Mutex
	mirrors map[string]chan struct{}
}

// New builds a router dispatching through sender. mirrorInterval <= 0 takes
// the 50ms default.
func New(sender Sender, mirrorInterval time.Duration, log logger.Logger) *CommandRouter {
	if mirrorInterval <= 0 {
		mirrorInterval = defaultMirrorInterval
	}

	return &CommandRouter{
		sender:         sender,
		mirrorInterval: mirrorInterval,
		log:            log.WithComponent("router"),
		mirrors:        make(map[string]chan struct{}),
	}
}

// Route wraps an operator command for device consumption and writes it to the
// bound session. The caller is never blocked on agent acknowledgement. The
// error return covers only invalid input; an offline device is the
// NotConnected result, not an error.
func (r *CommandRouter) Route(deviceID, kind string, payload map[string]interface{}) (Result, error) {
	if _, ok := commandKinds[kind]; !ok {
		return NotConnected, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	msg, err := buildCommand(deviceID, kind, payload)
	if err != nil {
		return NotConnected, err
	}

	if err := r.sender.Send(deviceID, msg); err != nil {
		if !errors.Is(err, registry.ErrNotConnected) {
			r.log.Debug().
				Err(err).
				Str("device_id", deviceID).
				Str("kind", kind).
				Msg("Command write failed")
		}

		return NotConnected, nil
	}

	return Dispatched, nil
}

// buildCommand produces the agent envelope: a command_response frame whose
// data carries the action under an inner type discriminator.
func buildCommand(deviceID, kind string, payload map[string]interface{}) (*models.Message, error) {
	inner := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		inner[k] = v
	}

	inner["type"] = kind

	data, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("marshal command payload: %w", err)
	}

	msg := models.NewMessage(models.TypeCommandResponse, data)
	msg.DeviceID = deviceID

	return msg, nil
}

// StartMirror launches the screen poll loop for a device that just went
// Active. No-op when one is already running.
func (r *CommandRouter) StartMirror(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.mirrors[deviceID]; ok {
		return
	}

	stop := make(chan struct{})
	r.mirrors[deviceID] = stop

	go r.mirrorLoop(deviceID, stop)

	r.log.Debug().
		Str("device_id", deviceID).
		Dur("interval", r.mirrorInterval).
		Msg("Mirror poll started")
}

func (r *CommandRouter) mirrorLoop(deviceID string, stop chan struct{}) {
	ticker := time.NewTicker(r.mirrorInterval)
	defer ticker.Stop()

	msg, err := buildCommand(deviceID, KindRequestScreen, nil)
	if err != nil {
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Re-stamp so the agent sees a fresh timestamp per poll.
			msg.Timestamp = time.Now().UnixMilli()

			if err := r.sender.Send(deviceID, msg); err != nil {
				if errors.Is(err, registry.ErrNotConnected) {
					// Session already gone; StopMirror will reap us, but
					// there is no point polling an unbound id.
					r.StopMirror(deviceID)
					return
				}
			}
		}
	}
}

// StopMirror cancels the device's poll loop. Called the instant the session
// leaves Active.
func (r *CommandRouter) StopMirror(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stop, ok := r.mirrors[deviceID]; ok {
		close(stop)
		delete(r.mirrors, deviceID)
	}
}

// StopAll cancels every poll loop; used on shutdown.
func (r *CommandRouter) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, stop := range r.mirrors {
		close(stop)
		delete(r.mirrors, id)
	}
}
