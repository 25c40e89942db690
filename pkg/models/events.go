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

package models

import (
	"encoding/json"
	"time"
)

// Event is one registry/state-change broadcast to observers. Best-effort:
// there is no backlog or replay, an observer that joins late only gets the
// snapshot event.
type Event struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"device_id,omitempty"`
	Device    *Device         `json:"device,omitempty"`
	Devices   []Device        `json:"devices,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Event types broadcast by the core.
const (
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
	EventDeviceUpdated      = "device_updated"
	EventScreenFrame        = "screen_frame"
	EventSnapshot           = "snapshot"
)

// NewEvent stamps an event with the current time.
func NewEvent(eventType string) *Event {
	return &Event{Type: eventType, Timestamp: time.Now()}
}
