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

// Package models defines the wire messages, device records and events shared
// across the SmartControl core.
package models

import (
	"encoding/json"
	"time"
)

// Message is one newline-delimited JSON frame on the agent wire.
// Data stays raw until the dispatcher knows the frame type.
type Message struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Inbound frame types reported by agents.
const (
	TypeDeviceInfo      = "device_info"
	TypeHeartbeat       = "heartbeat"
	TypeCommandResponse = "command_response"
	TypeScreenData      = "screen_data"
)

// Outbound frame types sent to agents.
const (
	TypeError = "error"
	// Commands to the agent are wrapped in a command_response envelope whose
	// inner data.type discriminates the action; the agent's TCP client
	// dispatches on that inner type.
)

// NewMessage builds a frame stamped with the current wall clock.
func NewMessage(msgType string, data json.RawMessage) *Message {
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// DeviceInfo is the handshake payload carried by a device_info frame.
// Field names follow what the Android agent reports.
type DeviceInfo struct {
	DeviceName     string `json:"deviceName"`
	DeviceModel    string `json:"deviceModel"`
	AndroidVersion string `json:"androidVersion"`
	PackageName    string `json:"packageName"`
	BatteryLevel   *int   `json:"batteryLevel,omitempty"`
	ScreenWidth    *int   `json:"screenWidth,omitempty"`
	ScreenHeight   *int   `json:"screenHeight,omitempty"`
}

// IdentityKey is the stable identity the registry allocates device ids
// against. Two connections presenting the same key are the same device.
func (d *DeviceInfo) IdentityKey() string {
	return d.PackageName + "/" + d.DeviceName + "/" + d.DeviceModel
}

// ScreenFrame is the payload of a screen_data frame: one captured still of
// the device screen, base64 JPEG.
type ScreenFrame struct {
	ImageData string `json:"imageData"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	Timestamp int64  `json:"timestamp"`
}
