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

import "time"

// Device is the logical device record. It spans reconnects: a device that
// drops and dials back in keeps the same ID while getting a fresh session.
type Device struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Model        string    `json:"model"`
	OSVersion    string    `json:"os_version"`
	PackageName  string    `json:"package_name"`
	BatteryLevel int       `json:"battery_level"`
	ScreenWidth  int       `json:"screen_width"`
	ScreenHeight int       `json:"screen_height"`
	IsReachable  bool      `json:"is_reachable"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
}

// DeviceUpdate carries a partial merge into a Device record. Nil fields are
// left untouched.
type DeviceUpdate struct {
	DisplayName  *string
	Model        *string
	OSVersion    *string
	BatteryLevel *int
	ScreenWidth  *int
	ScreenHeight *int
}
