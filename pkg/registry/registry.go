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

// Package registry maintains the authoritative in-memory map of reachable
// devices and their bound sessions. It is the only shared-mutable structure
// in the core; one mutex serializes every mutation and no I/O happens while
// it is held.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
)

// ErrNotConnected is returned by Send when no live session is bound to the
// device id. An expected outcome, not a fault.
var ErrNotConnected = errors.New("device not connected")

// Conn is the session surface the registry needs: serialized framed writes,
// idempotent teardown and the liveness timestamp the sweeper scans.
type Conn interface {
	Send(msg *models.Message) error
	Close(reason string)
	LastActivity() time.Time
	RemoteAddr() string
}

// EventSink receives registry state-change events. Events are emitted after
// the registry mutation is committed and the lock released, so observers
// never see a notification describing state the registry does not reflect.
type EventSink interface {
	Broadcast(event *models.Event)
}

// DeviceRegistry is the canonical id -> session binding plus the denormalized
// device records.
type DeviceRegistry struct {
	mu           sync.RWMutex
	devices      map[string]*models.Device
	conns        map[string]Conn
	idByIdentity map[string]string
	events       EventSink
	log          logger.Logger
}

// New builds an empty registry broadcasting into events.
func New(events EventSink, log logger.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		devices:      make(map[string]*models.Device),
		conns:        make(map[string]Conn),
		idByIdentity: make(map[string]string),
		events:       events,
		log:          log.WithComponent("registry"),
	}
}

// Bind installs conn as the live session for the device described by info,
// upserting the device record. At most one session may be bound per id: an
// existing binding is superseded last-writer-wins and its session closed
// (outside the lock) to avoid split-brain command delivery. The returned
// record is a copy.
func (r *DeviceRegistry) Bind(info *models.DeviceInfo, conn Conn) *models.Device {
	now := time.Now()

	r.mu.Lock()

	id, ok := r.idByIdentity[info.IdentityKey()]
	if !ok {
		id = "dev-" + uuid.NewString()
		r.idByIdentity[info.IdentityKey()] = id
	}

	dev, ok := r.devices[id]
	if !ok {
		dev = &models.Device{ID: id, FirstSeen: now}
		r.devices[id] = dev
	}

	dev.DisplayName = info.DeviceName
	dev.Model = info.DeviceModel
	dev.OSVersion = info.AndroidVersion
	dev.PackageName = info.PackageName
	dev.IsReachable = true
	dev.LastSeen = now
	dev.RemoteAddr = conn.RemoteAddr()
	applyInfoMetrics(dev, info)

	prev := r.conns[id]
	r.conns[id] = conn

	snapshot := *dev

	r.mu.Unlock()

	if prev != nil && prev != conn {
		r.log.Info().
			Str("device_id", id).
			Str("old_addr", prev.RemoteAddr()).
			Str("new_addr", conn.RemoteAddr()).
			Msg("Superseding existing session for device")

		prev.Close("superseded")
	}

	ev := models.NewEvent(models.EventDeviceConnected)
	ev.DeviceID = id
	ev.Device = &snapshot
	r.events.Broadcast(ev)

	return &snapshot
}

// Unbind removes the binding only if it still points at conn, guarding
// against a stale unbind racing a newer bind that won first. Reports whether
// the binding was actually removed; when it was, the device record is marked
// unreachable and a disconnect event is emitted exactly once.
func (r *DeviceRegistry) Unbind(id string, conn Conn) bool {
	r.mu.Lock()

	cur, ok := r.conns[id]
	if !ok || cur != conn {
		r.mu.Unlock()
		return false
	}

	delete(r.conns, id)

	var snapshot *models.Device

	if dev, ok := r.devices[id]; ok {
		dev.IsReachable = false
		dev.LastSeen = time.Now()
		copied := *dev
		snapshot = &copied
	}

	r.mu.Unlock()

	ev := models.NewEvent(models.EventDeviceDisconnected)
	ev.DeviceID = id
	ev.Device = snapshot
	r.events.Broadcast(ev)

	return true
}

// UpdateFields merges the non-nil fields of update into the device record and
// rebroadcasts it. Unknown ids are ignored: a field update cannot resurrect a
// record that was never bound.
func (r *DeviceRegistry) UpdateFields(id string, update *models.DeviceUpdate) (*models.Device, bool) {
	r.mu.Lock()

	dev, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}

	if update.DisplayName != nil {
		dev.DisplayName = *update.DisplayName
	}

	if update.Model != nil {
		dev.Model = *update.Model
	}

	if update.OSVersion != nil {
		dev.OSVersion = *update.OSVersion
	}

	if update.BatteryLevel != nil {
		dev.BatteryLevel = *update.BatteryLevel
	}

	if update.ScreenWidth != nil {
		dev.ScreenWidth = *update.ScreenWidth
	}

	if update.ScreenHeight != nil {
		dev.ScreenHeight = *update.ScreenHeight
	}

	dev.LastSeen = time.Now()
	snapshot := *dev

	r.mu.Unlock()

	ev := models.NewEvent(models.EventDeviceUpdated)
	ev.DeviceID = id
	ev.Device = &snapshot
	r.events.Broadcast(ev)

	return &snapshot, true
}

// Touch refreshes the device's last-seen timestamp without broadcasting.
func (r *DeviceRegistry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[id]; ok {
		dev.LastSeen = time.Now()
	}
}

// Get returns a copy of the device record.
func (r *DeviceRegistry) Get(id string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[id]
	if !ok {
		return models.Device{}, false
	}

	return *dev, true
}

// List returns copies of every device record, ordered by id.
func (r *DeviceRegistry) List() []models.Device {
	r.mu.RLock()

	out := make([]models.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}

	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Send looks up the bound session and writes the framed message to it. The
// write happens after the lock is released; ErrNotConnected when no session
// is bound.
func (r *DeviceRegistry) Send(id string, msg *models.Message) error {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		return ErrNotConnected
	}

	return conn.Send(msg)
}

// Connections returns a snapshot of the current id -> session bindings for
// the sweeper's scan.
func (r *DeviceRegistry) Connections() map[string]Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Conn, len(r.conns))
	for id, conn := range r.conns {
		out[id] = conn
	}

	return out
}

func applyInfoMetrics(dev *models.Device, info *models.DeviceInfo) {
	if info.BatteryLevel != nil {
		dev.BatteryLevel = *info.BatteryLevel
	}

	if info.ScreenWidth != nil {
		dev.ScreenWidth = *info.ScreenWidth
	}

	if info.ScreenHeight != nil {
		dev.ScreenHeight = *info.ScreenHeight
	}
}
