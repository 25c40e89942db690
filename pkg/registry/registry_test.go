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

package registry

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
)

type fakeConn struct {
	mu           sync.Mutex
	sent         []*models.Message
	closedReason []string
	lastActivity time.Time
	addr         string
	sendErr      error
}

func (c *fakeConn) Send(msg *models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendErr != nil {
		return c.sendErr
	}

	c.sent = append(c.sent, msg)

	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closedReason = append(c.closedReason, reason)
}

func (c *fakeConn) LastActivity() time.Time { return c.lastActivity }
func (c *fakeConn) RemoteAddr() string      { return c.addr }

func (c *fakeConn) closed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.closedReason...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*models.Event
}

func (r *eventRecorder) Broadcast(event *models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *eventRecorder) byType(eventType string) []*models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Event

	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}

	return out
}

func testInfo() *models.DeviceInfo {
	battery := 80
	w, h := 1080, 2400

	return &models.DeviceInfo{
		DeviceName:     "Pixel 8",
		DeviceModel:    "husky",
		AndroidVersion: "15",
		PackageName:    "com.smartcontrol.client",
		BatteryLevel:   &battery,
		ScreenWidth:    &w,
		ScreenHeight:   &h,
	}
}

func newTestRegistry() (*DeviceRegistry, *eventRecorder) {
	events := &eventRecorder{}
	return New(events, logger.NewTestLogger()), events
}

func TestBindCreatesReachableDevice(t *testing.T) {
	reg, events := newTestRegistry()
	conn := &fakeConn{addr: "10.0.0.5:4242"}

	dev := reg.Bind(testInfo(), conn)

	require.True(t, strings.HasPrefix(dev.ID, "dev-"))
	assert.True(t, dev.IsReachable)
	assert.Equal(t, "Pixel 8", dev.DisplayName)
	assert.Equal(t, 80, dev.BatteryLevel)
	assert.Equal(t, 1080, dev.ScreenWidth)
	assert.False(t, dev.FirstSeen.IsZero())

	connected := events.byType(models.EventDeviceConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, dev.ID, connected[0].DeviceID)
}

func TestBindSameIdentityKeepsDeviceID(t *testing.T) {
	reg, _ := newTestRegistry()

	first := reg.Bind(testInfo(), &fakeConn{})
	second := reg.Bind(testInfo(), &fakeConn{})

	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.FirstSeen.IsZero())
	assert.Equal(t, first.FirstSeen, second.FirstSeen)
}

func TestBindSupersedesPriorSession(t *testing.T) {
	reg, _ := newTestRegistry()
	old := &fakeConn{addr: "10.0.0.5:1"}
	replacement := &fakeConn{addr: "10.0.0.5:2"}

	dev := reg.Bind(testInfo(), old)
	reg.Bind(testInfo(), replacement)

	require.Equal(t, []string{"superseded"}, old.closed())

	// Commands go to the surviving session.
	require.NoError(t, reg.Send(dev.ID, models.NewMessage(models.TypeCommandResponse, nil)))
	assert.Empty(t, old.sent)
	assert.Len(t, replacement.sent, 1)
}

func TestUnbindGuardsAgainstStaleSession(t *testing.T) {
	reg, events := newTestRegistry()
	old := &fakeConn{}
	replacement := &fakeConn{}

	dev := reg.Bind(testInfo(), old)
	reg.Bind(testInfo(), replacement)

	// The superseded session's teardown races in after the new bind won.
	assert.False(t, reg.Unbind(dev.ID, old))

	got, ok := reg.Get(dev.ID)
	require.True(t, ok)
	assert.True(t, got.IsReachable)
	assert.Empty(t, events.byType(models.EventDeviceDisconnected))

	// Still deliverable.
	require.NoError(t, reg.Send(dev.ID, models.NewMessage(models.TypeHeartbeat, nil)))
}

func TestUnbindMarksUnreachableAndBroadcastsOnce(t *testing.T) {
	reg, events := newTestRegistry()
	conn := &fakeConn{}

	dev := reg.Bind(testInfo(), conn)

	assert.True(t, reg.Unbind(dev.ID, conn))
	assert.False(t, reg.Unbind(dev.ID, conn))

	got, ok := reg.Get(dev.ID)
	require.True(t, ok)
	assert.False(t, got.IsReachable)

	disconnected := events.byType(models.EventDeviceDisconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, dev.ID, disconnected[0].DeviceID)
}

func TestUpdateFieldsMergesPartial(t *testing.T) {
	reg, events := newTestRegistry()

	dev := reg.Bind(testInfo(), &fakeConn{})

	battery := 42

	updated, ok := reg.UpdateFields(dev.ID, &models.DeviceUpdate{BatteryLevel: &battery})
	require.True(t, ok)

	assert.Equal(t, 42, updated.BatteryLevel)
	assert.Equal(t, "Pixel 8", updated.DisplayName)
	assert.Len(t, events.byType(models.EventDeviceUpdated), 1)
}

func TestUpdateFieldsIgnoresUnknownID(t *testing.T) {
	reg, events := newTestRegistry()

	_, ok := reg.UpdateFields("dev-ghost", &models.DeviceUpdate{})
	assert.False(t, ok)
	assert.Empty(t, events.byType(models.EventDeviceUpdated))

	_, found := reg.Get("dev-ghost")
	assert.False(t, found, "update must not resurrect a record")
}

func TestListReturnsCopies(t *testing.T) {
	reg, _ := newTestRegistry()

	dev := reg.Bind(testInfo(), &fakeConn{})

	list := reg.List()
	require.Len(t, list, 1)

	list[0].DisplayName = "mutated"

	got, ok := reg.Get(dev.ID)
	require.True(t, ok)
	assert.Equal(t, "Pixel 8", got.DisplayName)
}

func TestSendToUnknownDeviceIsNotConnected(t *testing.T) {
	reg, _ := newTestRegistry()

	err := reg.Send("dev-ghost", models.NewMessage(models.TypeHeartbeat, nil))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendAfterUnbindIsNotConnected(t *testing.T) {
	reg, _ := newTestRegistry()
	conn := &fakeConn{}

	dev := reg.Bind(testInfo(), conn)
	reg.Unbind(dev.ID, conn)

	err := reg.Send(dev.ID, models.NewMessage(models.TypeHeartbeat, nil))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, conn.sent)
}

func TestConnectionsSnapshot(t *testing.T) {
	reg, _ := newTestRegistry()
	conn := &fakeConn{}

	dev := reg.Bind(testInfo(), conn)

	conns := reg.Connections()
	require.Len(t, conns, 1)
	assert.Contains(t, conns, dev.ID)

	// Mutating the snapshot must not affect the registry.
	delete(conns, dev.ID)
	require.NoError(t, reg.Send(dev.ID, models.NewMessage(models.TypeHeartbeat, nil)))
}

func TestConcurrentBindSingleWinner(t *testing.T) {
	reg, _ := newTestRegistry()

	const n = 16

	conns := make([]*fakeConn, n)

	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		conns[i] = &fakeConn{}

		wg.Add(1)

		go func(c *fakeConn) {
			defer wg.Done()
			reg.Bind(testInfo(), c)
		}(conns[i])
	}

	wg.Wait()

	list := reg.List()
	require.Len(t, list, 1)

	// Exactly one session survived; the other n-1 were superseded.
	closedCount := 0

	for _, c := range conns {
		closedCount += len(c.closed())
	}

	assert.Equal(t, n-1, closedCount)
	require.NoError(t, reg.Send(list[0].ID, models.NewMessage(models.TypeHeartbeat, nil)))
}
