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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontrol/smartcontrol/pkg/fanout"
	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
)

func dialObserver(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	if resp != nil {
		defer resp.Body.Close()
	}

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *models.Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))

	return &ev
}

func TestWebSocketSnapshotOnConnect(t *testing.T) {
	reader := &fakeReader{devices: []models.Device{testDevice("dev-1"), testDevice("dev-2")}}
	hub := fanout.NewHub(logger.NewTestLogger())
	s := NewAPIServer(Config{}, reader, &fakeDispatcher{}, hub, logger.NewTestLogger())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialObserver(t, ts)

	ev := readEvent(t, conn)
	assert.Equal(t, models.EventSnapshot, ev.Type)
	require.Len(t, ev.Devices, 2)
	assert.Equal(t, "dev-1", ev.Devices[0].ID)
}

func TestWebSocketReceivesBroadcasts(t *testing.T) {
	hub := fanout.NewHub(logger.NewTestLogger())
	s := NewAPIServer(Config{}, &fakeReader{}, &fakeDispatcher{}, hub, logger.NewTestLogger())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialObserver(t, ts)

	// Snapshot comes first, before any broadcast can be observed.
	ev := readEvent(t, conn)
	require.Equal(t, models.EventSnapshot, ev.Type)

	// The observer is registered once the snapshot has been written.
	require.Eventually(t, func() bool { return hub.Count() == 1 },
		2*time.Second, 10*time.Millisecond)

	dev := testDevice("dev-9")

	connected := models.NewEvent(models.EventDeviceConnected)
	connected.DeviceID = dev.ID
	connected.Device = &dev

	hub.Broadcast(connected)

	ev = readEvent(t, conn)
	assert.Equal(t, models.EventDeviceConnected, ev.Type)
	assert.Equal(t, "dev-9", ev.DeviceID)
	require.NotNil(t, ev.Device)
	assert.Equal(t, "Pixel 8", ev.Device.DisplayName)
}

func TestWebSocketDisconnectEvictsObserver(t *testing.T) {
	hub := fanout.NewHub(logger.NewTestLogger())
	s := NewAPIServer(Config{}, &fakeReader{}, &fakeDispatcher{}, hub, logger.NewTestLogger())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dialObserver(t, ts)

	readEvent(t, conn)

	require.Eventually(t, func() bool { return hub.Count() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return hub.Count() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestWebSocketMultipleObservers(t *testing.T) {
	hub := fanout.NewHub(logger.NewTestLogger())
	s := NewAPIServer(Config{}, &fakeReader{}, &fakeDispatcher{}, hub, logger.NewTestLogger())

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	first := dialObserver(t, ts)
	second := dialObserver(t, ts)

	readEvent(t, first)
	readEvent(t, second)

	require.Eventually(t, func() bool { return hub.Count() == 2 },
		2*time.Second, 10*time.Millisecond)

	hub.Broadcast(models.NewEvent(models.EventDeviceUpdated))

	assert.Equal(t, models.EventDeviceUpdated, readEvent(t, first).Type)
	assert.Equal(t, models.EventDeviceUpdated, readEvent(t, second).Type)
}
