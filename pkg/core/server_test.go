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

package core

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
	"github.com/smartcontrol/smartcontrol/pkg/router"
)

// startServer brings up a full core server on ephemeral ports. The mirror
// interval defaults to an hour so poll traffic stays out of the way unless a
// test opts in.
func startServer(t *testing.T, mirrorInterval time.Duration) *Server {
	t.Helper()

	if mirrorInterval <= 0 {
		mirrorInterval = time.Hour
	}

	cfg := &Config{
		ListenAddr:     "127.0.0.1:0",
		HTTPAddr:       "127.0.0.1:0",
		MirrorInterval: models.Duration(mirrorInterval),
	}

	s, err := NewServer(context.Background(), cfg, logger.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	t.Cleanup(func() {
		cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer stopCancel()

		_ = s.Stop(stopCtx)
	})

	return s
}

// dialAgent connects like a device agent and completes the handshake.
func dialAgent(t *testing.T, s *Server, name string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	writeAgentFrame(t, conn, map[string]interface{}{
		"type": models.TypeDeviceInfo,
		"data": map[string]interface{}{
			"deviceName":     name,
			"deviceModel":    "husky",
			"androidVersion": "15",
			"packageName":    "com.smartcontrol.client",
			"batteryLevel":   90,
		},
		"timestamp": time.Now().UnixMilli(),
	})

	return conn
}

func writeAgentFrame(t *testing.T, conn net.Conn, frame map[string]interface{}) {
	t.Helper()

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))

	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func readAgentFrame(t *testing.T, r *bufio.Reader, conn net.Conn) *models.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	line, err := r.ReadBytes('\n')
	require.NoError(t, err)

	msg := &models.Message{}
	require.NoError(t, json.Unmarshal(line, msg))

	return msg
}

func waitForDevices(t *testing.T, s *Server, n int) []models.Device {
	t.Helper()

	require.Eventually(t, func() bool { return len(s.reg.List()) == n },
		2*time.Second, 10*time.Millisecond)

	return s.reg.List()
}

func TestServerHandshakeRegistersDevice(t *testing.T) {
	s := startServer(t, 0)

	dialAgent(t, s, "Pixel 8")

	devices := waitForDevices(t, s, 1)

	dev := devices[0]
	assert.True(t, dev.IsReachable)
	assert.Equal(t, "Pixel 8", dev.DisplayName)
	assert.Equal(t, "husky", dev.Model)
	assert.Equal(t, 90, dev.BatteryLevel)
}

func TestServerAgentDisconnectMarksUnreachable(t *testing.T) {
	s := startServer(t, 0)

	conn := dialAgent(t, s, "Pixel 8")

	devices := waitForDevices(t, s, 1)
	id := devices[0].ID

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		dev, ok := s.reg.Get(id)
		return ok && !dev.IsReachable
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerSupersedesDuplicateIdentity(t *testing.T) {
	s := startServer(t, 0)

	first := dialAgent(t, s, "Pixel 8")

	waitForDevices(t, s, 1)

	second := dialAgent(t, s, "Pixel 8")

	// The first socket is force-closed; its reader sees EOF.
	firstReader := bufio.NewReader(first)

	require.Eventually(t, func() bool {
		_ = first.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, err := firstReader.ReadByte()
		return err != nil && !isTimeout(err)
	}, 2*time.Second, 20*time.Millisecond)

	// Still exactly one device, reachable through the second session.
	devices := waitForDevices(t, s, 1)
	require.True(t, devices[0].IsReachable)

	result, err := s.cmds.Route(devices[0].ID, "touch", map[string]interface{}{"x": 1, "y": 2})
	require.NoError(t, err)
	assert.Equal(t, router.Dispatched, result)

	// The command lands on the surviving socket.
	msg := readAgentFrame(t, bufio.NewReader(second), second)
	assert.Equal(t, models.TypeCommandResponse, msg.Type)
}

func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}

func TestServerRouteToUnknownDeviceIsNotConnected(t *testing.T) {
	s := startServer(t, 0)

	result, err := s.cmds.Route("dev-ghost", "touch", map[string]interface{}{"x": 1, "y": 2})
	require.NoError(t, err)
	assert.Equal(t, router.NotConnected, result)
}

func TestServerMirrorPollsAgent(t *testing.T) {
	s := startServer(t, 10*time.Millisecond)

	conn := dialAgent(t, s, "Pixel 8")
	waitForDevices(t, s, 1)

	reader := bufio.NewReader(conn)

	// The active session receives a steady stream of screen requests.
	for i := 0; i < 3; i++ {
		msg := readAgentFrame(t, reader, conn)
		require.Equal(t, models.TypeCommandResponse, msg.Type)

		var inner map[string]interface{}
		require.NoError(t, json.Unmarshal(msg.Data, &inner))
		assert.Equal(t, "request_screen", inner["type"])
	}
}

func TestServerScreenDataFansOutToObservers(t *testing.T) {
	s := startServer(t, 0)

	conn := dialAgent(t, s, "Pixel 8")
	devices := waitForDevices(t, s, 1)

	events := make(chan *models.Event, 16)
	s.hub.Subscribe(chanObserver(events))

	writeAgentFrame(t, conn, map[string]interface{}{
		"type":      models.TypeScreenData,
		"data":      map[string]interface{}{"imageData": "aGk=", "width": 1, "height": 1},
		"timestamp": time.Now().UnixMilli(),
	})

	select {
	case ev := <-events:
		assert.Equal(t, models.EventScreenFrame, ev.Type)
		assert.Equal(t, devices[0].ID, ev.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for screen frame event")
	}
}

// chanObserver adapts a channel to the fan-out observer interface.
type chanObserver chan *models.Event

func (c chanObserver) SendEvent(event *models.Event) error {
	select {
	case c <- event:
	default:
	}

	return nil
}

func (c chanObserver) Close() error { return nil }

func TestServerInfoUpdateMergesFields(t *testing.T) {
	s := startServer(t, 0)

	conn := dialAgent(t, s, "Pixel 8")
	devices := waitForDevices(t, s, 1)

	writeAgentFrame(t, conn, map[string]interface{}{
		"type":      models.TypeDeviceInfo,
		"data":      map[string]interface{}{"batteryLevel": 15},
		"timestamp": time.Now().UnixMilli(),
	})

	require.Eventually(t, func() bool {
		dev, ok := s.reg.Get(devices[0].ID)
		return ok && dev.BatteryLevel == 15
	}, 2*time.Second, 10*time.Millisecond)

	// Fields absent from the update keep their values.
	dev, ok := s.reg.Get(devices[0].ID)
	require.True(t, ok)
	assert.Equal(t, "Pixel 8", dev.DisplayName)
}
