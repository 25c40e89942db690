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
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
)

const defaultSubjectPrefix = "smartcontrol.events"

// NATSPublisher mirrors broadcast events onto a NATS subject per event type
// (e.g. smartcontrol.events.device_connected), letting external consumers
// follow fleet state without holding a WebSocket to the core. It is an
// ordinary Observer: subscribed once at startup when a NATS URL is
// configured.
type NATSPublisher struct {
	nc            *nats.Conn
	subjectPrefix string
	log           logger.Logger
}

// NewNATSPublisher connects to the broker. Reconnects are left to the client
// library; publishes during an outage are buffered by it.
func NewNATSPublisher(url, subjectPrefix string, log logger.Logger) (*NATSPublisher, error) {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	nc, err := nats.Connect(url,
		nats.Name("smartcontrol-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return &NATSPublisher{
		nc:            nc,
		subjectPrefix: subjectPrefix,
		log:           log.WithComponent("nats"),
	}, nil
}

// SendEvent publishes the event to <prefix>.<event_type>.
func (p *NATSPublisher) SendEvent(event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return p.nc.Publish(p.subjectPrefix+"."+event.Type, data)
}

// Close flushes pending publishes and drops the connection.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}

	return nil
}
