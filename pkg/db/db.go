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

// Package db is the persistence collaborator: device records and activity
// logs in Postgres. The core calls it fire-and-forget off the session hot
// path; a failed write is logged and never stalls a connection.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartcontrol/smartcontrol/pkg/logger"
	"github.com/smartcontrol/smartcontrol/pkg/models"
)

// Service is the persistence surface the core consumes. Connects are
// persisted through UpsertDevice, which carries the full record.
type Service interface {
	UpsertDevice(ctx context.Context, dev *models.Device) error
	MarkDisconnected(ctx context.Context, deviceID string) error
	AppendActivityLog(ctx context.Context, deviceID, kind, detail string) error
	Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id            TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	os_version    TEXT NOT NULL DEFAULT '',
	package_name  TEXT NOT NULL DEFAULT '',
	battery_level INT  NOT NULL DEFAULT 0,
	screen_width  INT  NOT NULL DEFAULT 0,
	screen_height INT  NOT NULL DEFAULT 0,
	is_reachable  BOOLEAN NOT NULL DEFAULT FALSE,
	first_seen    TIMESTAMPTZ NOT NULL,
	last_seen     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS device_activity (
	id        BIGSERIAL PRIMARY KEY,
	device_id TEXT NOT NULL,
	kind      TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT '',
	at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_device_activity_device
	ON device_activity (device_id, at DESC);
`

// Postgres implements Service on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// New opens the pool, verifies connectivity and ensures the schema.
func New(ctx context.Context, connString string, log logger.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &Postgres{pool: pool, log: log.WithComponent("db")}, nil
}

func (p *Postgres) UpsertDevice(ctx context.Context, dev *models.Device) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO devices (id, display_name, model, os_version, package_name,
			battery_level, screen_width, screen_height, is_reachable, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			display_name  = EXCLUDED.display_name,
			model         = EXCLUDED.model,
			os_version    = EXCLUDED.os_version,
			package_name  = EXCLUDED.package_name,
			battery_level = EXCLUDED.battery_level,
			screen_width  = EXCLUDED.screen_width,
			screen_height = EXCLUDED.screen_height,
			is_reachable  = EXCLUDED.is_reachable,
			last_seen     = EXCLUDED.last_seen`,
		dev.ID, dev.DisplayName, dev.Model, dev.OSVersion, dev.PackageName,
		dev.BatteryLevel, dev.ScreenWidth, dev.ScreenHeight, dev.IsReachable,
		dev.FirstSeen, dev.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", dev.ID, err)
	}

	return nil
}

func (p *Postgres) MarkDisconnected(ctx context.Context, deviceID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE devices SET is_reachable = FALSE, last_seen = now() WHERE id = $1`,
		deviceID)
	if err != nil {
		return fmt.Errorf("mark device %s disconnected: %w", deviceID, err)
	}

	return nil
}

func (p *Postgres) AppendActivityLog(ctx context.Context, deviceID, kind, detail string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO device_activity (device_id, kind, detail) VALUES ($1, $2, $3)`,
		deviceID, kind, detail)
	if err != nil {
		return fmt.Errorf("append activity for %s: %w", deviceID, err)
	}

	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Nop discards all persistence calls; used when no database is configured.
type Nop struct{}

func (Nop) UpsertDevice(context.Context, *models.Device) error              { return nil }
func (Nop) MarkDisconnected(context.Context, string) error                  { return nil }
func (Nop) AppendActivityLog(context.Context, string, string, string) error { return nil }
func (Nop) Close()                                                          {}
