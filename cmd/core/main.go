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

package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartcontrol/smartcontrol/pkg/config"
	"github.com/smartcontrol/smartcontrol/pkg/core"
	"github.com/smartcontrol/smartcontrol/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/smartcontrol/core.json", "Path to core config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := &core.Config{}

	loader := config.NewConfig(nil)
	if err := loader.LoadAndValidate(ctx, *configPath, cfg); err != nil {
		return err
	}

	logr, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}

	server, err := core.NewServer(ctx, cfg, logr)
	if err != nil {
		return err
	}

	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	return server.Stop(shutdownCtx)
}
