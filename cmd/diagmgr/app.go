package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"gopkg.in/yaml.v3"

	"github.com/catherinevee/diagmgr/internal/connector"
	"github.com/catherinevee/diagmgr/internal/kernel"
	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
	"github.com/catherinevee/diagmgr/internal/shared/config"
)

// app holds a started kernel for the duration of one CLI command.
type app struct {
	kernel *kernel.Kernel
	conn   *connector.Mock
	cancel context.CancelFunc
}

// newApp loads configuration, seeds a state-backed connector and starts the
// kernel. statePath may be empty, which yields an empty installation.
func newApp(configPath, statePath string, verbose bool) (*app, error) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger.Initialize(logger.Config{Level: level, Format: "console", Output: "stderr"})
	log := logger.New("cli")

	mgr, err := config.NewManager(configPath, log)
	if err != nil {
		return nil, err
	}
	mgr.Stop()
	cfg := mgr.Get()

	conn, err := stateConnector(statePath)
	if err != nil {
		return nil, err
	}

	k, err := kernel.New(cfg, kernel.Deps{
		Connector: conn,
		Tracer:    otel.Tracer("diagmgr"),
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	k.Start(ctx)
	return &app{kernel: k, conn: conn, cancel: cancel}, nil
}

// close drains the kernel. Commands call it on every exit path.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.kernel.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	a.cancel()
}

// stateConnector builds the connector from a YAML state file. The file is
// a plain tree of the installation's inspectable state; a top-level
// "version" string names the system version.
func stateConnector(path string) (*connector.Mock, error) {
	if path == "" {
		return connector.NewMock("unknown"), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var state models.Value
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if _, ok := state.AsMap(); !ok {
		return nil, fmt.Errorf("state file %s must be a mapping", path)
	}

	version := "unknown"
	if v, ok := state.Resolve("version"); ok {
		if s, sok := v.AsString(); sok {
			version = s
		}
	}
	conn := connector.NewMock(version)
	conn.SetState("", state)
	return conn, nil
}

// splitList turns a comma-separated flag value into trimmed entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseCategories(raw []string) ([]models.DiagnosticCategory, error) {
	var out []models.DiagnosticCategory
	for _, s := range raw {
		c, err := models.ParseCategory(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
