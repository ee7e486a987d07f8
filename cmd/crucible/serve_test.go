package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/seantiz/crucible/internal/agent"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/controller"
	"github.com/seantiz/crucible/internal/engine/inproc"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/registry"
)

func TestRegisterEngines(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := agent.New(l, inproc.New(model.Properties{"remote": true}), nil)
	go a.Serve()
	t.Cleanup(func() { a.Close() })

	inv := "engines:\n" +
		"  - address: local\n" +
		"    count: 2\n" +
		"    properties: {os: linux}\n" +
		"  - address: tcp://" + l.Addr().String() + "\n" +
		"    id: 7\n"
	path := filepath.Join(t.TempDir(), "engines.yaml")
	if err := os.WriteFile(path, []byte(inv), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.DiscardHandler)
	ctl := controller.New(registry.New(registry.Options{MaxEngines: 16, Logger: logger}), controller.Options{Logger: logger})
	t.Cleanup(ctl.Close)

	cfg := config.Config{LocalEngines: 1, EnginesFile: path}
	if err := registerEngines(context.Background(), ctl, cfg, logger); err != nil {
		t.Fatalf("registerEngines: %v", err)
	}

	engines := ctl.Engines()
	if len(engines) != 4 {
		t.Fatalf("engines = %+v", engines)
	}
	if engines[1].Properties["os"] != "linux" || engines[2].Properties["os"] != "linux" {
		t.Errorf("local properties = %v, %v", engines[1].Properties, engines[2].Properties)
	}
	if engines[3].ID != 7 || engines[3].Properties["remote"] != true {
		t.Errorf("remote engine = %+v", engines[3])
	}
}

func TestRegisterEnginesBadInventory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.yaml")
	if err := os.WriteFile(path, []byte("engines:\n  - address: ftp://x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctl := controller.New(registry.New(registry.Options{}), controller.Options{})
	t.Cleanup(ctl.Close)

	if err := registerEngines(context.Background(), ctl, config.Config{EnginesFile: path}, slog.New(slog.DiscardHandler)); err == nil {
		t.Error("expected error for unsupported address")
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Config{ListenAddr: ":8080", DBPath: "crucible.db", LocalEngines: 0}
	if err := serveCmd.ParseFlags([]string{"--listen", ":9090", "--db", "", "--local-engines", "3"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	applyFlags(serveCmd, &cfg)

	if cfg.ListenAddr != ":9090" || cfg.DBPath != "" || cfg.LocalEngines != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxEngines != 0 {
		t.Errorf("unset flag changed MaxEngines to %d", cfg.MaxEngines)
	}
}
