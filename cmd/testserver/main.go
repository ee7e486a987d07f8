// testserver starts a Crucible API server over a fixed engine pool for E2E
// testing: two in-process engines and one remote engine served by an agent on
// a loopback port.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/crucible/internal/agent"
	"github.com/seantiz/crucible/internal/api"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/controller"
	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/engine/inproc"
	"github.com/seantiz/crucible/internal/engine/remote"
	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/registry"
	"github.com/seantiz/crucible/internal/store"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("CRUCIBLE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(os.Getenv("CRUCIBLE_LOG_LEVEL")))
	broker := engine.NewOutputBroker(0)
	reg := registry.New(registry.Options{
		MaxEngines: 8,
		Queue:      engine.QueueOptions{Broker: broker, Recorder: db, Logger: logger},
		Logger:     logger,
	})
	ctl := controller.New(reg, controller.Options{Recorder: db, Logger: logger})
	defer ctl.Close()

	for _, props := range []model.Properties{
		{"os": "linux", "cores": 4},
		{"os": "linux", "cores": 16, "gpu": true},
	} {
		if _, err := ctl.Register(inproc.New(props), registry.AnyID); err != nil {
			log.Fatalf("register local engine: %v", err)
		}
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("agent listen: %v", err)
	}
	a := agent.New(l, inproc.New(model.Properties{"os": "plan9", "remote": true}), logger)
	go a.Serve()
	defer a.Close()

	dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c, err := remote.Dial(dctx, "tcp://"+l.Addr().String())
	cancel()
	if err != nil {
		log.Fatalf("dial agent: %v", err)
	}
	if _, err := ctl.Register(c, registry.AnyID); err != nil {
		log.Fatalf("register remote engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(addr, ctl, db, broker, logger)
	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
