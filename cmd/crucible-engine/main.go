// Command crucible-engine serves one in-process engine to crucible
// controllers over TCP or vsock.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/crucible/internal/agent"
	"github.com/seantiz/crucible/internal/config"
	"github.com/seantiz/crucible/internal/engine/inproc"
	"github.com/seantiz/crucible/internal/model"
)

var (
	listenAddr string
	logLevel   string
	properties map[string]string
)

var rootCmd = &cobra.Command{
	Use:          "crucible-engine",
	Short:        "Serve a compute engine to crucible controllers",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", "tcp://:7070", `listen address ("tcp://host:port" or "vsock://:port")`)
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringToStringVarP(&properties, "property", "p", nil, "engine property key=value; values are YAML scalars")
}

// parseProperties decodes each value as a YAML scalar so that "cores=8"
// yields an int and "gpu=true" a bool.
func parseProperties(raw map[string]string) (model.Properties, error) {
	props := make(model.Properties, len(raw))
	for k, v := range raw {
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		props[k] = val
	}
	return props, nil
}

func run(cmd *cobra.Command, _ []string) error {
	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(logLevel))
	agent.SetupInit(logger)

	props, err := parseProperties(properties)
	if err != nil {
		return err
	}

	l, err := agent.Listen(listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	a := agent.New(l, inproc.New(props), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	context.AfterFunc(ctx, func() { a.Close() })

	logger.Info("crucible-engine: listening", "addr", l.Addr().String(), "properties", props)
	return a.Serve()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
