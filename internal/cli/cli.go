// Package cli is the agentd command line: the daemon plus operator commands
// for cron jobs and extensions.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentd/internal/app"
	"agentd/internal/config"
)

const (
	defaultConfigPath = "./config.json"
	stopTimeout       = 10 * time.Second
)

// Version is set at build time.
var Version = "dev"

type rootOptions struct {
	configPath string
}

// loadConfig parses the config file without starting anything.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.NewConfigManager(o.configPath).Parse()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", o.configPath, err)
	}
	return cfg, nil
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "agentd",
		Short:         "Dynamic tool registry and cron job manager",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "config file path (JSON or YAML)")

	root.AddCommand(buildServeCommand(opts))
	root.AddCommand(buildCronCommand(opts))
	root.AddCommand(buildExtensionsCommand(opts))
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := BuildCLI()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func buildServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the registry, the scheduler, the file watchers and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.configPath)
		},
	}
}

func serve(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	stop := func(reason app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
		defer scancel()
		_ = a.Stop(sctx, reason)
	}

	if err := a.Start(ctx); err != nil {
		stop(app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	select {
	case sig := <-sigs:
		reason := app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
		stop(reason)
		return nil
	case <-a.Done():
		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			stop(app.StopFatalError)
			return err
		}
		stop(app.StopAppStop)
		return nil
	}
}
