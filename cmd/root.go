// Package cmd defines the bizfetch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bizfetch/internal/app"
	"github.com/JakeFAU/bizfetch/internal/config"
	"github.com/JakeFAU/bizfetch/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to inject services.
var newApp = func(ctx context.Context, cfgFile string) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "bizfetch",
		Short: "Resumable, quota-aware business search harvester",
		Long: `bizfetch walks a category taxonomy against a paginated business search
API, splitting categories whose result sets exceed the API's retrievable
limit into their children. Progress is kept on disk, so interrupted runs
resume where they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env "+config.EnvPrefix+"_* overrides)")

	cmd.AddCommand(
		newFetchCmd(),
		newStatusCmd(),
		newResetCmd(),
		newExportCmd(),
		newServeCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// execute runs root and then closes the App built for the executed command.
// Cobra skips post-run hooks when RunE fails, so closing happens here.
func execute(ctx context.Context, root *cobra.Command) error {
	executed, err := root.ExecuteContextC(ctx)
	if executed != nil && executed.Context() != nil {
		if a, ok := executed.Context().Value(appKey).(*app.App); ok && a != nil {
			a.Close()
		}
	}
	return err
}

// Execute runs the root command until it finishes or the process receives
// SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, newRootCmd()); err != nil {
		fmt.Fprintln(os.Stderr, "bizfetch:", err)
		stop()
		os.Exit(1)
	}
}
