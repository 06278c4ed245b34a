package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-connector"
	"github.com/glimte/mmate-connector/config"
	"github.com/glimte/mmate-connector/health"
	"github.com/glimte/mmate-connector/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mmate-connector",
		Short: "Bridge message broker destinations to host services",
		Long: `mmate-connector connects to the configured brokers, delivers messages from
listening endpoints to a host service and exposes send, get and request
operations over HTTP.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	var (
		configPath string
		verbose    bool
	)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mmate.yaml", "Connector configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	var (
		listen     string
		serviceURL string
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the connector until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(verbose)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			opts := []mmate.ClientOption{mmate.WithLogger(logger)}
			if serviceURL != "" {
				opts = append(opts, mmate.WithServiceURL(serviceURL))
			}
			client, err := mmate.LoadClient(configPath, opts...)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			if err := client.Start(ctx); err != nil {
				return fmt.Errorf("failed to start connector: %w", err)
			}

			mux := http.NewServeMux()
			mux.Handle("/healthz", client.HealthHandler(5*time.Second))
			mux.Handle("/readyz", health.ReadinessHandler(client.Health()))
			mux.Handle("/livez", health.LivenessHandler())
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/process", newProcessHandler(client, logger))

			srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("connector listening", "addr", listen)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("http server failed: %w", err)
			}

			logger.Info("shutting down")
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		},
	}
	runCmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "HTTP listen address")
	runCmd.Flags().StringVar(&serviceURL, "service-url", "", "Host service URL invoked by listeners")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			for _, m := range cfg.Managers {
				fmt.Printf("%-20s %-40s %d endpoints\n", m.Name, rabbitmq.SanitizeURL(m.URL), len(m.Endpoints))
			}
			fmt.Println("configuration is valid")
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
