package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/fin-hub/hubgate/daemon"
	"github.com/fin-hub/hubgate/gateway"
	"github.com/fin-hub/hubgate/hub"
	"github.com/fin-hub/hubgate/ledger"
	hubotel "github.com/fin-hub/hubgate/otel"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.hubgate/hubgate.db)")
	cmd.Flags().String("config", "", "Path to hubgate.yaml spoke config")
	cmd.Flags().String("policy", hub.PolicyNameWeightedPriority, "Load distribution policy (weighted_priority or least_load)")
	cmd.Flags().Int64("max-concurrent", hub.DefaultMaxConcurrent, "Max concurrently running executions")
	cmd.Flags().Duration("probe-interval", hub.DefaultProbeInterval, "Liveness probe interval")
	cmd.Flags().Duration("probe-timeout", hub.DefaultProbeTimeout, "Per-probe timeout")
	cmd.Flags().Int("failure-threshold", hub.DefaultFailureThreshold, "Consecutive probe failures before deactivation")
	cmd.Flags().String("sweep-schedule", hub.DefaultSweepSchedule, "Cron schedule for the TTL sweep (five fields, UTC)")
	cmd.Flags().Int("breaker-threshold", hub.DefaultBreakerThreshold, "Consecutive invocation failures before the circuit opens")
	cmd.Flags().Duration("breaker-recovery", hub.DefaultBreakerRecovery, "Open circuit recovery timeout")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 10*time.Minute, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP collector endpoint for trace export")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	explicitConfigPath, _ := cmd.Flags().GetString("config")
	policyName, _ := cmd.Flags().GetString("policy")
	maxConcurrent, _ := cmd.Flags().GetInt64("max-concurrent")
	probeInterval, _ := cmd.Flags().GetDuration("probe-interval")
	probeTimeout, _ := cmd.Flags().GetDuration("probe-timeout")
	failureThreshold, _ := cmd.Flags().GetInt("failure-threshold")
	sweepSchedule, _ := cmd.Flags().GetString("sweep-schedule")
	breakerThreshold, _ := cmd.Flags().GetInt("breaker-threshold")
	breakerRecovery, _ := cmd.Flags().GetDuration("breaker-recovery")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")

	policy, err := hub.ParsePolicy(policyName)
	if err != nil {
		return exitError(exitConfig, "invalid policy: %v", err)
	}

	if strings.TrimSpace(sqlitePath) == "" {
		sqlitePath, err = hub.DefaultMirrorPath()
		if err != nil {
			return exitError(exitConfig, "resolving sqlite path: %v", err)
		}
	}

	logger := slog.Default()

	// --- Tracing ---
	tracerProvider, err := hubotel.NewTracerProvider(cmd.Context(), hubotel.TracingConfig{
		OTLPEndpoint:   otlpEndpoint,
		ServiceName:    "hubgate",
		ServiceVersion: cmd.Root().Version,
	})
	if err != nil {
		return exitError(exitConfig, "initializing tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	observer, err := hubotel.NewGatewayObserver(
		otelapi.GetMeterProvider().Meter("hubgate/hub"),
		tracerProvider.Tracer(),
	)
	if err != nil {
		return fmt.Errorf("initializing hub observability: %w", err)
	}
	hub.SetObserver(observer)
	defer hub.SetObserver(nil)

	// --- Stores ---
	mirror, err := hub.NewSQLiteMirror(sqlitePath)
	if err != nil {
		return fmt.Errorf("opening sqlite catalog mirror: %w", err)
	}
	defer func() {
		_ = mirror.Close()
	}()

	ledgerStore, err := ledger.NewSQLiteStore(ledger.SQLiteStoreConfig{
		DSN:          sqlitePath,
		RetentionAge: 30 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("opening sqlite execution ledger: %w", err)
	}
	defer func() {
		_ = ledgerStore.Close()
	}()

	// --- Catalog ---
	catalog := hub.NewCatalog(hub.CatalogConfig{
		Mirror: mirror,
		Logger: logger,
	})
	persisted, err := mirror.LoadAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("rehydrating catalog from mirror: %w", err)
	}
	for _, inst := range persisted {
		catalog.Restore(inst)
	}
	if len(persisted) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %d spoke(s) from %s\n", len(persisted), sqlitePath)
	}

	configPath, found, err := daemon.DiscoverConfigPath(explicitConfigPath)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if found {
		registered, err := daemon.RegisterSpokesFromConfig(cmd.Context(), catalog, configPath)
		if err != nil {
			return exitError(exitConfig, "loading startup spoke declarations: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %d spoke declaration(s) from %s\n", len(registered), configPath)
	}

	// --- Monitor ---
	monitor, err := hub.NewMonitor(hub.MonitorConfig{
		Catalog:          catalog,
		ProbeInterval:    probeInterval,
		ProbeTimeout:     probeTimeout,
		FailureThreshold: failureThreshold,
		SweepSchedule:    sweepSchedule,
		Logger:           logger,
	})
	if err != nil {
		return exitError(exitConfig, "creating health monitor: %v", err)
	}
	if err := monitor.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting health monitor: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = monitor.Stop(stopCtx)
	}()

	// --- Router + gateway ---
	breakers := hub.NewBreakerSet(hub.BreakerConfig{
		FailureThreshold: breakerThreshold,
		RecoveryTimeout:  breakerRecovery,
	})
	router, err := hub.NewRouter(hub.RouterConfig{
		Catalog:       catalog,
		Breakers:      breakers,
		Ledger:        ledgerStore,
		Policy:        policy,
		MaxConcurrent: maxConcurrent,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating execution router: %w", err)
	}

	rpcGateway, err := gateway.New(gateway.GatewayConfig{
		Catalog:      catalog,
		Router:       router,
		Name:         "hubgate",
		Version:      cmd.Root().Version,
		Logger:       logger,
		MaxBodyBytes: maxBody,
	})
	if err != nil {
		return fmt.Errorf("creating protocol gateway: %w", err)
	}

	apiServer := daemon.NewServer(daemon.ServerConfig{
		Catalog:    catalog,
		Ledger:     ledgerStore,
		Gateway:    rpcGateway,
		CORSOrigin: corsOrigin,
		MaxBody:    maxBody,
		Logger:     logger,
	})

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "HubGate listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
