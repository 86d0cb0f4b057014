// Command governor runs the governed action control plane: it gates
// consequential actions behind human approval before dispatching them to
// external connectors (webhook, slack, github).
//
// Runs as a standalone binary, following the shape of
// cmd/control-plane/main.go: env-driven config, zap logging, graceful
// shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/controlplane/audit"
	"github.com/marcus-qen/legator/internal/controlplane/governance/approval"
	"github.com/marcus-qen/legator/internal/controlplane/governance/authz"
	"github.com/marcus-qen/legator/internal/controlplane/governance/chain"
	"github.com/marcus-qen/legator/internal/controlplane/governance/connectors"
	"github.com/marcus-qen/legator/internal/controlplane/governance/dispatch"
	"github.com/marcus-qen/legator/internal/controlplane/governance/httpapi"
	"github.com/marcus-qen/legator/internal/controlplane/governance/idempotency"
	governancemetrics "github.com/marcus-qen/legator/internal/controlplane/governance/metrics"
	"github.com/marcus-qen/legator/internal/controlplane/governance/sweep"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Config holds governor configuration, loaded from GOVERNOR_* environment
// variables following cmd/control-plane/main.go's LEGATOR_* convention.
type Config struct {
	ListenAddr      string
	DataDir         string
	JWTSecret       string
	TrustedOrigins  []string
	MetricsToken    string
	ConnectorConfig map[string]map[string]string
}

func loadConfig() Config {
	addr := os.Getenv("GOVERNOR_LISTEN_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	dataDir := os.Getenv("GOVERNOR_DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/governor"
	}
	var origins []string
	if v := os.Getenv("GOVERNOR_TRUSTED_ORIGINS"); v != "" {
		origins = strings.Split(v, ",")
	}
	return Config{
		ListenAddr:      addr,
		DataDir:         dataDir,
		JWTSecret:       os.Getenv("GOVERNOR_JWT_SECRET"),
		TrustedOrigins:  origins,
		MetricsToken:    os.Getenv("GOVERNOR_METRICS_TOKEN"),
		ConnectorConfig: loadConnectorConfig(),
	}
}

// loadConnectorConfig collects GOVERNOR_CONNECTOR_<NAME>_<KEY> pairs into a
// per-connector opaque string map, e.g. GOVERNOR_CONNECTOR_WEBHOOK_URL and
// GOVERNOR_CONNECTOR_WEBHOOK_SECRET feed the webhook connector.
func loadConnectorConfig() map[string]map[string]string {
	const prefix = "GOVERNOR_CONNECTOR_"
	out := make(map[string]map[string]string)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		rest := strings.TrimPrefix(kv, prefix)
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			continue
		}
		nameAndKey, value := rest[:eq], rest[eq+1:]
		sep := strings.IndexByte(nameAndKey, '_')
		if sep < 0 {
			continue
		}
		name := strings.ToLower(nameAndKey[:sep])
		key := strings.ToLower(nameAndKey[sep+1:])
		if out[name] == nil {
			out[name] = make(map[string]string)
		}
		out[name][key] = value
	}
	return out
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.Error(err))
	}

	approvals, err := approval.Open(filepath.Join(cfg.DataDir, "approvals.db"))
	if err != nil {
		logger.Fatal("open approval store", zap.Error(err))
	}
	defer approvals.Close()

	chains, err := chain.Open(filepath.Join(cfg.DataDir, "chains.db"))
	if err != nil {
		logger.Fatal("open chain store", zap.Error(err))
	}
	defer chains.Close()

	idem, err := idempotency.Open(filepath.Join(cfg.DataDir, "idempotency.db"), 24*time.Hour)
	if err != nil {
		logger.Fatal("open idempotency store", zap.Error(err))
	}
	defer idem.Close()

	auditStore, err := audit.NewStore(filepath.Join(cfg.DataDir, "audit.db"), 4096)
	if err != nil {
		logger.Fatal("open audit store", zap.Error(err))
	}
	defer auditStore.Close()

	registry := dispatch.NewRegistry()
	registerConnectors(registry, cfg.ConnectorConfig, logger)

	metricsRegistry := governancemetrics.New()

	metricsAuth, err := httpapi.NewMetricsAuth(cfg.MetricsToken)
	if err != nil {
		logger.Fatal("hash metrics token", zap.Error(err))
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Approvals:        approvals,
		Chains:           chains,
		Idempotent:       idem,
		Registry:         registry,
		Metrics:          metricsRegistry,
		Audit:            auditStore,
		MetricsAuth:      metricsAuth,
		Logger:           logger.Named("governance"),
		PermissionLookup: staticPermissionLookup(cfg.JWTSecret),
	})

	mux := http.NewServeMux()
	srv.Routes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version":"` + version + `","commit":"` + commit + `","date":"` + date + `"}` + "\n"))
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sweeper := sweep.New(approvals, idem, logger.Named("sweep"))
	sweeper.StartTicker(ctx, 30*time.Second)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting governor",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.Strings("connectors", registry.ListRegistered()),
	)

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// registerConnectors wires a handler into the registry for each connector
// configuration block present; connectors that are not configured are
// silently skipped so a governor instance can run with only the connectors
// an operator actually uses.
func registerConnectors(registry *dispatch.Registry, cfg map[string]map[string]string, logger *zap.Logger) {
	if wh, ok := cfg["webhook"]; ok && wh["url"] != "" {
		registry.Register(connectors.NewWebhookConnector(wh["url"], wh["secret"]), dispatch.DefaultRetryPolicy())
		logger.Info("registered connector", zap.String("connector", "webhook"))
	}
	if sl, ok := cfg["slack"]; ok && sl["token"] != "" {
		registry.Register(connectors.NewSlackConnector(sl["token"], sl["channel"]), dispatch.DefaultRetryPolicy())
		logger.Info("registered connector", zap.String("connector", "slack"))
	}
	if gh, ok := cfg["github"]; ok && gh["token"] != "" {
		registry.Register(connectors.NewGitHubConnector(gh["token"]), dispatch.DefaultRetryPolicy())
		logger.Info("registered connector", zap.String("connector", "github"))
	}
}

// staticPermissionLookup is a placeholder operator/role source until an
// external identity provider is wired in: every operator gets no static
// permissions, relying entirely on delegations granted through the
// approval chain. GOVERNOR_JWT_SECRET is reserved for a future bearer-token
// operator identity middleware and is otherwise unused today.
func staticPermissionLookup(jwtSecret string) func(string) ([]string, []authz.Delegation) {
	return func(string) ([]string, []authz.Delegation) { return nil, nil }
}
