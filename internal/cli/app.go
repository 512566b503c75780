package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"funnelscope/config"
	"funnelscope/internal/funnel"
	"funnelscope/internal/logger"
	"funnelscope/internal/output/resultclickhouse"
	"funnelscope/internal/output/resulthttp"
	"funnelscope/internal/output/resultjson"
	"funnelscope/internal/output/resultxlsx"
	"funnelscope/internal/output/textreport"
	"funnelscope/internal/pipeline"
	"funnelscope/internal/source/redisstore"
	"funnelscope/internal/source/sqlite"
	"funnelscope/pkg/models"
)

// eventStore is what every backing store provides.
type eventStore interface {
	funnel.EventSource
	funnel.PopulationMembership
	pipeline.EventWriter
}

// resultWriter receives finished reports.
type resultWriter interface {
	WriteReport(ctx context.Context, report *models.Report) error
	Close() error
}

// loadConfig resolves and loads the config, then initializes logging.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	path := config.FindConfigFile(opts.Config)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logCfg := cfg.FunnelScope.Logging
	if opts.Verbose {
		logCfg.Enabled = true
		logCfg.Level = "debug"
		logCfg.Console = true
	}
	if err := logger.Init(logCfg.Enabled, logCfg.Level, logCfg.File, logCfg.Console); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if path != "" {
		logger.Infof("Config loaded from: %s", path)
	} else {
		logger.Infof("No config file found, using defaults")
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (eventStore, error) {
	src := cfg.FunnelScope.Source
	switch src.Mode {
	case "sqlite":
		logger.Infof("Event store: sqlite (%s)", src.SQLite.Path)
		st, err := sqlite.Open(src.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		logger.Infof("Event store: redis (%s, prefix %s)", src.Redis.Addr, src.Redis.KeyPrefix)
		st, err := redisstore.NewStore(redisstore.Config{
			Addr:      src.Redis.Addr,
			Password:  src.Redis.Password,
			DB:        src.Redis.DB,
			KeyPrefix: src.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported source mode %q", src.Mode)
	}
}

// openOutput picks the report sink. Stdout honours --format.
func openOutput(cfg *config.Config, format string, stdout io.Writer) (resultWriter, error) {
	out := cfg.FunnelScope.Output
	var (
		w   resultWriter
		err error
	)
	switch out.Mode {
	case "stdout":
		if format == "json" {
			return resultjson.NewStreamWriter(stdout), nil
		}
		return textreport.NewWriter(stdout), nil
	case "file":
		w, err = resultjson.NewWriter(out.File.Path)
	case "xlsx":
		w, err = resultxlsx.NewWriter(out.XLSX.Path)
	case "clickhouse":
		w, err = resultclickhouse.NewWriter(resultclickhouse.Config{
			URL:       out.ClickHouse.URL,
			Database:  out.ClickHouse.Database,
			Table:     out.ClickHouse.Table,
			BinsTable: out.ClickHouse.BinsTable,
			Username:  out.ClickHouse.Username,
			Password:  out.ClickHouse.Password,
			Timeout:   out.ClickHouse.Timeout,
			Headers:   out.ClickHouse.Headers,
		})
	case "http":
		w, err = resulthttp.NewWriter(resulthttp.Config{
			URL:     out.HTTP.URL,
			Timeout: out.HTTP.Timeout,
			Headers: out.HTTP.Headers,
		})
	default:
		return nil, fmt.Errorf("unsupported output mode %q", out.Mode)
	}
	if err != nil {
		return nil, err
	}
	logger.Infof("Output mode: %s", out.Mode)
	return w, nil
}

// startMetrics serves /metrics when enabled. The returned func stops it.
func startMetrics(cfg *config.Config) func() {
	m := cfg.FunnelScope.Metrics
	if !m.Enabled {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: m.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Infof("Metrics listening on %s", m.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// closeQuietly logs close errors of deferred resources.
func closeQuietly(what string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Errorf("Failed to close %s: %v", what, err)
	}
}
