// Command pgcheck is a smoke-test client for pgengine: it loads a YAML
// config describing a server and a handful of statements, connects,
// resolves any missing credentials from the standard libpq passfile/
// servicefile locations, runs the statements concurrently, reports each
// column's inferred nullability alongside the values actually returned,
// and serves Prometheus metrics for as long as it keeps running.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jackc/pgpassfile"
	"github.com/jackc/pgservicefile"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/pgengine/pgengine"
	"github.com/pgengine/pgengine/ast"
	"github.com/pgengine/pgengine/nullable"
	"github.com/pgengine/pgengine/stmtcache"
)

// Config is the on-disk shape of a pgcheck run: a server to connect to and
// the statements to smoke-test against it.
type Config struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	Database   string   `yaml:"database"`
	User       string   `yaml:"user"`
	Password   string   `yaml:"password"`
	Service    string   `yaml:"service"`
	MetricsURL string   `yaml:"metrics_addr"`
	Statements []string `yaml:"statements"`
}

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgcheck_queries_total",
		Help: "Number of statements executed, by outcome.",
	}, []string{"outcome"})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pgcheck_query_duration_seconds",
		Help:    "Wall-clock duration of a single statement's GetOrPrepareAnnotated+Execute round trip.",
		Buckets: prometheus.DefBuckets,
	})
)

func main() {
	configPath := flag.String("config", "pgcheck.yaml", "path to a pgcheck YAML config")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("loading config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	if err := resolveCredentials(cfg); err != nil {
		logger.Error("resolving credentials", slog.String("err", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsURL != "" {
		go serveMetrics(logger, cfg.MetricsURL)
	}

	stopWatch, err := watchConfig(logger, *configPath)
	if err != nil {
		logger.Warn("config file watch disabled", slog.String("err", err.Error()))
	} else {
		defer stopWatch()
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := pgengine.Connect(ctx, addr, &pgengine.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("connecting", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer conn.Close(ctx)

	if err := runStatements(ctx, logger, conn, cfg.Statements); err != nil {
		logger.Error("running statements", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if cfg.Port == 0 {
		cfg.Port = 5432
	}

	return &cfg, nil
}

// resolveCredentials fills in Password from the user's ~/.pgpass file, and
// Database/User from a named entry in ~/.pg_service.conf, if the config
// left either unset - the same fallback chain libpq itself implements.
func resolveCredentials(cfg *Config) error {
	if cfg.Service != "" {
		home, err := os.UserHomeDir()
		if err == nil {
			if f, err := os.Open(home + "/.pg_service.conf"); err == nil {
				defer f.Close()
				svcfile, err := pgservicefile.ParseServicefile(f)
				if err == nil {
					if svc, err := svcfile.GetService(cfg.Service); err == nil {
						for k, v := range svc.Settings {
							switch k {
							case "host":
								if cfg.Host == "" {
									cfg.Host = v
								}
							case "dbname":
								if cfg.Database == "" {
									cfg.Database = v
								}
							case "user":
								if cfg.User == "" {
									cfg.User = v
								}
							}
						}
					}
				}
			}
		}
	}

	if cfg.Password != "" {
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	passfile, err := pgpassfile.ReadPassfile(home + "/.pgpass")
	if err != nil {
		return nil
	}

	if creds := passfile.FindCredentials(cfg.Host, strconv.Itoa(cfg.Port), cfg.Database, cfg.User); creds != nil {
		cfg.Password = creds.Password
	}

	return nil
}

// watchConfig logs when the config file changes. pgcheck is a one-shot
// smoke test, not a daemon, so a change only informs the operator that a
// rerun would pick up new settings; nothing is hot-reloaded.
func watchConfig(logger *slog.Logger, path string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					logger.Info("config file changed, reload required for new settings to apply",
						slog.String("path", path))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", slog.String("err", err.Error()))
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", slog.String("err", err.Error()))
	}
}

// runStatements executes every configured statement concurrently over its
// own request, reporting the nullability verdict and the first row's
// decoded values for each.
func runStatements(ctx context.Context, logger *slog.Logger, conn *pgengine.Conn, statements []string) error {
	typeMap := pgtype.NewMap()

	g, ctx := errgroup.WithContext(ctx)
	for _, sql := range statements {
		sql := sql
		g.Go(func() error {
			start := time.Now()
			err := runOne(ctx, logger, conn, typeMap, sql)
			queryDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				queriesTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("%q: %w", sql, err)
			}
			queriesTotal.WithLabelValues("ok").Inc()
			return nil
		})
	}

	return g.Wait()
}

func runOne(ctx context.Context, logger *slog.Logger, conn *pgengine.Conn, typeMap *pgtype.Map, sql string) error {
	exec := conn.Executor()

	// pgcheck has no SQL parser available; a bare Opaque statement means
	// nullability inference reports every column nullable, which is still
	// a safe default when the caller only wants to exercise the wire
	// protocol rather than confirm inferred nullability.
	stmt := &ast.Statement{Opaque: true}

	meta, err := exec.GetOrPrepareAnnotated(ctx, sql, stmt, nullable.EmptySource())
	if err != nil {
		return err
	}

	rows, err := exec.BindExecute(ctx, meta, nil, nil, nil)
	if err != nil {
		return err
	}

	for i, colDesc := range rows.Columns {
		var rendered string
		if len(rows.Values) > 0 && i < len(rows.Values[0]) && rows.Values[0][i] != nil {
			rendered = renderValue(typeMap, colDesc, rows.Values[0][i])
		} else {
			rendered = "<null>"
		}

		nullableVerdict := true
		if i < len(meta.Nullable) {
			nullableVerdict = meta.Nullable[i]
		}

		logger.Info("column",
			slog.String("sql", sql),
			slog.String("name", colDesc.Name),
			slog.Bool("nullable", nullableVerdict),
			slog.String("value", rendered))
	}

	return nil
}

// renderValue decodes a single text-format column value: pgtype identifies
// whether the server declared it one of the built-in numeric OIDs, in
// which case shopspring/decimal renders it exactly rather than routing it
// through a float64 and risking precision loss; anything else is shown as
// the raw text the server sent.
func renderValue(typeMap *pgtype.Map, col stmtcache.ColumnDescription, raw []byte) string {
	typ, ok := typeMap.TypeForOID(uint32(col.DataTypeOID))
	if !ok {
		return string(raw)
	}

	switch typ.Name {
	case "numeric", "int2", "int4", "int8", "float4", "float8":
		if d, err := decimal.NewFromString(string(raw)); err == nil {
			return d.String()
		}
	}

	return string(raw)
}
