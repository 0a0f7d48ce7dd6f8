package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/knowpool/dashd/audit"
	"github.com/knowpool/dashd/dbopen"
	"github.com/knowpool/dashd/engine"
	"github.com/knowpool/dashd/ingestq"
	"github.com/knowpool/dashd/source"
)

// fileConfig is the dashd.yaml layout. Every field has a working default;
// PORT, LOG_LEVEL, CONFIG and MCP_TRANSPORT env vars override.
type fileConfig struct {
	Port      string `yaml:"port"`
	Databases struct {
		Uploads  string `yaml:"uploads"`
		Crawl    string `yaml:"crawl"`
		Mailroom string `yaml:"mailroom"`
		Dash     string `yaml:"dash"`
	} `yaml:"databases"`
	// DropDir is the upload staging directory to watch. Empty disables it.
	DropDir string                 `yaml:"drop_dir"`
	Engine  engine.Config          `yaml:"engine"`
	Health  source.ProbeThresholds `yaml:"health"`
}

func defaultConfig() fileConfig {
	var c fileConfig
	c.Port = "8090"
	c.Databases.Uploads = "db/uploads.db"
	c.Databases.Crawl = "db/crawl.db"
	c.Databases.Mailroom = "db/mailroom.db"
	c.Databases.Dash = "db/dash.db"
	return c
}

func loadConfig(path string) (fileConfig, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	logLevel := env("LOG_LEVEL", "info")
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Logs go to stderr when MCP owns stdout.
	logOut := os.Stdout
	mcpTransport := env("MCP_TRANSPORT", "")
	if mcpTransport == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(env("CONFIG", "dashd.yaml"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	port := env("PORT", cfg.Port)
	cfg.Engine.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Pipeline stores. Each ingester owns its own database file; dashd only
	// reads them (and deletes on explicit user request).
	uploadsDB, err := dbopen.Open(cfg.Databases.Uploads, dbopen.WithMkdirAll(), dbopen.WithSchema(source.UploadSchema))
	if err != nil {
		slog.Error("uploads db", "error", err)
		os.Exit(1)
	}
	defer uploadsDB.Close()

	crawlDB, err := dbopen.Open(cfg.Databases.Crawl, dbopen.WithMkdirAll(), dbopen.WithSchema(source.CrawlerSchema))
	if err != nil {
		slog.Error("crawl db", "error", err)
		os.Exit(1)
	}
	defer crawlDB.Close()

	mailDB, err := dbopen.Open(cfg.Databases.Mailroom, dbopen.WithMkdirAll(), dbopen.WithSchema(source.MailroomSchema))
	if err != nil {
		slog.Error("mailroom db", "error", err)
		os.Exit(1)
	}
	defer mailDB.Close()

	dashDB, err := dbopen.Open(cfg.Databases.Dash, dbopen.WithMkdirAll(), dbopen.WithSchema(source.FolderSchema))
	if err != nil {
		slog.Error("dash db", "error", err)
		os.Exit(1)
	}
	defer dashDB.Close()

	trail := audit.NewLogger(dashDB, 256)
	if err := trail.Init(ctx); err != nil {
		slog.Error("audit init", "error", err)
		os.Exit(1)
	}
	defer trail.Close()

	queue := ingestq.New(dashDB, ingestq.Options{Logger: logger})
	if err := queue.EnsureTable(ctx); err != nil {
		slog.Error("ingest queue", "error", err)
		os.Exit(1)
	}

	srcOpts := source.Options{Logger: logger}
	sources := []engine.Source{
		source.NewUploadSource(uploadsDB, srcOpts),
		source.NewCrawlerSource(crawlDB, srcOpts),
		source.NewMailroomSource(mailDB, srcOpts),
	}

	var extraFeeds []engine.ChangeFeed
	if cfg.DropDir != "" {
		extraFeeds = append(extraFeeds, source.NewDropDir(cfg.DropDir, logger))
	}

	folders := source.NewFolderStore(dashDB)

	eng := engine.New(cfg.Engine, engine.Deps{
		Sources:    sources,
		ExtraFeeds: extraFeeds,
		Folders:    folders,
		Probes:     source.Probes(uploadsDB, crawlDB, mailDB, queue, cfg.Health),
		Purger:     source.NewPurger(uploadsDB, crawlDB, mailDB),
	})
	eng.Start(ctx)
	defer eng.Close()

	// Optional MCP over stdio.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "dashd",
			Version: "1.0.0",
		}, nil)
		eng.RegisterMCP(mcpSrv)
		transport := &mcp.IOTransport{Reader: os.Stdin, Writer: os.Stdout}
		go func() {
			if err := mcpSrv.Run(ctx, transport); err != nil && ctx.Err() == nil {
				slog.Error("mcp stdio", "error", err)
			}
		}()
	}

	// Router.
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/api/documents", func(w http.ResponseWriter, r *http.Request) {
		page, err := eng.MergedPage(r.Context(), queryInt(r, "page", 0))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, page)
	})

	r.Delete("/api/documents", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		if len(req.IDs) == 0 {
			writeJSON(w, 400, map[string]string{"error": "ids required"})
			return
		}
		n, err := eng.DeleteDocuments(r.Context(), req.IDs)
		trail.Record("documents_delete", r.RemoteAddr, map[string]any{"ids": req.IDs, "deleted": n}, err)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, 200, map[string]any{"deleted": n})
	})

	r.Get("/api/folders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"forest":  eng.FolderForest(),
			"unfiled": eng.UnfiledDocuments(),
		})
	})

	r.Post("/api/folders", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		err := folders.Declare(r.Context(), req.Path)
		trail.Record("folder_declare", r.RemoteAddr, map[string]string{"path": req.Path}, err)
		if err != nil {
			code := 500
			if errors.Is(err, source.ErrBadFolderPath) {
				code = 400
			}
			writeError(w, code, err)
			return
		}
		eng.ForceReload()
		writeJSON(w, 201, map[string]string{"path": req.Path})
	})

	r.Delete("/api/folders", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			writeJSON(w, 400, map[string]string{"error": "path required"})
			return
		}
		err := folders.Remove(r.Context(), path)
		trail.Record("folder_remove", r.RemoteAddr, map[string]string{"path": path}, err)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		eng.ForceReload()
		writeJSON(w, 200, map[string]string{"status": "deleted"})
	})

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]any{"categories": eng.HealthSnapshot()})
	})

	r.Get("/api/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, eng.Stats())
	})

	r.Post("/api/reload", func(w http.ResponseWriter, r *http.Request) {
		eng.ForceReload()
		trail.Record("force_reload", r.RemoteAddr, nil, nil)
		writeJSON(w, 202, map[string]string{"status": "reloading"})
	})

	r.Get("/api/audit", func(w http.ResponseWriter, r *http.Request) {
		entries, err := trail.Recent(r.Context(), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, entries)
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	eng.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrClosed):
		return 503
	case errors.Is(err, engine.ErrTimeout):
		return 504
	case errors.Is(err, engine.ErrSourceUnavailable):
		return 502
	case errors.Is(err, engine.ErrNoPurger):
		return 501
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return 504
	default:
		return 500
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
