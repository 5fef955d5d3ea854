package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/netutil"

	"example.com/staticd/v2/internal/config"
	"example.com/staticd/v2/internal/logger"
	"example.com/staticd/v2/internal/mimetype"
	"example.com/staticd/v2/internal/send"
	"example.com/staticd/v2/internal/serve"
)

var configFilePath string

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (JSON or TOML)")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: Configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}
	configFilePath = absConfigPath

	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", configFilePath, err)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.CloseLogFiles()
	appLogger.Info("logger initialized")

	router := chi.NewRouter()
	router.Use(accessLogMiddleware(appLogger))

	for i := range cfg.Mounts {
		m := &cfg.Mounts[i]
		handler, err := buildMount(m, configFilePath, appLogger)
		if err != nil {
			appLogger.Error("failed to build mount", logger.LogFields{
				"path_prefix": m.PathPrefix, "root": m.Root, "error": err.Error(),
			})
			os.Exit(1)
		}
		mountHandler(router, m.PathPrefix, handler)
		appLogger.Info("mounted document root", logger.LogFields{
			"path_prefix": m.PathPrefix, "root": m.Root,
		})
	}

	addr := *cfg.Server.Address
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		appLogger.Error("failed to listen", logger.LogFields{"address": addr, "error": err.Error()})
		os.Exit(1)
	}
	if cfg.Server.MaxConnections != nil && *cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, *cfg.Server.MaxConnections)
		appLogger.Info("connection limit enabled", logger.LogFields{"max_connections": *cfg.Server.MaxConnections})
	}

	// SIGHUP reopens file-based log targets after rotation.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := appLogger.ReopenLogFiles(); err != nil {
				appLogger.Error("failed to reopen log files", logger.LogFields{"error": err.Error()})
			} else {
				appLogger.Info("log files reopened")
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	appLogger.Info("server listening", logger.LogFields{"address": addr})

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server exited with an error", logger.LogFields{"error": err.Error()})
			os.Exit(1)
		}
	case <-ctx.Done():
		timeout := 30 * time.Second
		if cfg.Server.GracefulShutdownTimeout != nil {
			if d, err := time.ParseDuration(*cfg.Server.GracefulShutdownTimeout); err == nil {
				timeout = d
			}
		}
		appLogger.Info("shutting down", logger.LogFields{"timeout": timeout.String()})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("graceful shutdown failed", logger.LogFields{"error": err.Error()})
			os.Exit(1)
		}
	}

	appLogger.Info("server has shut down")
}

// buildMount turns one mount config stanza into a serve.Handler.
func buildMount(m *config.MountConfig, mainConfigPath string, lg *logger.Logger) (*serve.Handler, error) {
	types, err := mimetype.NewResolver(m.MimeTypes, stringOr(m.MimeTypesPath), filepath.Dir(mainConfigPath))
	if err != nil {
		return nil, err
	}

	opts := &serve.Options{
		Options: send.Options{
			AcceptRanges: m.AcceptRanges,
			CacheControl: m.CacheControl,
			ETag:         m.ETag,
			LastModified: m.LastModified,
			Dotfiles:     send.DotfilesPolicy(m.Dotfiles),
			Extensions:   m.Extensions,
			Index:        m.Index,
			Types:        types,
			Logger:       lg,
		},
		Redirect:    m.Redirect,
		Fallthrough: m.Fallthrough,
	}
	if m.Immutable != nil {
		opts.Immutable = *m.Immutable
	}
	if m.MaxAge != nil {
		maxAge, err := config.ParseMaxAge(*m.MaxAge)
		if err != nil {
			return nil, err
		}
		opts.MaxAge = maxAge
	}
	if len(m.Headers) > 0 {
		headers := m.Headers
		opts.SetHeaders = func(w http.ResponseWriter, path string, fi os.FileInfo) {
			for name, value := range headers {
				w.Header().Set(name, value)
			}
		}
	}

	return serve.Mount(m.Root, opts)
}

// mountHandler registers handler under prefix, stripping the prefix so
// the mount sees paths relative to its root. The original URL stays
// available to the handler for redirect composition.
func mountHandler(router chi.Router, prefix string, handler *serve.Handler) {
	if prefix == "/" {
		router.Handle("/*", handler)
		return
	}
	trimmed := strings.TrimSuffix(prefix, "/")
	stripped := http.StripPrefix(trimmed, handler)
	router.Handle(trimmed, stripped)
	router.Handle(trimmed+"/*", stripped)
}

// accessLogMiddleware emits one access log entry per request.
func accessLogMiddleware(lg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := send.WrapResponseWriter(w)
			next.ServeHTTP(rw, r)
			status := rw.Status()
			if status == 0 {
				status = http.StatusOK
			}
			lg.Access(r, status, rw.BytesWritten(), time.Since(start))
		})
	}
}

func stringOr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
