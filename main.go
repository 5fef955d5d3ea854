package main

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"example.com/staticd/v2/internal/config"
	"example.com/staticd/v2/internal/logger"
	"example.com/staticd/v2/internal/send"
	"example.com/staticd/v2/internal/serve"
)

// A minimal entry point for the common case: serve one document root on
// one address with default options. The configurable binary lives in
// cmd/server.
func main() {
	if len(os.Args) != 3 {
		log.Fatalf("Usage: %s <address> <document-root>", os.Args[0])
	}
	addr := os.Args[1]
	docRoot := os.Args[2]

	if !filepath.IsAbs(docRoot) {
		absPath, err := filepath.Abs(docRoot)
		if err != nil {
			log.Fatalf("Failed to convert document root to an absolute path: %v", err)
		}
		docRoot = absPath
	}

	loggingCfg := &config.LoggingConfig{
		LogLevel: config.LogLevelInfo,
		AccessLog: &config.AccessLogConfig{
			Enabled: boolPtr(true),
			Target:  "stdout",
			Format:  "console",
		},
		ErrorLog: &config.ErrorLogConfig{
			Target: "stderr",
		},
	}
	lg, err := logger.NewLogger(loggingCfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.CloseLogFiles()

	handler, err := serve.Mount(docRoot, &serve.Options{
		Options: send.Options{Logger: lg},
	})
	if err != nil {
		log.Fatalf("Failed to mount document root: %v", err)
	}

	lg.Info("server listening", logger.LogFields{"address": addr, "root": docRoot})
	if err := http.ListenAndServe(addr, withAccessLog(lg, handler)); err != nil {
		log.Fatalf("Server exited with an error: %v", err)
	}
}

func withAccessLog(lg *logger.Logger, next http.Handler) http.Handler {
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

func boolPtr(b bool) *bool { return &b }
