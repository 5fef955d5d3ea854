// Package logger provides the server's access and error logs, built on
// zerolog. Targets may be the standard streams or files; file targets can
// be reopened on SIGHUP for logrotate-style rotation.
package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"example.com/staticd/v2/internal/config"
)

// LogFields carries ad-hoc structured fields for an error log entry.
type LogFields map[string]interface{}

// reopenableFile is an io.Writer over a log file that can be atomically
// closed and reopened at the same path.
type reopenableFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func openReopenable(path string) (*reopenableFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &reopenableFile{path: path, f: f}, nil
}

func (r *reopenableFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Write(p)
}

func (r *reopenableFile) Reopen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen log file %s: %w", r.path, err)
	}
	r.f.Close()
	r.f = f
	return nil
}

func (r *reopenableFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// parsedProxies holds pre-parsed trusted proxy addresses and CIDR blocks.
type parsedProxies struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// AccessLogger writes one entry per completed request.
type AccessLogger struct {
	log          zerolog.Logger
	console      bool
	realIPHeader string
	proxies      parsedProxies
	file         *reopenableFile
}

// ErrorLogger writes diagnostic entries at or above the configured level.
type ErrorLogger struct {
	log  zerolog.Logger
	file *reopenableFile
}

// Logger bundles the access and error logs.
type Logger struct {
	accessLog *AccessLogger
	errorLog  *ErrorLogger
}

// NewLogger creates and configures a Logger from the logging config.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{}

	errOut, errFile, err := openTarget(cfg.ErrorLog.Target)
	if err != nil {
		return nil, err
	}
	l.errorLog = &ErrorLogger{
		log: zerolog.New(errOut).Level(zerologLevel(cfg.LogLevel)).
			With().Timestamp().Logger(),
		file: errFile,
	}

	if al := cfg.AccessLog; al != nil && (al.Enabled == nil || *al.Enabled) {
		out, accessFile, err := openTarget(al.Target)
		if err != nil {
			l.CloseLogFiles()
			return nil, err
		}
		console := al.Format == "console"
		if console {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		proxies, err := parseTrustedProxies(al.TrustedProxies)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", err)
		}
		realIPHeader := ""
		if al.RealIPHeader != nil {
			realIPHeader = *al.RealIPHeader
		}
		l.accessLog = &AccessLogger{
			log:          zerolog.New(out).With().Timestamp().Logger(),
			console:      console,
			realIPHeader: realIPHeader,
			proxies:      proxies,
			file:         accessFile,
		}
	}

	return l, nil
}

// NewDiscardLogger returns a Logger that drops everything. Used where a
// nil logger would otherwise have to be checked on every call site.
func NewDiscardLogger() *Logger {
	return &Logger{
		errorLog: &ErrorLogger{log: zerolog.New(io.Discard)},
	}
}

func openTarget(target string) (io.Writer, *reopenableFile, error) {
	switch target {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		f, err := openReopenable(target)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	}
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func parseTrustedProxies(proxyStrings []string) (parsedProxies, error) {
	var parsed parsedProxies
	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") {
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxies{}, fmt.Errorf("invalid CIDR in trusted_proxies %q: %w", pStr, err)
			}
			parsed.cidrs = append(parsed.cidrs, ipNet)
		} else {
			ip := net.ParseIP(pStr)
			if ip == nil {
				return parsedProxies{}, fmt.Errorf("invalid IP in trusted_proxies %q", pStr)
			}
			parsed.ips = append(parsed.ips, ip)
		}
	}
	return parsed, nil
}

func (p parsedProxies) trusted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, cidr := range p.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	for _, t := range p.ips {
		if t.Equal(ip) {
			return true
		}
	}
	return false
}

// realClientIP walks an X-Forwarded-For style header from right to left,
// skipping trusted proxies, and returns the first untrusted address. A
// malformed header falls back to the direct peer.
func realClientIP(remoteAddr string, headers http.Header, headerName string, proxies parsedProxies) string {
	peer := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		peer = host
	} else if ip := net.ParseIP(remoteAddr); ip != nil {
		peer = ip.String()
	}

	if headerName == "" {
		return peer
	}
	headerValue := headers.Get(headerName)
	if headerValue == "" {
		return peer
	}

	hops := strings.Split(headerValue, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(hops[i])
		if ipStr == "" {
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return peer
		}
		if !proxies.trusted(ip) {
			return ipStr
		}
	}
	return peer
}

// Access writes one access log entry for a completed request.
func (l *Logger) Access(req *http.Request, status int, responseBytes int64, duration time.Duration) {
	if l == nil || l.accessLog == nil {
		return
	}
	al := l.accessLog

	ev := al.log.Log().
		Str("remote_addr", realClientIP(req.RemoteAddr, req.Header, al.realIPHeader, al.proxies)).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Str("protocol", req.Proto).
		Int("status", status).
		Int64("duration_ms", duration.Milliseconds())
	if al.console {
		ev = ev.Str("size", humanize.IBytes(uint64(responseBytes)))
	} else {
		ev = ev.Int64("resp_bytes", responseBytes)
	}
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}
	ev.Send()
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, fs := range fields {
		for k, v := range fs {
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(msg)
}

// Debug logs at debug level with optional structured fields.
func (l *Logger) Debug(msg string, fields ...LogFields) {
	if l == nil || l.errorLog == nil {
		return
	}
	l.emit(l.errorLog.log.Debug(), msg, fields)
}

// Info logs at info level with optional structured fields.
func (l *Logger) Info(msg string, fields ...LogFields) {
	if l == nil || l.errorLog == nil {
		return
	}
	l.emit(l.errorLog.log.Info(), msg, fields)
}

// Warn logs at warning level with optional structured fields.
func (l *Logger) Warn(msg string, fields ...LogFields) {
	if l == nil || l.errorLog == nil {
		return
	}
	l.emit(l.errorLog.log.Warn(), msg, fields)
}

// Error logs at error level with optional structured fields.
func (l *Logger) Error(msg string, fields ...LogFields) {
	if l == nil || l.errorLog == nil {
		return
	}
	l.emit(l.errorLog.log.Error(), msg, fields)
}

// CloseLogFiles closes any open log files.
func (l *Logger) CloseLogFiles() {
	if l.accessLog != nil && l.accessLog.file != nil {
		l.accessLog.file.Close()
	}
	if l.errorLog != nil && l.errorLog.file != nil {
		l.errorLog.file.Close()
	}
}

// ReopenLogFiles closes and reopens file-based log targets. Intended to
// be called from a SIGHUP handler after log rotation.
func (l *Logger) ReopenLogFiles() error {
	if l.errorLog != nil && l.errorLog.file != nil {
		if err := l.errorLog.file.Reopen(); err != nil {
			return err
		}
	}
	if l.accessLog != nil && l.accessLog.file != nil {
		if err := l.accessLog.file.Reopen(); err != nil {
			return err
		}
	}
	return nil
}
