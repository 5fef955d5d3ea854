// Package mimetype maps file extensions to Content-Type values. Custom
// mappings (inline or from a JSON file) take precedence over Go's mime
// database, which in turn takes precedence over the builtin table below.
package mimetype

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// builtinTypes supplements Go's mime.TypeByExtension for extensions that
// commonly appear in document roots but are missing from minimal system
// mime databases.
var builtinTypes = map[string]string{
	".aac":   "audio/aac",
	".avif":  "image/avif",
	".bin":   "application/octet-stream",
	".bmp":   "image/bmp",
	".css":   "text/css; charset=utf-8",
	".csv":   "text/csv; charset=utf-8",
	".eot":   "application/vnd.ms-fontobject",
	".gz":    "application/gzip",
	".gif":   "image/gif",
	".htm":   "text/html; charset=utf-8",
	".html":  "text/html; charset=utf-8",
	".ico":   "image/vnd.microsoft.icon",
	".jpeg":  "image/jpeg",
	".jpg":   "image/jpeg",
	".js":    "text/javascript; charset=utf-8",
	".json":  "application/json; charset=utf-8",
	".md":    "text/markdown; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".mp3":   "audio/mpeg",
	".mp4":   "video/mp4",
	".otf":   "font/otf",
	".png":   "image/png",
	".pdf":   "application/pdf",
	".svg":   "image/svg+xml",
	".tar":   "application/x-tar",
	".ttf":   "font/ttf",
	".txt":   "text/plain; charset=utf-8",
	".wasm":  "application/wasm",
	".wav":   "audio/wav",
	".webm":  "video/webm",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".xml":   "application/xml; charset=utf-8",
	".zip":   "application/zip",
}

// Resolver determines Content-Type values for file paths.
type Resolver struct {
	custom map[string]string
}

// NewResolver builds a Resolver from an optional inline extension map and
// an optional JSON file of additional mappings. File entries override
// inline ones. Extensions must start with a dot; lookups are
// case-insensitive. A relative typesPath is resolved against baseDir.
func NewResolver(inline map[string]string, typesPath, baseDir string) (*Resolver, error) {
	r := &Resolver{custom: make(map[string]string)}

	for ext, typ := range inline {
		if err := validateEntry(ext, typ); err != nil {
			return nil, err
		}
		r.custom[strings.ToLower(ext)] = typ
	}

	if typesPath != "" {
		if !filepath.IsAbs(typesPath) && baseDir != "" {
			typesPath = filepath.Join(baseDir, typesPath)
		}
		fromFile, err := loadTypesFile(typesPath)
		if err != nil {
			return nil, err
		}
		for ext, typ := range fromFile {
			r.custom[ext] = typ
		}
	}

	return r, nil
}

// Type resolves the Content-Type for path. The boolean reports whether a
// type is known; callers omit the Content-Type header entirely when it is
// false rather than guessing.
func (r *Resolver) Type(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "", false
	}
	if r != nil {
		if typ, ok := r.custom[ext]; ok {
			return typ, true
		}
	}
	if typ := mime.TypeByExtension(ext); typ != "" {
		return typ, true
	}
	if typ, ok := builtinTypes[ext]; ok {
		return typ, true
	}
	return "", false
}

func loadTypesFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIME types file %q: %w", path, err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse MIME types file %q: %w", path, err)
	}

	types := make(map[string]string, len(parsed))
	for ext, typ := range parsed {
		if err := validateEntry(ext, typ); err != nil {
			return nil, fmt.Errorf("MIME types file %q: %w", path, err)
		}
		types[strings.ToLower(ext)] = typ
	}
	return types, nil
}

func validateEntry(ext, typ string) error {
	if !strings.HasPrefix(ext, ".") {
		return fmt.Errorf("invalid extension %q: must start with a '.'", ext)
	}
	if typ == "" {
		return fmt.Errorf("empty MIME type for extension %q", ext)
	}
	return nil
}
