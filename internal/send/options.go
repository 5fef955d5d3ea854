package send

import (
	"path/filepath"
	"time"

	"example.com/staticd/v2/internal/config"
	"example.com/staticd/v2/internal/logger"
	"example.com/staticd/v2/internal/mimetype"
)

// DotfilesPolicy controls how path segments beginning with a dot are
// treated. A dotfile segment is any segment longer than one character
// whose first character is a dot.
type DotfilesPolicy string

const (
	// DotfilesLegacy is the zero value and is distinct from
	// DotfilesIgnore: only a dotted final segment is refused (404), so
	// files living under a dot-prefixed directory stay reachable. Kept
	// for backward compatibility with configurations that never set the
	// policy.
	DotfilesLegacy DotfilesPolicy = ""
	// DotfilesAllow serves dotfiles like any other path.
	DotfilesAllow DotfilesPolicy = "allow"
	// DotfilesDeny answers 403 for any path containing a dotfile segment.
	DotfilesDeny DotfilesPolicy = "deny"
	// DotfilesIgnore answers 404 for any path containing a dotfile
	// segment, as if it did not exist.
	DotfilesIgnore DotfilesPolicy = "ignore"
)

// Options configures a Responder. The zero value has no sandbox root: the
// decoded pathname is resolved with filepath.Abs, so an absolute pathname
// names that path on the filesystem. All validator headers are enabled.
type Options struct {
	// Root confines serving to a directory. When set, the request path is
	// resolved strictly inside it; ".." components are rejected before
	// the join so the sandbox holds even lexically.
	Root string

	// AcceptRanges, CacheControl, ETag and LastModified each default to
	// true; a nil pointer means enabled.
	AcceptRanges *bool
	CacheControl *bool
	ETag         *bool
	LastModified *bool

	// MaxAge is the Cache-Control max-age. Negative values clamp to zero
	// and anything over one year clamps to one year.
	MaxAge time.Duration
	// Immutable appends ", immutable" to Cache-Control when MaxAge > 0.
	Immutable bool

	Dotfiles DotfilesPolicy

	// Extensions are tried in order as ".ext" suffixes when the bare
	// path does not exist.
	Extensions []string

	// Index lists index file names probed when the path ends in a slash.
	// nil means ["index.html"]; an empty non-nil slice disables index
	// serving.
	Index []string

	// Start and End bound the byte window of the file considered for
	// serving, before any Range processing. End is inclusive.
	Start int64
	End   *int64

	// Types resolves Content-Type values. nil falls back to the Go mime
	// database plus the builtin table.
	Types *mimetype.Resolver

	Logger *logger.Logger
}

// defaultIndex is the index list used when Options.Index is nil.
var defaultIndex = []string{"index.html"}

// options is the resolved, immutable form used by a Responder.
type options struct {
	root         string
	acceptRanges bool
	cacheControl bool
	etag         bool
	lastModified bool
	maxAge       time.Duration
	immutable    bool
	dotfiles     DotfilesPolicy
	extensions   []string
	index        []string
	start        int64
	end          *int64
	types        *mimetype.Resolver
	log          *logger.Logger
}

func boolOpt(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func resolveOptions(o *Options) options {
	if o == nil {
		o = &Options{}
	}
	root := o.Root
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		root = filepath.Clean(root)
	}
	index := o.Index
	if index == nil {
		index = defaultIndex
	}
	log := o.Logger
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return options{
		root:         root,
		acceptRanges: boolOpt(o.AcceptRanges, true),
		cacheControl: boolOpt(o.CacheControl, true),
		etag:         boolOpt(o.ETag, true),
		lastModified: boolOpt(o.LastModified, true),
		maxAge:       config.ClampMaxAge(o.MaxAge),
		immutable:    o.Immutable,
		dotfiles:     o.Dotfiles,
		extensions:   o.Extensions,
		index:        index,
		start:        o.Start,
		end:          o.End,
		types:        o.Types,
		log:          log,
	}
}
