// Package serve binds a document root and options to an http.Handler.
// It resolves the request pathname, applies the directory redirect
// policy, and classifies responder errors into fall-through (hand the
// request to the next handler) versus forward (finalize the response).
package serve

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"example.com/staticd/v2/internal/logger"
	"example.com/staticd/v2/internal/send"
	"example.com/staticd/v2/internal/util"
)

// Options configures a Handler. The embedded send.Options apply to every
// file response.
type Options struct {
	send.Options

	// Redirect answers directory requests with a 301 to the
	// slash-suffixed URL. Defaults to true; false answers 404.
	Redirect *bool

	// Fallthrough defers non-GET/HEAD requests and pre-file errors with a
	// status below 500 to the next handler instead of finalizing them;
	// 5xx errors are always finalized. Defaults to true.
	// Only meaningful through Middleware; a terminal Handler always
	// finalizes.
	Fallthrough *bool

	// SetHeaders runs after the file is chosen and before the default
	// headers are filled in. It must be synchronous and must not write
	// the body.
	SetHeaders func(w http.ResponseWriter, path string, fi os.FileInfo)

	// ErrorHandler receives forwarded errors. When nil the canonical
	// HTML error page is written.
	ErrorHandler func(w http.ResponseWriter, r *http.Request, e *send.Error)
}

// Handler serves files from a single document root.
type Handler struct {
	opts         send.Options
	redirect     bool
	fall         bool
	setHeaders   func(w http.ResponseWriter, path string, fi os.FileInfo)
	errorHandler func(w http.ResponseWriter, r *http.Request, e *send.Error)
	log          *logger.Logger
}

// Mount validates root, resolves it to an absolute path, and returns a
// Handler over it.
func Mount(root string, opts *Options) (*Handler, error) {
	if root == "" {
		return nil, errors.New("serve: root path required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &Options{}
	}
	h := &Handler{
		opts:         opts.Options,
		redirect:     opts.Redirect == nil || *opts.Redirect,
		fall:         opts.Fallthrough == nil || *opts.Fallthrough,
		setHeaders:   opts.SetHeaders,
		errorHandler: opts.ErrorHandler,
		log:          opts.Logger,
	}
	h.opts.Root = abs
	if h.log == nil {
		h.log = logger.NewDiscardLogger()
	}
	return h, nil
}

// ServeHTTP serves the request terminally: because there is no next
// handler, other methods get a final 405 and pre-file errors get a final
// error response with their own status (400, 403, 404).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, nil)
}

// Middleware returns the fall-through form of the handler: requests this
// mount declines are passed to next.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, next)
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if h.fall && next != nil {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Errors that occur before a file has been identified are eligible
	// for fall-through; once the file hook fires, everything is forwarded.
	forward := !h.fall

	pathname := r.URL.EscapedPath()
	original := originalPath(r)
	if pathname == "/" && !strings.HasSuffix(original, "/") {
		// The mount point itself was requested without a trailing slash;
		// an empty pathname makes the root resolve to the directory so
		// the redirect policy applies to it.
		pathname = ""
	}

	hooks := send.Hooks{
		Directory: func(w http.ResponseWriter, r *http.Request, dir string) *send.Error {
			if !h.redirect {
				return send.NewError(http.StatusNotFound, nil)
			}
			if strings.HasSuffix(pathname, "/") {
				// A directory was named explicitly but has no index file.
				return send.NewError(http.StatusNotFound, nil)
			}
			loc := util.CollapseLeadingSlashes(original + "/")
			if q := r.URL.RawQuery; q != "" {
				loc += "?" + q
			}
			send.Redirect(w, r, loc)
			return nil
		},
		Headers: h.setHeaders,
		File: func(path string, fi os.FileInfo) {
			forward = true
		},
		Error: func(e *send.Error) {
			if !forward && e.Status < http.StatusInternalServerError && next != nil {
				next.ServeHTTP(w, r)
				return
			}
			if e.Status >= http.StatusInternalServerError {
				h.log.Error("request failed", logger.LogFields{
					"path": pathname, "status": e.Status, "error": e.Error(),
				})
			}
			if h.errorHandler != nil {
				h.errorHandler(w, r, e)
				return
			}
			send.WriteError(w, r, e)
		},
	}

	send.NewResponder(pathname, &h.opts, hooks).Serve(w, r)
}

// originalPath extracts the pathname of the URL the client sent, before
// any prefix stripping by routers, for redirect composition.
func originalPath(r *http.Request) string {
	uri := r.RequestURI
	if uri == "" || strings.HasPrefix(uri, "*") {
		return r.URL.EscapedPath()
	}
	if i := strings.IndexByte(uri, '?'); i != -1 {
		uri = uri[:i]
	}
	return uri
}
