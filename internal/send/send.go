// Package send implements the request-to-response state machine for
// serving a single static file: path resolution under an optional
// sandbox root, dotfile policy, index and extension probing, conditional
// GET evaluation, byte-range handling, response-header composition, and
// bounded streaming of the file body.
//
// A Responder is built per request and consumed by one Serve call. Its
// lifecycle is observable through Hooks; the ordering is fixed: either
// Directory (terminal), or File as soon as the file is identified,
// followed by Headers, Stream and finally End. An Error pre-empts
// anything later, and nothing fires after it.
package send

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"example.com/staticd/v2/internal/logger"
	"example.com/staticd/v2/internal/util"
)

// streamBufSize is the chunk size for copying file content to the
// response.
const streamBufSize = 32 * 1024

// bytesRangeSpec matches a Range header this package is willing to
// interpret; other units pass through as if no Range were present.
var bytesRangeSpec = regexp.MustCompile(`^ *bytes=`)

// Hooks are optional per-request observers. Every field may be nil.
type Hooks struct {
	// Directory fires when the resolved path is a directory. A non-nil
	// returned Error is routed through the error path (so it stays
	// eligible for fallthrough classification); returning nil means the
	// hook wrote the response itself. When the hook is absent the
	// Responder answers 404 for trailing-slash requests and otherwise
	// redirects to the slash-suffixed path.
	Directory func(w http.ResponseWriter, r *http.Request, path string) *Error

	// Headers fires after the file is chosen and before the default
	// validator headers are filled in, so anything it sets wins. It must
	// not block and must not write the response body.
	Headers func(w http.ResponseWriter, path string, fi os.FileInfo)

	// File fires once the file to serve has been identified, before any
	// byte is written.
	File func(path string, fi os.FileInfo)

	// Stream fires just before the body copy starts. The reader is a
	// view of the bytes about to be sent; it is observational and must
	// not be consumed.
	Stream func(r io.Reader)

	// End fires after the full response window has been written.
	End func()

	// Error diverts all failures: when set, the Responder writes nothing
	// and delivers the structured error instead.
	Error func(e *Error)
}

// Responder computes and emits the HTTP response for one request.
type Responder struct {
	path  string // percent-encoded request pathname
	opts  options
	hooks Hooks

	req    *http.Request
	res    *ResponseWriter
	status int
	log    *logger.Logger
}

// NewResponder builds a Responder for the given percent-encoded request
// pathname. opts may be nil for defaults.
func NewResponder(path string, opts *Options, hooks Hooks) *Responder {
	o := resolveOptions(opts)
	return &Responder{
		path:   path,
		opts:   o,
		hooks:  hooks,
		status: http.StatusOK,
		log:    o.log,
	}
}

// Serve runs the state machine and writes exactly one response, unless an
// Error hook is attached, in which case failures are handed over and
// nothing is written on the error path.
func (s *Responder) Serve(w http.ResponseWriter, r *http.Request) {
	s.req = r
	s.res = WrapResponseWriter(w)

	abs, perr := s.resolvePath()
	if perr != nil {
		s.fail(perr)
		return
	}

	if len(s.opts.index) > 0 && s.hasTrailingSlash() {
		s.sendIndex(abs)
		return
	}
	s.sendFile(abs)
}

// sendFile stats the resolved path and dispatches: directories go to the
// directory handling, missing paths without an extension enter extension
// fallback, and plain files are served.
func (s *Responder) sendFile(path string) {
	fi, err := os.Stat(path)

	if err != nil && errors.Is(err, fs.ErrNotExist) &&
		filepath.Ext(path) == "" && !s.hasTrailingSlash() {
		s.sendExtensions(path, err)
		return
	}
	if err != nil {
		s.fail(statError(err))
		return
	}
	if fi.IsDir() {
		s.directory(path)
		return
	}
	if s.hasTrailingSlash() {
		// The client named a directory but the path resolves to a file.
		s.fail(NewError(http.StatusNotFound, nil))
		return
	}
	s.emitFile(path, fi)
	s.serveStat(path, fi)
}

// sendExtensions probes path with each configured extension suffix in
// order and serves the first non-directory hit.
func (s *Responder) sendExtensions(path string, lastErr error) {
	for _, ext := range s.opts.extensions {
		p := path + "." + ext
		fi, err := os.Stat(p)
		if err != nil {
			lastErr = err
			continue
		}
		if fi.IsDir() {
			continue
		}
		s.emitFile(p, fi)
		s.serveStat(p, fi)
		return
	}
	if lastErr != nil {
		s.fail(statError(lastErr))
		return
	}
	s.fail(NewError(http.StatusNotFound, nil))
}

// sendIndex probes each index file name under dir in order.
func (s *Responder) sendIndex(dir string) {
	for _, name := range s.opts.index {
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err != nil {
			if isNotFoundErr(err) {
				continue
			}
			// A probe failing for any other reason is a real error, not a
			// miss; surface it instead of trying further candidates.
			s.fail(statError(err))
			return
		}
		if fi.IsDir() {
			continue
		}
		s.emitFile(p, fi)
		s.serveStat(p, fi)
		return
	}
	s.fail(NewError(http.StatusNotFound, nil))
}

func (s *Responder) emitFile(path string, fi os.FileInfo) {
	if s.hooks.File != nil {
		s.hooks.File(path, fi)
	}
}

// directory routes a resolved directory to the Directory hook, or applies
// the built-in policy: 404 when the request already had a trailing slash,
// otherwise a 301 to the slash-suffixed path.
func (s *Responder) directory(path string) {
	if s.hooks.Directory != nil {
		if e := s.hooks.Directory(s.res, s.req, path); e != nil {
			s.fail(e)
		}
		return
	}
	if s.hasTrailingSlash() {
		s.fail(NewError(http.StatusNotFound, nil))
		return
	}
	Redirect(s.res, s.req, util.CollapseLeadingSlashes(s.path+"/"))
}

// serveStat is the serving path proper: header composition, conditional
// GET, range handling, and the body.
func (s *Responder) serveStat(path string, fi os.FileInfo) {
	if s.res.HeadersSent() {
		s.fail(NewError(http.StatusInternalServerError,
			errors.New("can't set headers after they are sent")))
		return
	}

	h := s.res.Header()

	// User hook first: anything it sets takes precedence over the
	// defaults below.
	if s.hooks.Headers != nil {
		s.hooks.Headers(s.res, path, fi)
	}
	if s.opts.acceptRanges && h.Get("Accept-Ranges") == "" {
		h.Set("Accept-Ranges", "bytes")
	}
	if s.opts.cacheControl && h.Get("Cache-Control") == "" {
		cc := "public, max-age=" + strconv.FormatInt(int64(s.opts.maxAge/time.Second), 10)
		if s.opts.immutable && s.opts.maxAge > 0 {
			cc += ", immutable"
		}
		h.Set("Cache-Control", cc)
	}
	if s.opts.lastModified && h.Get("Last-Modified") == "" {
		h.Set("Last-Modified", fi.ModTime().UTC().Format(http.TimeFormat))
	}
	if s.opts.etag && h.Get("ETag") == "" {
		h.Set("ETag", util.ETag(fi))
	}
	if h.Get("Content-Type") == "" {
		if typ, ok := s.opts.types.Type(path); ok {
			h.Set("Content-Type", typ)
		}
	}

	if s.isConditionalGET() {
		if s.preconditionFailed() {
			s.fail(NewError(http.StatusPreconditionFailed, nil))
			return
		}
		if s.isCachable() && util.Fresh(s.req.Header, h) {
			s.notModified()
			return
		}
	}

	// Effective window of the file this Responder will consider.
	offset := s.opts.start
	length := fi.Size() - offset
	if length < 0 {
		length = 0
	}
	if s.opts.end != nil {
		if want := *s.opts.end - offset + 1; length > want {
			length = want
		}
	}

	if rangeHdr := s.req.Header.Get("Range"); s.opts.acceptRanges && bytesRangeSpec.MatchString(rangeHdr) {
		ranges, rerr := util.ParseRange(length, rangeHdr, true)

		// A stale If-Range validator means the client's view of the file
		// is outdated: ignore the Range header and send the whole thing.
		if !s.isRangeFresh() {
			ranges, rerr = nil, util.ErrMalformedRange
		}

		switch {
		case errors.Is(rerr, util.ErrUnsatisfiableRange):
			e := NewError(http.StatusRequestedRangeNotSatisfiable, nil)
			e.Header.Set("Content-Range", util.ContentRangeUnsatisfied(length))
			s.fail(e)
			return
		case rerr == nil && len(ranges) == 1:
			s.status = http.StatusPartialContent
			h.Set("Content-Range", util.ContentRange(ranges[0], length))
			offset += ranges[0].Start
			length = ranges[0].End - ranges[0].Start + 1
		}
		// Malformed specifiers and multi-range requests fall through to a
		// full 200 body; multipart/byteranges responses are unsupported.
	}

	h.Set("Content-Length", strconv.FormatInt(length, 10))

	if s.req.Method == http.MethodHead {
		s.res.WriteHeader(s.status)
		s.end()
		return
	}

	s.stream(path, offset, length)
}

// stream copies the byte window [offset, offset+length) of path to the
// response. The file handle is released on every exit path, and the copy
// stops as soon as the client goes away.
func (s *Responder) stream(path string, offset, length int64) {
	f, err := os.Open(path)
	if err != nil {
		// Stat succeeded but open failed; nothing has been written yet so
		// a clean error response is still possible.
		s.fail(statError(err))
		return
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			s.fail(NewError(http.StatusInternalServerError, err))
			return
		}
	}

	s.res.WriteHeader(s.status)

	reader := io.LimitReader(f, length)
	if s.hooks.Stream != nil {
		s.hooks.Stream(reader)
	}

	done := s.req.Context().Done()
	buf := make([]byte, streamBufSize)
	for {
		select {
		case <-done:
			// Client gone; drop the reader and stop.
			return
		default:
		}

		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := s.res.Write(buf[:n]); werr != nil {
				// The socket failed mid-body. Nothing can be sent anymore.
				s.log.Debug("response write failed mid-stream", logger.LogFields{
					"path": path, "error": werr.Error(),
				})
				return
			}
		}
		if rerr == io.EOF {
			s.end()
			return
		}
		if rerr != nil {
			// Headers are out; surface the failure without touching the
			// response again.
			s.fail(NewError(http.StatusInternalServerError, rerr))
			return
		}
	}
}

func (s *Responder) end() {
	if s.hooks.End != nil {
		s.hooks.End()
	}
}

// notModified strips entity headers and answers 304.
func (s *Responder) notModified() {
	h := s.res.Header()
	for name := range h {
		if strings.HasPrefix(name, "Content-") && name != "Content-Location" {
			delete(h, name)
		}
	}
	s.res.WriteHeader(http.StatusNotModified)
	s.end()
}

// fail delivers e to the Error hook when present; otherwise it writes the
// built-in error response, unless headers are already out, in which case
// the failure can only be logged.
func (s *Responder) fail(e *Error) {
	if s.hooks.Error != nil {
		s.hooks.Error(e)
		return
	}
	if s.res.HeadersSent() {
		s.log.Error("request failed after headers were sent", logger.LogFields{
			"status": e.Status, "error": e.Error(),
		})
		return
	}
	WriteError(s.res, s.req, e)
}

// isConditionalGET reports whether any conditional request header is
// present.
func (s *Responder) isConditionalGET() bool {
	h := s.req.Header
	return h.Get("If-Match") != "" ||
		h.Get("If-Unmodified-Since") != "" ||
		h.Get("If-None-Match") != "" ||
		h.Get("If-Modified-Since") != ""
}

// preconditionFailed evaluates If-Match and If-Unmodified-Since against
// the validators already composed onto the response.
func (s *Responder) preconditionFailed() bool {
	resH := s.res.Header()

	if match := s.req.Header.Get("If-Match"); match != "" {
		etag := resH.Get("ETag")
		if etag == "" {
			return true
		}
		if match == "*" {
			return false
		}
		for _, tok := range util.ParseTokenList(match) {
			if util.ETagMatch(tok, etag) {
				return false
			}
		}
		return true
	}

	if since, ok := util.ParseHTTPDate(s.req.Header.Get("If-Unmodified-Since")); ok {
		lastModified, okL := util.ParseHTTPDate(resH.Get("Last-Modified"))
		return !okL || lastModified.After(since)
	}

	return false
}

// isCachable reports whether the pending status permits a 304 reply.
func (s *Responder) isCachable() bool {
	return (s.status >= 200 && s.status < 300) || s.status == http.StatusNotModified
}

// isRangeFresh decides whether a Range header may be honored given an
// If-Range validator. A quote anywhere in the value selects ETag
// comparison; anything else is treated as an HTTP-date. This quote
// sniffing misclassifies malformed dates that contain quotes, but it is
// the behavior clients in the wild depend on.
func (s *Responder) isRangeFresh() bool {
	ifRange := s.req.Header.Get("If-Range")
	if ifRange == "" {
		return true
	}

	resH := s.res.Header()
	if strings.Contains(ifRange, "\"") {
		etag := resH.Get("ETag")
		return etag != "" && strings.Contains(ifRange, etag)
	}

	lastModified, okL := util.ParseHTTPDate(resH.Get("Last-Modified"))
	since, okS := util.ParseHTTPDate(ifRange)
	return okL && okS && !lastModified.After(since)
}

// statError maps a filesystem error onto its HTTP classification.
func statError(err error) *Error {
	if isNotFoundErr(err) {
		return NewError(http.StatusNotFound, err)
	}
	return NewError(http.StatusInternalServerError, err)
}

// isNotFoundErr reports whether err is a not-found class stat failure:
// ENOENT, ENOTDIR, or ENAMETOOLONG.
func isNotFoundErr(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOTDIR) ||
		errors.Is(err, syscall.ENAMETOOLONG)
}
