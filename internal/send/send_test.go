package send

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedMtime = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	fixedETag         = `W/"6-17e12ef9c00"`
	fixedLastModified = "Sat, 01 Jan 2022 00:00:00 GMT"
)

// newRoot builds a document root with a fixed layout. Every file gets the
// same modification time so validator headers are predictable.
func newRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		require.NoError(t, os.Chtimes(path, fixedMtime, fixedMtime))
	}

	write("a.txt", "hello\n")
	write("empty.txt", "")
	write("missing.html", "abcde")
	write("sub/index.html", "<p>sub</p>\n")
	write("noindex/file.txt", "x")
	write(".secret", "classified\n")
	write(".well-known/keys.txt", "keys\n")

	return root
}

// run serves pathname from root and records the outcome. mod, when
// non-nil, mutates the request before serving.
func run(t *testing.T, root, pathname string, opts *Options, hooks Hooks, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	opts.Root = root

	// The Responder resolves the pathname it was handed, not the request
	// URL, so the target can stay fixed even for malformed pathnames.
	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	NewResponder(pathname, opts, hooks).Serve(rec, req)
	return rec
}

func TestServeFile(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/a.txt", nil, Hooks{}, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello\n", rec.Body.String())
	assert.Equal(t, "6", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "public, max-age=0", rec.Header().Get("Cache-Control"))
	assert.Equal(t, fixedLastModified, rec.Header().Get("Last-Modified"))
	assert.Equal(t, fixedETag, rec.Header().Get("ETag"))
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestHeadOmitsBody(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
		r.Method = http.MethodHead
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
	assert.Equal(t, "6", rec.Header().Get("Content-Length"))
	assert.Equal(t, fixedETag, rec.Header().Get("ETag"))
}

func TestEmptyFile(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/empty.txt", nil, Hooks{}, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len())
}

func TestSingleRange(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
		r.Header.Set("Range", "bytes=1-3")
	})

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 1-3/6", rec.Header().Get("Content-Range"))
	assert.Equal(t, "3", rec.Header().Get("Content-Length"))
	assert.Equal(t, "ell", rec.Body.String())
}

func TestRangeFirstByte(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
		r.Header.Set("Range", "bytes=0-0")
	})

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 0-0/6", rec.Header().Get("Content-Range"))
	assert.Equal(t, "h", rec.Body.String())
}

func TestRangeSuffixClamped(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
		r.Header.Set("Range", "bytes=-100")
	})

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 0-5/6", rec.Header().Get("Content-Range"))
	assert.Equal(t, "hello\n", rec.Body.String())
}

func TestRangeUnsatisfiable(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
		r.Header.Set("Range", "bytes=10-")
	})

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */6", rec.Header().Get("Content-Range"))
}

func TestMultiRangeFallsBackToFullBody(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
		r.Header.Set("Range", "bytes=0-1,4-5")
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Range"))
	assert.Equal(t, "hello\n", rec.Body.String())
}

func TestMalformedRangeIgnored(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
		r.Header.Set("Range", "bytes")
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello\n", rec.Body.String())
}

func TestRangeDisabled(t *testing.T) {
	root := newRoot(t)
	off := false
	rec := run(t, root, "/a.txt", &Options{AcceptRanges: &off}, Hooks{}, func(r *http.Request) {
		r.Header.Set("Range", "bytes=1-3")
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "hello\n", rec.Body.String())
}

func TestIfRange(t *testing.T) {
	root := newRoot(t)

	t.Run("matching etag honors range", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("Range", "bytes=1-3")
			r.Header.Set("If-Range", fixedETag)
		})
		assert.Equal(t, http.StatusPartialContent, rec.Code)
	})

	t.Run("stale etag ignores range", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("Range", "bytes=1-3")
			r.Header.Set("If-Range", `"other"`)
		})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello\n", rec.Body.String())
	})

	t.Run("current date honors range", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("Range", "bytes=1-3")
			r.Header.Set("If-Range", fixedLastModified)
		})
		assert.Equal(t, http.StatusPartialContent, rec.Code)
	})

	t.Run("old date ignores range", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("Range", "bytes=1-3")
			r.Header.Set("If-Range", "Fri, 31 Dec 2021 00:00:00 GMT")
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestNotModified(t *testing.T) {
	root := newRoot(t)

	t.Run("if-none-match", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("If-None-Match", fixedETag)
		})
		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Zero(t, rec.Body.Len())
		assert.Empty(t, rec.Header().Get("Content-Type"))
		assert.Empty(t, rec.Header().Get("Content-Length"))
		assert.Equal(t, fixedETag, rec.Header().Get("ETag"))
	})

	t.Run("if-none-match star", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("If-None-Match", "*")
		})
		assert.Equal(t, http.StatusNotModified, rec.Code)
	})

	t.Run("if-modified-since equal to mtime", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("If-Modified-Since", fixedLastModified)
		})
		assert.Equal(t, http.StatusNotModified, rec.Code)
	})

	t.Run("content-location survives", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{
			Headers: func(w http.ResponseWriter, path string, fi os.FileInfo) {
				w.Header().Set("Content-Location", "/a.txt")
			},
		}, func(r *http.Request) {
			r.Header.Set("If-None-Match", fixedETag)
		})
		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Equal(t, "/a.txt", rec.Header().Get("Content-Location"))
	})
}

func TestPreconditionFailed(t *testing.T) {
	root := newRoot(t)

	t.Run("if-match mismatch", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("If-Match", `"nope"`)
		})
		assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	})

	t.Run("if-match star passes", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("If-Match", "*")
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("if-match exact passes", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("If-Match", fixedETag)
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("if-unmodified-since before mtime", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("If-Unmodified-Since", "Fri, 31 Dec 2021 00:00:00 GMT")
		})
		assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	})

	t.Run("if-unmodified-since at mtime passes", func(t *testing.T) {
		rec := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
			r.Header.Set("If-Unmodified-Since", fixedLastModified)
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestPathTraversal(t *testing.T) {
	root := newRoot(t)

	for _, pathname := range []string{
		"/%2e%2e/etc/passwd",
		"/../etc/passwd",
		"/sub/%2e%2e/%2e%2e/a.txt",
	} {
		rec := run(t, root, pathname, nil, Hooks{}, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, "pathname %q", pathname)
	}
}

func TestBadEncoding(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/%zz", nil, Hooks{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNulByte(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/a%00.txt", nil, Hooks{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDotfiles(t *testing.T) {
	root := newRoot(t)

	tests := []struct {
		name     string
		policy   DotfilesPolicy
		pathname string
		status   int
	}{
		{"legacy hides dotted file", DotfilesLegacy, "/.secret", http.StatusNotFound},
		{"legacy allows file inside dot directory", DotfilesLegacy, "/.well-known/keys.txt", http.StatusOK},
		{"allow serves dotted file", DotfilesAllow, "/.secret", http.StatusOK},
		{"deny refuses dotted file", DotfilesDeny, "/.secret", http.StatusForbidden},
		{"deny refuses dot directory contents", DotfilesDeny, "/.well-known/keys.txt", http.StatusForbidden},
		{"ignore hides dot directory contents", DotfilesIgnore, "/.well-known/keys.txt", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := run(t, root, tt.pathname, &Options{Dotfiles: tt.policy}, Hooks{}, nil)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestExtensionFallback(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/missing", &Options{Extensions: []string{"html"}}, Hooks{}, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, "abcde", rec.Body.String())
}

func TestExtensionFallbackExhausted(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/missing", &Options{Extensions: []string{"json", "xml"}}, Hooks{}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIndexProbe(t *testing.T) {
	root := newRoot(t)

	t.Run("serves index file", func(t *testing.T) {
		rec := run(t, root, "/sub/", nil, Hooks{}, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<p>sub</p>\n", rec.Body.String())
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	})

	t.Run("multiple candidates in order", func(t *testing.T) {
		rec := run(t, root, "/sub/", &Options{Index: []string{"default.htm", "index.html"}}, Hooks{}, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<p>sub</p>\n", rec.Body.String())
	})

	t.Run("no index file", func(t *testing.T) {
		rec := run(t, root, "/noindex/", nil, Hooks{}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("index disabled serves directory policy", func(t *testing.T) {
		rec := run(t, root, "/sub/", &Options{Index: []string{}}, Hooks{}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("trailing slash on a file", func(t *testing.T) {
		rec := run(t, root, "/a.txt/", &Options{Index: []string{}}, Hooks{}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDefaultDirectoryRedirect(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/sub", nil, Hooks{}, nil)

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/sub/", rec.Header().Get("Location"))
	assert.Equal(t, "text/html; charset=UTF-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `<a href="/sub/">/sub/</a>`)
}

func TestMissingFile(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/nope.txt", nil, Hooks{}, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "text/html; charset=UTF-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rec.Body.String(), "<pre>Not Found</pre>")
}

func TestErrorHookDivertsWriting(t *testing.T) {
	root := newRoot(t)
	var got *Error
	rec := run(t, root, "/nope.txt", nil, Hooks{
		Error: func(e *Error) { got = e },
	}, nil)

	require.NotNil(t, got)
	assert.Equal(t, http.StatusNotFound, got.Status)
	// Nothing may be written when an error hook is attached.
	assert.Zero(t, rec.Body.Len())
	assert.Empty(t, rec.Header())
}

func TestHeadersHookWins(t *testing.T) {
	root := newRoot(t)
	rec := run(t, root, "/a.txt", nil, Hooks{
		Headers: func(w http.ResponseWriter, path string, fi os.FileInfo) {
			w.Header().Set("Cache-Control", "private")
			w.Header().Set("Content-Type", "application/x-custom")
		},
	}, nil)

	assert.Equal(t, "private", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "application/x-custom", rec.Header().Get("Content-Type"))
}

func TestCacheControlComposition(t *testing.T) {
	root := newRoot(t)

	t.Run("max-age with immutable", func(t *testing.T) {
		rec := run(t, root, "/a.txt", &Options{MaxAge: time.Hour, Immutable: true}, Hooks{}, nil)
		assert.Equal(t, "public, max-age=3600, immutable", rec.Header().Get("Cache-Control"))
	})

	t.Run("immutable without max-age omitted", func(t *testing.T) {
		rec := run(t, root, "/a.txt", &Options{Immutable: true}, Hooks{}, nil)
		assert.Equal(t, "public, max-age=0", rec.Header().Get("Cache-Control"))
	})

	t.Run("max-age clamped to a year", func(t *testing.T) {
		rec := run(t, root, "/a.txt", &Options{MaxAge: 20000 * time.Hour * 24}, Hooks{}, nil)
		assert.Equal(t, "public, max-age=31536000", rec.Header().Get("Cache-Control"))
	})

	t.Run("negative max-age clamps to zero", func(t *testing.T) {
		rec := run(t, root, "/a.txt", &Options{MaxAge: -time.Hour}, Hooks{}, nil)
		assert.Equal(t, "public, max-age=0", rec.Header().Get("Cache-Control"))
	})

	t.Run("cache-control disabled", func(t *testing.T) {
		off := false
		rec := run(t, root, "/a.txt", &Options{CacheControl: &off}, Hooks{}, nil)
		assert.Empty(t, rec.Header().Get("Cache-Control"))
	})
}

func TestByteWindow(t *testing.T) {
	root := newRoot(t)
	end := int64(3)

	t.Run("window bounds the body", func(t *testing.T) {
		rec := run(t, root, "/a.txt", &Options{Start: 1, End: &end}, Hooks{}, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("Content-Length"))
		assert.Equal(t, "ell", rec.Body.String())
	})

	t.Run("range applies within the window", func(t *testing.T) {
		rec := run(t, root, "/a.txt", &Options{Start: 1, End: &end}, Hooks{}, func(r *http.Request) {
			r.Header.Set("Range", "bytes=0-1")
		})
		assert.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "bytes 0-1/3", rec.Header().Get("Content-Range"))
		assert.Equal(t, "el", rec.Body.String())
	})
}

func TestHookOrdering(t *testing.T) {
	root := newRoot(t)
	var order []string
	run(t, root, "/a.txt", nil, Hooks{
		Headers: func(http.ResponseWriter, string, os.FileInfo) {
			order = append(order, "headers")
		},
		File: func(path string, fi os.FileInfo) {
			order = append(order, "file")
			assert.Equal(t, filepath.Join(root, "a.txt"), path)
			assert.EqualValues(t, 6, fi.Size())
		},
		Stream: func(r io.Reader) { order = append(order, "stream") },
		End:    func() { order = append(order, "end") },
	}, nil)

	assert.Equal(t, []string{"file", "headers", "stream", "end"}, order)
}

func TestHeadersAlreadySent(t *testing.T) {
	root := newRoot(t)
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a.txt", nil)
	rec := httptest.NewRecorder()
	rw := WrapResponseWriter(rec)
	rw.WriteHeader(http.StatusOK)

	var got *Error
	NewResponder("/a.txt", &Options{Root: root}, Hooks{
		Error: func(e *Error) { got = e },
	}).Serve(rw, req)

	require.NotNil(t, got)
	assert.Equal(t, http.StatusInternalServerError, got.Status)
	assert.Contains(t, got.Err.Error(), "headers")
}

func TestRoundTripRangeMatchesFullBody(t *testing.T) {
	root := newRoot(t)
	full := run(t, root, "/a.txt", nil, Hooks{}, nil)
	require.Equal(t, http.StatusOK, full.Code)

	ranged := run(t, root, "/a.txt", nil, Hooks{}, func(r *http.Request) {
		r.Header.Set("Range", "bytes=2-4")
	})
	require.Equal(t, http.StatusPartialContent, ranged.Code)
	assert.Equal(t, full.Body.Bytes()[2:5], ranged.Body.Bytes())
}
