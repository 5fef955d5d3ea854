package send

import (
	"html"
	"net/http"
	"strconv"

	"example.com/staticd/v2/internal/util"
)

// Redirect writes a 301 to location, which must already have its leading
// slashes collapsed. The Location value is percent-encoded idempotently
// so an already-encoded path survives unchanged.
func Redirect(w http.ResponseWriter, r *http.Request, location string) {
	loc := util.EncodeURL(location)
	escaped := html.EscapeString(loc)
	body := HTMLDocument("Redirecting",
		"Redirecting to <a href=\""+escaped+"\">"+escaped+"</a>")

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=UTF-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Content-Security-Policy", "default-src 'self'")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Location", loc)
	w.WriteHeader(http.StatusMovedPermanently)
	if r == nil || r.Method != http.MethodHead {
		w.Write(body)
	}
}
