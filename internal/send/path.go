package send

import (
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
)

// resolvePath turns the percent-encoded request pathname into an absolute
// filesystem path, enforcing the sandbox and dotfile policy. The returned
// Error is nil on success.
func (s *Responder) resolvePath() (string, *Error) {
	decoded, err := url.PathUnescape(s.path)
	if err != nil {
		// Malformed percent-encoding. Report nothing about the input.
		return "", NewError(http.StatusBadRequest, err)
	}
	if strings.ContainsRune(decoded, 0) {
		return "", NewError(http.StatusBadRequest, nil)
	}

	var abs string
	var parts []string

	if s.opts.root != "" {
		// Treat the decoded path as relative and normalize it before the
		// join so an embedded ".." can never climb out of the root.
		rel := filepath.FromSlash(decoded)
		if rel != "" {
			rel = filepath.Clean("." + string(filepath.Separator) + rel)
		}
		if containsDotDot(rel) {
			return "", NewError(http.StatusForbidden, nil)
		}
		parts = splitPath(rel)
		abs = filepath.Clean(filepath.Join(s.opts.root, rel))
	} else {
		if containsDotDot(filepath.FromSlash(decoded)) {
			return "", NewError(http.StatusForbidden, nil)
		}
		abs, err = filepath.Abs(filepath.FromSlash(decoded))
		if err != nil {
			return "", NewError(http.StatusInternalServerError, err)
		}
		parts = splitPath(abs)
	}

	if idx := dotfileIndex(parts); idx >= 0 {
		policy := s.opts.dotfiles
		if policy == DotfilesLegacy {
			if strings.HasPrefix(parts[len(parts)-1], ".") {
				policy = DotfilesIgnore
			} else {
				policy = DotfilesAllow
			}
		}
		switch policy {
		case DotfilesAllow:
		case DotfilesDeny:
			return "", NewError(http.StatusForbidden, nil)
		default:
			return "", NewError(http.StatusNotFound, nil)
		}
	}

	return abs, nil
}

// containsDotDot reports whether any separator-delimited component of the
// path is exactly "..".
func containsDotDot(p string) bool {
	for _, part := range splitPath(p) {
		if part == ".." {
			return true
		}
	}
	return false
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	fields := strings.FieldsFunc(p, func(r rune) bool {
		return r == '/' || r == filepath.Separator
	})
	return fields
}

// dotfileIndex returns the index of the first dotfile component, or -1.
// "." and ".." are not dotfiles; they are handled by normalization and
// the traversal check.
func dotfileIndex(parts []string) int {
	for i, part := range parts {
		if len(part) > 1 && part[0] == '.' && part != ".." {
			return i
		}
	}
	return -1
}

// hasTrailingSlash reports whether the request pathname, as sent by the
// client, named a directory.
func (s *Responder) hasTrailingSlash() bool {
	return strings.HasSuffix(s.path, "/")
}
