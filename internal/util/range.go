package util

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// ByteRange is a single satisfiable byte range. Both bounds are inclusive
// and 0 <= Start <= End < size holds for every range returned by ParseRange.
type ByteRange struct {
	Start int64
	End   int64
}

// ErrMalformedRange indicates the header value is not a byte-ranges
// specifier at all (no "=" separator). Callers are expected to ignore the
// Range header entirely in this case.
var ErrMalformedRange = errors.New("malformed range header")

// ErrUnsatisfiableRange indicates the specifier was syntactically a ranges
// set but no listed range is satisfiable against the given size. Callers
// should respond 416 with "Content-Range: bytes */<size>".
var ErrUnsatisfiableRange = errors.New("unsatisfiable range")

// ParseRange parses a Range header value against a representation of the
// given size. Individual invalid entries are dropped; "-nnn" denotes the
// final nnn bytes (clamped to the whole representation when nnn exceeds
// it), "nnn-" runs to the end, and last-byte positions beyond the end are
// clamped to size-1.
//
// With combine set, overlapping and adjacent ranges are merged and the
// result is ordered the way the client listed them, not by offset.
//
// Multipart responses are not supported by this package; callers treat a
// multi-range result as a request for the full representation.
func ParseRange(size int64, s string, combine bool) ([]ByteRange, error) {
	eq := strings.Index(s, "=")
	if eq == -1 {
		return nil, ErrMalformedRange
	}

	var ranges []ByteRange
	for _, spec := range strings.Split(s[eq+1:], ",") {
		spec = strings.TrimSpace(spec)
		dash := strings.Index(spec, "-")
		if dash == -1 {
			continue
		}

		start, startErr := strconv.ParseInt(strings.TrimSpace(spec[:dash]), 10, 64)
		end, endErr := strconv.ParseInt(strings.TrimSpace(spec[dash+1:]), 10, 64)

		switch {
		case startErr != nil && endErr != nil:
			continue
		case startErr != nil:
			// Suffix form "-nnn": the final nnn bytes.
			start = size - end
			end = size - 1
			if start < 0 {
				start = 0
			}
		case endErr != nil:
			// Open form "nnn-": to the end of the representation.
			end = size - 1
		}

		if end > size-1 {
			end = size - 1
		}
		if start > end || start < 0 {
			continue
		}
		ranges = append(ranges, ByteRange{Start: start, End: end})
	}

	if len(ranges) == 0 {
		return nil, ErrUnsatisfiableRange
	}
	if combine {
		ranges = combineRanges(ranges)
	}
	return ranges, nil
}

// indexedRange tracks the position a range held in the client's list so
// combined output can be restored to request order.
type indexedRange struct {
	ByteRange
	index int
}

func combineRanges(ranges []ByteRange) []ByteRange {
	ordered := make([]indexedRange, len(ranges))
	for i, r := range ranges {
		ordered[i] = indexedRange{ByteRange: r, index: i}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start < ordered[j].Start
	})

	merged := ordered[:1]
	for _, r := range ordered[1:] {
		last := &merged[len(merged)-1]
		if r.Start > last.End+1 {
			// Disjoint and non-adjacent; keep as its own range.
			merged = append(merged, r)
			continue
		}
		if r.End > last.End {
			last.End = r.End
		}
		if r.index < last.index {
			last.index = r.index
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].index < merged[j].index
	})

	out := make([]ByteRange, len(merged))
	for i, r := range merged {
		out[i] = r.ByteRange
	}
	return out
}

// ContentRange formats a Content-Range header value for a 206 response.
func ContentRange(r ByteRange, size int64) string {
	return "bytes " + strconv.FormatInt(r.Start, 10) + "-" +
		strconv.FormatInt(r.End, 10) + "/" + strconv.FormatInt(size, 10)
}

// ContentRangeUnsatisfied formats the Content-Range header value carried
// by a 416 response.
func ContentRangeUnsatisfied(size int64) string {
	return "bytes */" + strconv.FormatInt(size, 10)
}
