// Package byterange implements single-range "Range: bytes=..." semantics over
// fully buffered bodies.
package byterange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformed is returned for a Range header that cannot be parsed.
	ErrMalformed = errors.New("malformed range")
	// ErrUnsatisfiable is returned when the range starts at or past the end of the body.
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Range is an inclusive byte interval within a body of Size bytes.
type Range struct {
	Start int64
	End   int64
	Size  int64
}

// Length is the number of bytes covered by the range.
func (r Range) Length() int64 { return r.End - r.Start + 1 }

// ContentRange renders the Content-Range header value.
func (r Range) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Size)
}

// Slice returns the bytes of body covered by r.
func (r Range) Slice(body []byte) []byte {
	return body[r.Start : r.End+1]
}

// Unsatisfied renders the Content-Range value sent with a 416.
func Unsatisfied(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// Parse interprets header against a body of size bytes. It returns (nil, nil)
// when header is empty, meaning the full body should be served. Only the first
// range of a multi-range request is honored.
func Parse(header string, size int64) (*Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	unit, set, ok := strings.Cut(header, "=")
	if !ok || strings.TrimSpace(unit) != "bytes" {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, header)
	}
	set, _, _ = strings.Cut(set, ",")
	set = strings.TrimSpace(set)

	first, last, ok := strings.Cut(set, "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, header)
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	// Suffix form: bytes=-N means the final N bytes.
	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, header)
		}
		if n == 0 || size == 0 {
			return nil, ErrUnsatisfiable
		}
		if n > size {
			n = size
		}
		return &Range{Start: size - n, End: size - 1, Size: size}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, header)
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, header)
		}
	}

	if start >= size {
		return nil, ErrUnsatisfiable
	}
	if end > size-1 {
		end = size - 1
	}
	return &Range{Start: start, End: end, Size: size}, nil
}
