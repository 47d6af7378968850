package httpapi

import (
	"strconv"
	"strings"

	"github.com/maatini/unistore/internal/store"
)

// byteRange is a resolved byte range within an object of known size.
type byteRange struct {
	offset int64
	length int64
}

// parseRange resolves a Range header against the object size. Supported
// forms are bytes=a-b, bytes=a- and bytes=-n (suffix). Multipart ranges are
// not supported.
func parseRange(header string, size int64) (byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return byteRange{}, store.Validation("unsupported range unit: %s", header)
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return byteRange{}, store.Validation("multipart ranges are not supported")
	}

	start, end, found := strings.Cut(spec, "-")
	if !found {
		return byteRange{}, store.Validation("malformed range: %s", header)
	}

	// Suffix form: last n bytes.
	if start == "" {
		n, err := strconv.ParseInt(end, 10, 64)
		if err != nil || n < 0 {
			return byteRange{}, store.Validation("malformed range: %s", header)
		}
		if n == 0 {
			return byteRange{}, store.UnsatisfiableRange("suffix range of zero bytes")
		}
		if n > size {
			n = size
		}
		return byteRange{offset: size - n, length: n}, nil
	}

	offset, err := strconv.ParseInt(start, 10, 64)
	if err != nil || offset < 0 {
		return byteRange{}, store.Validation("malformed range: %s", header)
	}
	if offset >= size {
		return byteRange{}, store.UnsatisfiableRange("range start %d beyond object size %d", offset, size)
	}

	// Open-ended form: from offset to the end.
	if end == "" {
		return byteRange{offset: offset, length: size - offset}, nil
	}

	last, err := strconv.ParseInt(end, 10, 64)
	if err != nil || last < offset {
		return byteRange{}, store.Validation("malformed range: %s", header)
	}
	if last >= size {
		last = size - 1
	}
	return byteRange{offset: offset, length: last - offset + 1}, nil
}
