package parser

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
)

// Inflate decompresses the decoded chunk payload. The provider serves the
// body as a deflate stream whose two leading bytes identify the variant:
// 0x1f8b marks gzip, a zlib magic marks zlib, anything else is treated as a
// raw deflate stream. Because the stream is observed mid-flight, truncated
// tails are expected: whatever inflated cleanly before the truncation is
// returned and the truncation error is swallowed.
func Inflate(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var reader io.ReadCloser
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		// Tolerate a missing trailer on a still-streaming body.
		gz.Multistream(false)
		reader = gz
	case len(data) >= 2 && data[0] == 0x78 && isZlibFlag(data[1]):
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		reader = zr
	default:
		reader = flate.NewReader(bytes.NewReader(data))
	}
	defer func() {
		_ = reader.Close()
	}()

	out, err := io.ReadAll(reader)
	if err != nil && !isTruncationError(err) {
		if len(out) > 0 {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

// isZlibFlag validates the zlib FLG byte: the 16-bit header must be a
// multiple of 31 for CMF 0x78.
func isZlibFlag(flg byte) bool {
	return (uint16(0x78)<<8|uint16(flg))%31 == 0
}

// isTruncationError reports whether err is the kind of failure an incomplete
// stream tail produces.
func isTruncationError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var corrupt flate.CorruptInputError
	return errors.As(err, &corrupt)
}
