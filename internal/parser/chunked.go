package parser

import (
	"bytes"
	"fmt"
	"strconv"
)

// DecodeChunked decodes an HTTP/1.1 chunked transfer body that may be
// truncated mid-chunk because it is still streaming. It walks
// `<hex-length>\r\n<bytes>\r\n` sections and stops as soon as a chunk header
// or chunk body is only partially present: a partial chunk is never consumed,
// so a later call over the grown buffer re-reads it whole.
//
// It returns the decoded payload so far and whether the terminating
// `0\r\n\r\n` marker was seen.
func DecodeChunked(data []byte) (decoded []byte, done bool) {
	rest := data
	for {
		idx := bytes.Index(rest, []byte("\r\n"))
		if idx < 0 {
			// Chunk size line not complete yet.
			return decoded, false
		}
		sizeLine := rest[:idx]
		// Chunk extensions after ';' are ignored.
		if semi := bytes.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		size, err := strconv.ParseUint(string(bytes.TrimSpace(sizeLine)), 16, 63)
		if err != nil {
			// Malformed size line; treat the remainder as undecodable.
			return decoded, false
		}
		if size == 0 {
			// Body complete once the trailing CRLF (or a trailer section
			// ending in CRLF) arrives.
			tail := rest[idx+2:]
			return decoded, bytes.Contains(tail, []byte("\r\n"))
		}
		body := rest[idx+2:]
		if uint64(len(body)) < size+2 {
			// Chunk data (or its trailing CRLF) not fully received.
			return decoded, false
		}
		decoded = append(decoded, body[:size]...)
		rest = body[size+2:]
	}
}

// EncodeChunked encodes data as an HTTP/1.1 chunked body using chunks of at
// most chunkSize bytes, ending with the `0\r\n\r\n` terminator.
func EncodeChunked(data []byte, chunkSize int) []byte {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	var out bytes.Buffer
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		fmt.Fprintf(&out, "%x\r\n", n)
		out.Write(data[:n])
		out.WriteString("\r\n")
		data = data[n:]
	}
	out.WriteString("0\r\n\r\n")
	return out.Bytes()
}
