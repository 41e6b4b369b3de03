package streamproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/parser"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/streambus"
)

// observeMarker selects which tunneled requests get their responses parsed:
// the provider's streaming generate RPC.
const observeMarker = "GenerateContent"

// publishTimeout bounds how long an error-frame publish may block.
const publishTimeout = 10 * time.Second

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 4096

// observedTunnel pumps one intercepted TLS bridge. The client→upstream flow
// replays requests (through the rewrite hook) and records which of them
// target the generate RPC; the upstream→client flow mirrors response bytes
// back to the browser and feeds observed response bodies to the parser,
// publishing every changed frame to the stream bus.
type observedTunnel struct {
	proxy *Proxy
	host  string

	// observed queues one entry per in-flight request, in order, telling
	// the response reader whether to parse that response.
	observed chan bool
}

func newObservedTunnel(p *Proxy, host string) *observedTunnel {
	return &observedTunnel{
		proxy:    p,
		host:     host,
		observed: make(chan bool, 16),
	}
}

func (t *observedTunnel) pump(client, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		t.pumpRequests(client, upstream)
		done <- struct{}{}
	}()
	go func() {
		t.pumpResponses(upstream, client)
		done <- struct{}{}
	}()

	<-done
	_ = client.Close()
	_ = upstream.Close()
	<-done
}

// pumpRequests replays tunneled requests upstream, one at a time, noting
// which ones target the generate RPC.
func (t *observedTunnel) pumpRequests(client, upstream net.Conn) {
	reader := bufio.NewReader(client)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				log.Debugf("stream proxy: %s tunnel request read ended: %v", t.host, err)
			}
			close(t.observed)
			return
		}
		req = t.proxy.filter(req)

		observe := strings.Contains(req.URL.Path, observeMarker)
		select {
		case t.observed <- observe:
		default:
			// Pipeline deeper than the queue; treat the overflow as
			// unobserved rather than stalling the browser.
			log.Warnf("stream proxy: %s request pipeline overflow", t.host)
		}

		if err = req.Write(upstream); err != nil {
			log.Debugf("stream proxy: %s tunnel request replay failed: %v", t.host, err)
			return
		}
	}
}

// pumpResponses mirrors upstream responses to the browser, parsing the ones
// whose request was marked observed.
func (t *observedTunnel) pumpResponses(upstream, client net.Conn) {
	reader := bufio.NewReader(upstream)
	for {
		status, headers, rawHeader, err := readResponseHeader(reader)
		if err != nil {
			if err != io.EOF {
				log.Debugf("stream proxy: %s tunnel response read ended: %v", t.host, err)
			}
			return
		}
		if _, err = client.Write(rawHeader); err != nil {
			return
		}

		observe := false
		select {
		case o, ok := <-t.observed:
			if ok {
				observe = o
			}
		default:
		}

		var observer *responseObserver
		if observe {
			observer = newResponseObserver(t.proxy.bus, status)
		}
		if err = relayBody(reader, client, status, headers, observer); err != nil {
			if observer != nil {
				observer.abort(err)
			}
			log.Debugf("stream proxy: %s tunnel body relay ended: %v", t.host, err)
			return
		}
		if observer != nil {
			observer.finish()
		}
	}
}

// readResponseHeader reads the status line and header block raw, returning
// the parsed status code, the parsed headers, and the raw bytes to forward.
func readResponseHeader(reader *bufio.Reader) (int, http.Header, []byte, error) {
	var raw bytes.Buffer
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return 0, nil, nil, err
	}
	raw.WriteString(statusLine)

	fields := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(fields) < 2 {
		return 0, nil, nil, fmt.Errorf("malformed status line %q", strings.TrimSpace(statusLine))
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("malformed status code in %q", strings.TrimSpace(statusLine))
	}

	headers := make(http.Header)
	for {
		line, errLine := reader.ReadString('\n')
		if errLine != nil {
			return 0, nil, nil, errLine
		}
		raw.WriteString(line)
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		if name, value, found := strings.Cut(trimmed, ":"); found {
			headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
	return status, headers, raw.Bytes(), nil
}

// relayBody forwards one response body, streaming each read straight to the
// client and optionally into the observer. Chunked bodies are walked
// chunk-by-chunk so the response boundary is known without consuming the
// next response.
func relayBody(reader *bufio.Reader, client net.Conn, status int, headers http.Header, observer *responseObserver) error {
	if status == http.StatusNoContent || status == http.StatusNotModified || status/100 == 1 {
		return nil
	}
	if strings.EqualFold(headers.Get("Transfer-Encoding"), "chunked") {
		return relayChunked(reader, client, observer)
	}
	if lengthStr := headers.Get("Content-Length"); lengthStr != "" {
		length, err := strconv.ParseInt(lengthStr, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed Content-Length %q", lengthStr)
		}
		return relayExact(reader, client, length, observer)
	}
	// Close-delimited body: relay until EOF.
	return relayExact(reader, client, -1, observer)
}

func relayChunked(reader *bufio.Reader, client net.Conn, observer *responseObserver) error {
	for {
		sizeLine, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if err = relayRaw(client, []byte(sizeLine), observer); err != nil {
			return err
		}
		sizeField := strings.TrimSpace(sizeLine)
		if semi := strings.IndexByte(sizeField, ';'); semi >= 0 {
			sizeField = sizeField[:semi]
		}
		size, err := strconv.ParseUint(sizeField, 16, 63)
		if err != nil {
			return fmt.Errorf("malformed chunk size %q", sizeField)
		}

		// Chunk data plus trailing CRLF; for the terminal chunk this is the
		// empty trailer section.
		remaining := size + 2
		buf := make([]byte, 4096)
		for remaining > 0 {
			n := uint64(len(buf))
			if n > remaining {
				n = remaining
			}
			read, errRead := io.ReadFull(reader, buf[:n])
			if errRead != nil {
				return errRead
			}
			if err = relayRaw(client, buf[:read], observer); err != nil {
				return err
			}
			remaining -= uint64(read)
		}
		if size == 0 {
			return nil
		}
	}
}

func relayExact(reader *bufio.Reader, client net.Conn, length int64, observer *responseObserver) error {
	buf := make([]byte, 4096)
	var copied int64
	for length < 0 || copied < length {
		n := int64(len(buf))
		if length >= 0 && length-copied < n {
			n = length - copied
		}
		read, err := reader.Read(buf[:n])
		if read > 0 {
			if errRelay := relayRaw(client, buf[:read], observer); errRelay != nil {
				return errRelay
			}
			copied += int64(read)
		}
		if err != nil {
			if err == io.EOF && length < 0 {
				return nil
			}
			if err == io.EOF && copied >= length {
				return nil
			}
			return err
		}
	}
	return nil
}

func relayRaw(client net.Conn, data []byte, observer *responseObserver) error {
	if _, err := client.Write(data); err != nil {
		return err
	}
	if observer != nil {
		observer.observe(data)
	}
	return nil
}

// responseObserver accumulates one observed response's wire bytes, reparses
// the buffer after every append, and publishes each changed frame. Frames
// are only published once the response produced content, so unrelated empty
// responses never pollute the bus.
type responseObserver struct {
	bus    *streambus.Bus
	status int

	wire      []byte
	published streambus.Frame
	haveAny   bool
	errored   bool
}

func newResponseObserver(bus *streambus.Bus, status int) *responseObserver {
	return &responseObserver{bus: bus, status: status}
}

func (o *responseObserver) observe(data []byte) {
	o.wire = append(o.wire, data...)

	if o.status/100 != 2 {
		// Error responses are published once, at finish, with the body text.
		return
	}

	frame, err := parser.Parse(o.wire)
	if err != nil {
		log.Debugf("stream proxy: response parse failed: %v", err)
		return
	}
	o.maybePublish(frame)
}

func (o *responseObserver) maybePublish(frame streambus.Frame) {
	hasContent := frame.Body != "" || frame.Reason != "" || len(frame.Functions) > 0
	if !hasContent && !(frame.Done && o.haveAny) {
		return
	}
	if frame.Equal(o.published) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if o.bus.Publish(ctx, frame) {
		o.published = frame
		o.haveAny = true
	}
}

// finish publishes the terminal state of the response: an error frame for
// non-2xx upstream statuses, or the final done frame if the parser saw the
// body-complete marker.
func (o *responseObserver) finish() {
	if o.errored {
		return
	}
	if o.status/100 != 2 {
		o.errored = true
		message := strings.TrimSpace(decodeErrorBody(o.wire))
		if len(message) > maxErrorBody {
			message = message[:maxErrorBody]
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		o.bus.Publish(ctx, streambus.Frame{Done: true, Error: &streambus.FrameError{Status: o.status, Message: message}})
		return
	}
	frame, err := parser.Parse(o.wire)
	if err != nil {
		return
	}
	o.maybePublish(frame)
}

// abort reports a mid-body relay failure for an observed response.
func (o *responseObserver) abort(cause error) {
	if o.errored || !o.haveAny {
		return
	}
	o.errored = true
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	o.bus.Publish(ctx, streambus.Frame{Done: true, Error: &streambus.FrameError{Status: 502, Message: fmt.Sprintf("upstream stream interrupted: %v", cause)}})
}

// decodeErrorBody tries to render an error body as text, undoing chunked
// framing and compression when present.
func decodeErrorBody(wire []byte) string {
	decoded, _ := parser.DecodeChunked(wire)
	if len(decoded) == 0 {
		decoded = wire
	}
	if inflated, err := parser.Inflate(decoded); err == nil && len(inflated) > 0 {
		return string(inflated)
	}
	return string(decoded)
}
