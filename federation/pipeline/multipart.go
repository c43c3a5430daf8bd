package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// multipartBoundary is the fixed boundary value every GraphQL multipart
// response protocol spec.md §6 names uses ("boundary=graphql").
const multipartBoundary = "graphql"

// MultipartKind selects which of the two multipart/mixed content types
// a StreamWriter announces: incremental @defer payloads, or
// subscription event payloads delivered over plain HTTP instead of a
// WebSocket/callback transport.
type MultipartKind int

const (
	MultipartDefer MultipartKind = iota
	MultipartSubscription
)

func (k MultipartKind) contentType() string {
	switch k {
	case MultipartSubscription:
		return fmt.Sprintf(`multipart/mixed; boundary=%s; subscriptionSpec=1.0`, multipartBoundary)
	default:
		return fmt.Sprintf(`multipart/mixed; boundary=%s; deferSpec=20220824`, multipartBoundary)
	}
}

// StreamWriter incrementally writes a multipart/mixed response body:
// one part per @defer payload or subscription event, following the
// wire framing both protocols in spec.md §6 share. The first call to
// WritePart sends the response headers and status; subsequent chunks
// are written as further parts on the same connection, flushed as they
// are produced.
type StreamWriter struct {
	w           http.ResponseWriter
	flusher     http.Flusher
	kind        MultipartKind
	startedResp bool
}

// NewStreamWriter returns a StreamWriter of the given kind writing to w.
// w must implement http.Flusher for chunks to actually reach the client
// incrementally rather than only when the handler returns.
func NewStreamWriter(w http.ResponseWriter, kind MultipartKind) *StreamWriter {
	flusher, _ := w.(http.Flusher)
	return &StreamWriter{w: w, flusher: flusher, kind: kind}
}

// WritePart writes payload (marshaled to JSON) as the next part. hasNext
// announces whether a further part will follow; when false, WritePart
// also writes the terminating boundary, and no further call should be
// made.
func (s *StreamWriter) WritePart(payload interface{}, hasNext bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pipeline: failed to marshal multipart chunk: %w", err)
	}

	if !s.startedResp {
		s.w.Header().Set("Content-Type", s.kind.contentType())
		s.w.Header().Set("Transfer-Encoding", "chunked")
		s.w.WriteHeader(http.StatusOK)
		s.startedResp = true
	}

	if _, err := fmt.Fprintf(s.w, "--%s\r\nContent-Type: application/json; charset=utf-8\r\n\r\n%s\r\n", multipartBoundary, body); err != nil {
		return err
	}
	if !hasNext {
		if _, err := fmt.Fprintf(s.w, "--%s--\r\n", multipartBoundary); err != nil {
			return err
		}
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
