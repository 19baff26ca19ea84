package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
)

// inProcessTransport serves requests straight from a handler, so API tests
// need no listener.
type inProcessTransport struct {
	handler http.Handler
}

func (rt *inProcessTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

// NewInProcessClient returns a client whose requests are answered by
// handler. Responses are buffered, so use StreamRecorder for event streams.
func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &inProcessTransport{handler: handler}}
}

// StreamRecorder is a ResponseWriter whose body can be read while the
// handler is still writing. Flushes are counted so tests can check that
// frames are pushed as they are produced.
type StreamRecorder struct {
	HeaderMap http.Header
	Code      int
	Body      io.ReadCloser

	writer      io.WriteCloser
	wroteHeader bool
	flushes     atomic.Int64
}

func NewStreamRecorder() *StreamRecorder {
	r, w := io.Pipe()
	return &StreamRecorder{
		HeaderMap: make(http.Header),
		Code:      http.StatusOK,
		Body:      r,
		writer:    w,
	}
}

func (sr *StreamRecorder) Header() http.Header {
	return sr.HeaderMap
}

func (sr *StreamRecorder) WriteHeader(statusCode int) {
	if sr.wroteHeader {
		return
	}
	sr.wroteHeader = true
	sr.Code = statusCode
}

func (sr *StreamRecorder) Write(p []byte) (int, error) {
	sr.WriteHeader(http.StatusOK)
	return sr.writer.Write(p)
}

func (sr *StreamRecorder) Flush() {
	sr.flushes.Add(1)
}

func (sr *StreamRecorder) Flushes() int64 {
	return sr.flushes.Load()
}

// Close ends the body so readers see EOF once the handler returns.
func (sr *StreamRecorder) Close() error {
	return sr.writer.Close()
}

// NewStreamRequest builds a GET for an event stream path. A non-empty
// lastEventID is sent the way a reconnecting EventSource sends it.
func NewStreamRequest(path, lastEventID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "http://in-process"+path, bytes.NewReader(nil))
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	return req
}
