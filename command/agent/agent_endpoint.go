package agent

import (
	"net/http"
)

// HealthRequest is the unauthenticated liveness check.
func (s *HTTPServer) HealthRequest(_ http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	return map[string]bool{"ok": true}, nil
}

// MetricsRequest dumps the in-memory telemetry sink.
func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	return s.agent.inmemSink.DisplayMetrics(resp, req)
}
