package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/yardworks/duelyard/duelyard/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"

	// headerToken carries the caller's API token.
	headerToken = "X-Duelyard-Token"

	// headerWorkerID names the worker behind a shared-secret request.
	headerWorkerID = "X-Duelyard-Worker-Id"
)

// HTTPServer wraps an Agent and exposes it over an HTTP interface.
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string
}

// NewHTTPServer starts a new HTTP server over the agent.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", config.BindAddr, config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %w", err)
	}

	srv := &HTTPServer{
		agent:      agent,
		mux:        http.NewServeMux(),
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers(config.EnableDebug)

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, srv.mux)
	}()

	return srv, nil
}

// Shutdown stops the listener and waits for the serve loop to exit.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh
	}
}

// registerHandlers attaches the handlers to the mux.
func (s *HTTPServer) registerHandlers(enableDebug bool) {
	s.mux.HandleFunc("/v1/jobs", s.wrap(s.JobsRequest))
	s.mux.HandleFunc("/v1/jobs/", s.wrap(s.JobSpecificRequest))

	s.mux.HandleFunc("/v1/tasks/", s.wrap(s.TasksRequest))

	s.mux.HandleFunc("/v1/workers", s.wrap(s.WorkersRequest))
	s.mux.HandleFunc("/v1/workers/heartbeat", s.wrap(s.WorkerHeartbeatRequest))
	s.mux.HandleFunc("/v1/workers/", s.wrap(s.WorkerSpecificRequest))

	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.HealthRequest))
	s.mux.HandleFunc("/v1/metrics", s.wrap(s.MetricsRequest))

	if enableDebug {
		s.mux.HandleFunc("/debug/pprof/", pprof.Index)
		s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
}

// HTTPCodedError is used to provide the HTTP error code
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// errCodeFor maps the core's sentinel errors to HTTP status codes.
func errCodeFor(err error) int {
	switch {
	case errors.Is(err, structs.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, structs.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, structs.ErrJobNotFound),
		errors.Is(err, structs.ErrSimNotFound),
		errors.Is(err, structs.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, structs.ErrInvalidTransition),
		errors.Is(err, structs.ErrJobTerminal),
		errors.Is(err, structs.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, structs.ErrTooManyRequests):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// wrap turns an (obj, error) handler into an http.HandlerFunc with error
// mapping and JSON encoding.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL,
				"duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code := errCodeFor(err)
			if coded, ok := err.(HTTPCodedError); ok {
				code = coded.Code()
			}
			s.logger.Error("request failed", "method", req.Method, "path", reqURL,
				"error", err, "code", code)
			resp.WriteHeader(code)
			resp.Write([]byte(err.Error()))
			return
		}
		if obj == nil {
			return
		}

		handle := structs.JsonHandle
		if v, ok := req.URL.Query()["pretty"]; ok {
			if len(v) > 0 && (len(v[0]) == 0 || v[0] != "0") {
				handle = structs.JsonHandlePretty
			}
		}

		var buf bytes.Buffer
		if err := codec.NewEncoder(&buf, handle).Encode(obj); err != nil {
			s.logger.Error("response encoding failed", "path", reqURL, "error", err)
			resp.WriteHeader(http.StatusInternalServerError)
			resp.Write([]byte(err.Error()))
			return
		}
		resp.Header().Set("Content-Type", "application/json")
		resp.Write(buf.Bytes())
	}
}

// decodeBody decodes a JSON request body.
func decodeBody(req *http.Request, out interface{}) error {
	if req.Body == nil || req.Body == http.NoBody {
		return CodedError(http.StatusBadRequest, "request body is required")
	}
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(out); err != nil {
		return CodedError(http.StatusBadRequest, fmt.Sprintf("failed to decode body: %v", err))
	}
	return nil
}

// resolveCaller authenticates the request. The worker shared secret is
// accepted as a worker credential; everything else goes through the token
// table.
func (s *HTTPServer) resolveCaller(req *http.Request) (*structs.Caller, error) {
	token := req.Header.Get(headerToken)
	if token == "" {
		return nil, CodedError(http.StatusUnauthorized, "missing "+headerToken+" header")
	}

	if secret := s.agent.server.Config().WorkerSharedSecret; secret != "" && token == secret {
		id := req.Header.Get(headerWorkerID)
		if id == "" {
			id = "worker"
		}
		return &structs.Caller{ID: id, Role: structs.RoleWorker}, nil
	}

	if identity, ok := s.agent.config.Tokens[token]; ok {
		return &structs.Caller{ID: identity.ID, Role: identity.Role}, nil
	}
	return nil, CodedError(http.StatusUnauthorized, "invalid token")
}

// pathTail strips prefix from the request path, returning the remainder
// split on "/".
func pathTail(req *http.Request, prefix string) []string {
	tail := strings.TrimPrefix(req.URL.Path, prefix)
	tail = strings.Trim(tail, "/")
	if tail == "" {
		return nil
	}
	return strings.Split(tail, "/")
}
