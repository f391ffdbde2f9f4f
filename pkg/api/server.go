package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kb-labs/runtime/pkg/degrade"
	"github.com/kb-labs/runtime/pkg/engine"
	"github.com/kb-labs/runtime/pkg/errdefs"
	"github.com/kb-labs/runtime/pkg/log"
	"github.com/kb-labs/runtime/pkg/metrics"
	"github.com/kb-labs/runtime/pkg/plugins"
	"github.com/kb-labs/runtime/pkg/pool"
	"github.com/kb-labs/runtime/pkg/trace"
	"github.com/kb-labs/runtime/pkg/types"
)

// Options wire the REST host.
type Options struct {
	Engine   *engine.Engine
	Registry *plugins.Registry
	Pool     *pool.Pool
	Traces   *trace.Store
	Degrade  *degrade.Controller
}

// Server is the REST host adapter. It translates HTTP requests on manifest
// routes into execution requests and renders the result envelope.
type Server struct {
	opts   Options
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the REST host over the execution façade.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:   opts,
		logger: log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(s.observe)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/plugins", s.listPlugins)
		r.Get("/workers", s.listWorkers)
		r.Get("/stats", s.stats)
		r.Get("/traces/{traceID}", s.getTrace)
		r.HandleFunc("/plugins/{pluginID}/*", s.dispatch)
	})

	s.router = r
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("REST host listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// observe records per-request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(started).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// dispatch routes a request on /v1/plugins/{pluginID}/* onto the matching
// manifest route and submits it to the execution façade.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := requestIDFor(r)

	pluginID := chi.URLParam(r, "pluginID")
	subpath := "/" + chi.URLParam(r, "*")
	version := r.URL.Query().Get("version")

	manifest, err := s.opts.Registry.Resolve(pluginID, version)
	if err != nil {
		writeErr(w, err, requestID, started)
		return
	}
	ref, ok := manifest.Route(r.Method, subpath)
	if !ok {
		writeErr(w, errdefs.Newf(errdefs.CodeHandlerNotFound, "plugin %s has no route %s %s", pluginID, r.Method, subpath).
			WithDetail("pluginId", pluginID), requestID, started)
		return
	}

	input, err := readInput(r)
	if err != nil {
		writeErr(w, errdefs.Wrap(err, errdefs.CodeValidation), requestID, started)
		return
	}

	req := &types.ExecutionRequest{
		Descriptor: &types.ContextDescriptor{
			HostType:      types.HostREST,
			PluginID:      manifest.ID,
			PluginVersion: manifest.Version,
			RequestID:     requestID,
			HandlerID:     ref.ID(),
			TenantID:      r.Header.Get("X-Tenant-Id"),
			Permissions:   manifest.Permissions,
			HostContext: types.HostContext{
				REST: &types.RESTHostContext{
					Method:  r.Method,
					Path:    subpath,
					Headers: r.Header,
				},
			},
		},
		PluginRoot: manifest.Root,
		HandlerRef: ref,
		Input:      input,
	}

	result, err := s.opts.Engine.Execute(r.Context(), req)
	if err != nil {
		writeErr(w, err, requestID, started)
		return
	}
	if !result.OK {
		writeErr(w, errdefs.FromJSON(result.Error), requestID, started)
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeOK(w, status, json.RawMessage(result.Data), requestID, started)
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := requestIDFor(r)

	type entry struct {
		ID      string   `json:"id"`
		Version string   `json:"version"`
		Routes  int      `json:"routes"`
		Caps    []string `json:"capabilities,omitempty"`
	}
	manifests := s.opts.Registry.List()
	out := make([]entry, 0, len(manifests))
	for _, m := range manifests {
		out = append(out, entry{ID: m.ID, Version: m.Version, Routes: len(m.Routes), Caps: m.Capabilities})
	}
	writeOK(w, http.StatusOK, out, requestID, started)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := requestIDFor(r)

	workers := []types.WorkerInfo{}
	if s.opts.Pool != nil {
		workers = s.opts.Pool.Workers()
	}
	writeOK(w, http.StatusOK, workers, requestID, started)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := requestIDFor(r)

	out := map[string]any{"degradation": "normal"}
	if s.opts.Degrade != nil {
		out["degradation"] = string(s.opts.Degrade.State())
		out["load"] = s.opts.Degrade.LastSample()
	}
	if s.opts.Pool != nil {
		out["pool"] = s.opts.Pool.Stats()
	}
	writeOK(w, http.StatusOK, out, requestID, started)
}

func (s *Server) getTrace(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := requestIDFor(r)

	if s.opts.Traces == nil {
		writeErr(w, errdefs.New(errdefs.CodeHandlerNotFound, "trace store not configured"), requestID, started)
		return
	}
	tr, err := s.opts.Traces.Load(chi.URLParam(r, "traceID"))
	if err != nil {
		writeErr(w, errdefs.Wrap(err, errdefs.CodeHandlerNotFound), requestID, started)
		return
	}
	writeOK(w, http.StatusOK, tr, requestID, started)
}

// requestIDFor honors an inbound correlation id, else mints one.
func requestIDFor(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.New().String()
}

// readInput builds the handler input: the JSON body when present, else the
// query string folded into an object.
func readInput(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		if !json.Valid(body) {
			return nil, errdefs.New(errdefs.CodeValidation, "request body is not valid JSON")
		}
		return body, nil
	}
	query := r.URL.Query()
	if len(query) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(query))
	for k, vs := range query {
		if k == "version" {
			continue
		}
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return json.Marshal(params)
}
