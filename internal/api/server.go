// Package api exposes the store over HTTP under /api/v1.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aweris/cafsd/internal/access"
	"github.com/aweris/cafsd/internal/batch"
	"github.com/aweris/cafsd/internal/blobs"
	"github.com/aweris/cafsd/internal/cleanup"
	"github.com/aweris/cafsd/internal/compression"
	"github.com/aweris/cafsd/internal/contentid"
	"github.com/aweris/cafsd/internal/lastaccess"
	"github.com/aweris/cafsd/internal/metrics"
	"github.com/aweris/cafsd/internal/model"
	"github.com/aweris/cafsd/internal/objects"
	"github.com/aweris/cafsd/internal/refs"
)

const (
	Prefix = "/api/v1"

	HeaderHash      = "X-Cafs-Hash"
	HeaderRequestID = "X-Request-Id"
	metaHeaderPref  = "X-Cafs-Meta-"

	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
	contentTypeCFSZ   = "application/x-cafs-compressed"
	contentTypeBatch  = "application/x-cafs-batch"

	DefaultMaxBody       = 2 << 30
	DefaultUploadTimeout = 5 * time.Minute
	retryAfterSeconds    = "1"
)

// Deps are the services the API serves.
type Deps struct {
	Blobs      *blobs.Service
	ContentIDs *contentid.Index
	Resolver   *objects.Resolver
	Refs       *refs.Service
	Batch      *batch.Facade
	Rollup     *lastaccess.Rollup
	Cleaner    *cleanup.Cleaner
	Compressor *compression.Compressor
	Gate       access.Gate
	Metrics    metrics.Metrics
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer

	UploadTimeout time.Duration
	MaxBody       int64
}

// Server is the HTTP front of the store.
type Server struct {
	Deps
	router *httprouter.Router
}

func New(d Deps) *Server {
	if d.Gate == nil {
		d.Gate = access.AllowAll{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	if d.MaxBody <= 0 {
		d.MaxBody = DefaultMaxBody
	}
	if d.UploadTimeout <= 0 {
		d.UploadTimeout = DefaultUploadTimeout
	}
	s := &Server{Deps: d, router: httprouter.New()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.handle(http.MethodHead, "/blobs/:ns/:id", s.headBlob)
	s.handle(http.MethodGet, "/blobs/:ns/:id", s.getBlob)
	s.handle(http.MethodPut, "/blobs/:ns/:id", s.putBlob)
	s.handle(http.MethodPost, "/blobs/:ns", s.postBlob)
	s.handle(http.MethodPost, "/blobs/:ns/exists", s.existsBlobs)
	s.handle(http.MethodGet, "/blobs/:ns/:id/references", s.blobReferences)

	s.handle(http.MethodGet, "/compressed-blobs/:ns/:id", s.getCompressed)
	s.handle(http.MethodPut, "/compressed-blobs/:ns/:id", s.putCompressed)
	s.handle(http.MethodPost, "/compressed-blobs/:ns", s.postCompressed)
	s.handle(http.MethodGet, "/content-id/:ns/:id", s.resolveContentID)
	s.handle(http.MethodPut, "/content-id/:ns/:id/update/:blob/:weight", s.updateContentID)

	s.handle(http.MethodGet, "/refs/:ns/:bucket/:key", s.getRef)
	s.handle(http.MethodHead, "/refs/:ns/:bucket/:key", s.headRef)
	s.handle(http.MethodPut, "/refs/:ns/:bucket/:key", s.putRef)
	s.handle(http.MethodPut, "/refs/:ns/:bucket/:key/indirect", s.putRefIndirect)
	s.handle(http.MethodDelete, "/refs/:ns/:bucket/:key", s.deleteRef)
	s.handle(http.MethodDelete, "/refs/:ns/:bucket", s.deleteBucket)
	s.handle(http.MethodDelete, "/refs/:ns", s.deleteNamespace)
	s.handle(http.MethodGet, "/refs/:ns/:bucket", s.listRefs)

	s.handle(http.MethodPost, "/batch", s.executeBatch)
	s.handle(http.MethodPost, "/batch/get", s.streamBatch)

	s.handle(http.MethodPost, "/admin/rollup", s.forceRollup)
	s.handle(http.MethodPost, "/admin/cleanup/:ns", s.forceCleanup)

	s.router.GET("/health", s.health)
	if s.Gatherer != nil {
		s.router.Handler(http.MethodGet, "/metrics", metrics.Handler(s.Gatherer))
	}
}

// handle registers h under the API prefix with request id, logging,
// metrics and authentication applied.
func (s *Server) handle(method, path string, h httprouter.Handle) {
	route := Prefix + path
	s.router.Handle(method, route, s.instrument(route, s.withPrincipal(h)))
}

func (s *Server) instrument(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		start := time.Now()
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)

		logger := log.With().Str("request_id", reqID).Str("method", r.Method).Str("route", route).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, p)

		elapsed := time.Since(start)
		s.Metrics.ObserveRequest(r.Method, route, http.StatusText(rec.status), elapsed.Seconds())
		logger.Debug().Int("status", rec.status).Dur("elapsed", elapsed).Msg("request served")
	}
}

func (s *Server) withPrincipal(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		principal, err := s.Gate.Authenticate(bearerToken(r.Header.Get("Authorization")))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r.WithContext(access.WithPrincipal(r.Context(), principal)), p)
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// allow checks the caller against the access gate.
func (s *Server) allow(r *http.Request, ns model.NamespaceID, actions ...access.Action) error {
	return s.Gate.Check(access.PrincipalFrom(r.Context()), ns, actions...)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readBody reads the request body under the upload deadline and size limit.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	// Recorders used in tests do not support deadlines; the limit still applies.
	_ = http.NewResponseController(w).SetReadDeadline(time.Now().Add(s.UploadTimeout))
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.MaxBody))
	if err == nil {
		return data, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, model.ErrClientTooSlow
	}
	return nil, err
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	data, err := s.readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &badRequest{msg: "invalid JSON body: " + err.Error()}
	}
	return nil
}

type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, problem := model.ProblemFor(err)

	var (
		tooLarge *http.MaxBytesError
		bad      *badRequest
	)
	switch {
	case errors.As(err, &tooLarge), errors.Is(err, compression.ErrTooLarge):
		status, problem.Title = http.StatusRequestEntityTooLarge, "PayloadTooLarge"
	case errors.As(err, &bad):
		status, problem.Title = http.StatusBadRequest, "BadRequest"
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	logger := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, problem)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func namespaceParam(p httprouter.Params) (model.NamespaceID, error) {
	return model.ParseNamespace(p.ByName("ns"))
}

func refParam(p httprouter.Params) (model.RefName, error) {
	ns, err := model.ParseNamespace(p.ByName("ns"))
	if err != nil {
		return model.RefName{}, err
	}
	bucket, err := model.ParseBucket(p.ByName("bucket"))
	if err != nil {
		return model.RefName{}, err
	}
	key, err := model.ParseKey(p.ByName("key"))
	if err != nil {
		return model.RefName{}, err
	}
	return model.RefName{Namespace: ns, Bucket: bucket, Key: key}, nil
}
