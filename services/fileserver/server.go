package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lgreene/gravix-files/pkg/filestore"
	"github.com/lgreene/gravix-files/pkg/storage"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filestore_requests_total",
			Help: "Total number of file API requests.",
		},
		[]string{"op", "status"},
	)
	uploadSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filestore_upload_size_bytes",
			Help:    "Size of uploaded files.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 7),
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(uploadSizeBytes)
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

// tokenVerifier is implemented by backends that serve their own presigned URLs.
type tokenVerifier interface {
	VerifyToken(key, token string) error
}

type server struct {
	files     filestore.FileProvider
	backend   storage.Backend
	verifier  tokenVerifier
	logger    *slog.Logger
	apiKey    string
	maxUpload int64
}

func newServer(p *filestore.Provider, logger *slog.Logger, apiKey string, maxUpload int64) *server {
	s := &server{
		files:     p,
		backend:   p.Backend(),
		logger:    logger,
		apiKey:    apiKey,
		maxUpload: maxUpload,
	}
	if v, ok := s.backend.(tokenVerifier); ok {
		s.verifier = v
	}
	return s
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("up"))
	})
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1/files", func(r chi.Router) {
		r.Use(apiKeyAuth(s.apiKey))
		r.Post("/", s.handleUpload)
		r.Delete("/{key}", s.handleDelete)
		r.Get("/{key}", s.handleDownload)
		r.Get("/{key}/url", s.handlePresign)
	})

	if s.verifier != nil {
		r.Get("/files/*", s.handleSigned)
	}
	return r
}

// apiKeyAuth checks the X-API-Key header when a key is configured.
func apiKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" && r.Header.Get("X-API-Key") != apiKey {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start),
				"request_id", chiMiddleware.GetReqID(r.Context()),
			)
		})
	}
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.backend.Exists(ctx, ".ready"); err != nil {
		s.logger.Warn("readiness probe failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// handleUpload streams the multipart "file" field straight into the provider.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	mr, err := r.MultipartReader()
	if err != nil {
		s.respondError(w, "upload", http.StatusBadRequest, "expected multipart/form-data body")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			s.respondError(w, "upload", http.StatusBadRequest, `missing "file" field`)
			return
		}
		if err != nil {
			s.respondError(w, "upload", statusForBodyError(err), "invalid multipart body")
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		body := &countingReader{r: part}
		res, err := s.files.Upload(r.Context(), filestore.UploadInput{
			Filename: part.FileName(),
			Content:  body,
			MimeType: part.Header.Get("Content-Type"),
		})
		part.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.respondError(w, "upload", http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			s.respondStorageError(w, "upload", err)
			return
		}

		uploadSizeBytes.Observe(float64(body.n))
		requestsTotal.WithLabelValues("upload", "201").Inc()
		writeJSON(w, http.StatusCreated, res)
		return
	}
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.files.Delete(r.Context(), keyParam(r, "key")); err != nil {
		s.respondStorageError(w, "delete", err)
		return
	}
	requestsTotal.WithLabelValues("delete", "204").Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleDownload streams the object; ?buffer=1 reads it fully first.
func (s *server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r, "key")
	if buffered, _ := strconv.ParseBool(r.URL.Query().Get("buffer")); buffered {
		data, err := s.files.GetAsBuffer(r.Context(), key)
		if err != nil {
			s.respondStorageError(w, "get_buffer", err)
			return
		}
		w.Header().Set("Content-Type", contentTypeFor(key))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		requestsTotal.WithLabelValues("get_buffer", "200").Inc()
		_, _ = w.Write(data)
		return
	}
	s.stream(w, r, "get_stream", key)
}

func (s *server) handlePresign(w http.ResponseWriter, r *http.Request) {
	u, err := s.files.GetPresignedDownloadURL(r.Context(), keyParam(r, "key"))
	if err != nil {
		s.respondStorageError(w, "presign", err)
		return
	}
	requestsTotal.WithLabelValues("presign", "200").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

// handleSigned serves objects addressed by a presigned URL of the local backend.
func (s *server) handleSigned(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r, "*")
	if err := s.verifier.VerifyToken(key, r.URL.Query().Get("token")); err != nil {
		s.respondError(w, "signed_get", http.StatusForbidden, "invalid or expired token")
		return
	}
	s.stream(w, r, "signed_get", key)
}

func (s *server) stream(w http.ResponseWriter, r *http.Request, op, key string) {
	rc, err := s.files.GetDownloadStream(r.Context(), key)
	if err != nil {
		s.respondStorageError(w, op, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypeFor(key))
	requestsTotal.WithLabelValues(op, "200").Inc()
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are already sent.
		s.logger.Warn("download interrupted", "key", key, "error", err)
	}
}

func (s *server) respondStorageError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	s.respondError(w, op, status, http.StatusText(status))
}

func (s *server) respondError(w http.ResponseWriter, op string, status int, msg string) {
	requestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
	writeError(w, status, msg)
}

// statusFor maps provider errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrPresignUnsupported):
		return http.StatusNotImplemented
	case filestore.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest
	case filestore.IsConfiguration(err):
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func statusForBodyError(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// keyParam returns a route parameter decoded to the stored key. chi matches on
// the escaped path whenever the request carried a non-canonical escaping.
func keyParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
