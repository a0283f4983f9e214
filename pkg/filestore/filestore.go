// Package filestore implements a backend-agnostic file storage provider with a
// fixed five-operation contract: upload, delete, fetch as buffer, fetch as
// stream and download URL. Backends come from the pkg/storage registry.
//
// Operations on distinct keys are independent. Concurrent operations on the
// same key (an upload racing a delete) resolve however the backend orders
// them; callers should not rely on any outcome.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lgreene/gravix-files/pkg/storage"
)

// FileProvider is the contract a hosting application programs against.
//
// Delete succeeds for any non-empty key whether or not the object exists. An
// empty key is never a valid object name and fails with ErrDelete wrapping
// storage.ErrInvalidKey.
type FileProvider interface {
	Upload(ctx context.Context, file UploadInput) (*FileResult, error)
	Delete(ctx context.Context, fileKey string) error
	GetAsBuffer(ctx context.Context, fileKey string) ([]byte, error)
	GetDownloadStream(ctx context.Context, fileKey string) (io.ReadCloser, error)
	GetPresignedDownloadURL(ctx context.Context, fileKey string) (string, error)
}

// UploadInput is a file handed over by the caller. Content is consumed once.
type UploadInput struct {
	Filename string
	Content  io.Reader
	MimeType string
}

// FileResult identifies a stored file. Key is all later operations need.
type FileResult struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Logger receives operational diagnostics. *slog.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Provider maps the FileProvider contract onto one storage.Backend.
type Provider struct {
	name          string
	backend       storage.Backend
	keys          KeyGenerator
	logger        Logger
	tracer        trace.Tracer
	presignTTL    time.Duration
	timeout       time.Duration
	allowUnsigned bool
}

var _ FileProvider = (*Provider)(nil)

// Option customizes New.
type Option func(*settings)

type settings struct {
	opener  storage.Opener
	backend storage.Backend
	keys    KeyGenerator
	logger  Logger
	tracer  trace.Tracer
}

// WithOpener replaces the registry lookup for the configured provider.
func WithOpener(open storage.Opener) Option {
	return func(s *settings) { s.opener = open }
}

// WithBackend uses an already constructed backend instead of opening one.
func WithBackend(b storage.Backend) Option {
	return func(s *settings) { s.backend = b }
}

func WithKeyGenerator(g KeyGenerator) Option {
	return func(s *settings) { s.keys = g }
}

func WithLogger(l Logger) Option {
	return func(s *settings) { s.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *settings) { s.tracer = t }
}

// New validates opts and then opens the backend once. Validation failures
// return an ErrConfiguration error before any backend code runs.
func New(ctx context.Context, opts Options, options ...Option) (*Provider, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	s := settings{
		keys:   UUIDKeys{},
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/lgreene/gravix-files/pkg/filestore"),
	}
	for _, o := range options {
		o(&s)
	}

	backend := s.backend
	if backend == nil {
		open := s.opener
		if open == nil {
			var err error
			if open, err = storage.Lookup(opts.provider()); err != nil {
				return nil, configError("provider: %w", err)
			}
		}
		var err error
		backend, err = open(ctx, opts.ContainerName, opts.ConnectionString)
		if err != nil {
			return nil, &Error{Kind: ErrConfiguration, Op: "open", Err: err}
		}
	}

	return &Provider{
		name:          opts.provider(),
		backend:       backend,
		keys:          s.keys,
		logger:        s.logger,
		tracer:        s.tracer,
		presignTTL:    opts.presignTTL(),
		timeout:       opts.OperationTimeout,
		allowUnsigned: opts.AllowUnsignedURLs,
	}, nil
}

// Name returns the provider identifier the backend was selected by.
func (p *Provider) Name() string { return p.name }

// Backend exposes the underlying backend for capability checks such as local token verification.
func (p *Provider) Backend() storage.Backend { return p.backend }

// Upload stores the content under a freshly generated key.
func (p *Provider) Upload(ctx context.Context, file UploadInput) (*FileResult, error) {
	ctx, span, cancel := p.begin(ctx, "upload", "")
	defer cancel()
	defer span.End()

	key, err := p.keys.Generate(file.Filename)
	if err != nil {
		return nil, p.fail(span, ErrWrite, "upload", file.Filename, err)
	}
	span.SetAttributes(attribute.String("filestore.key", key))

	content := file.Content
	if content == nil {
		content = bytes.NewReader(nil)
	}
	if err := p.backend.Put(ctx, key, content, file.MimeType); err != nil {
		return nil, p.fail(span, ErrWrite, "upload", key, err)
	}

	return &FileResult{Key: key, URL: p.backend.URL(key)}, nil
}

// Delete removes the object. Deleting a missing key succeeds; an empty key is
// rejected with storage.ErrInvalidKey.
func (p *Provider) Delete(ctx context.Context, fileKey string) error {
	ctx, span, cancel := p.begin(ctx, "delete", fileKey)
	defer cancel()
	defer span.End()

	if fileKey == "" {
		return p.fail(span, ErrDelete, "delete", fileKey, storage.ErrInvalidKey)
	}
	if err := p.backend.Delete(ctx, fileKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			span.SetAttributes(attribute.Bool("filestore.not_found", true))
			return nil
		}
		return p.fail(span, ErrDelete, "delete", fileKey, err)
	}
	return nil
}

// GetAsBuffer reads the whole object into memory. Callers bound the size.
func (p *Provider) GetAsBuffer(ctx context.Context, fileKey string) ([]byte, error) {
	ctx, span, cancel := p.begin(ctx, "get_buffer", fileKey)
	defer cancel()
	defer span.End()

	if fileKey == "" {
		return nil, p.fail(span, ErrRead, "get_buffer", fileKey, storage.ErrInvalidKey)
	}
	rc, err := p.backend.Get(ctx, fileKey)
	if err != nil {
		return nil, p.fail(span, ErrRead, "get_buffer", fileKey, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, p.fail(span, ErrRead, "get_buffer", fileKey, err)
	}
	span.SetAttributes(attribute.Int("filestore.size", len(data)))
	return data, nil
}

// GetDownloadStream opens the object for incremental reading. Errors while
// reading surface through the returned reader. Closing it releases the
// operation timeout.
func (p *Provider) GetDownloadStream(ctx context.Context, fileKey string) (io.ReadCloser, error) {
	ctx, span, cancel := p.begin(ctx, "get_stream", fileKey)
	defer span.End()

	if fileKey == "" {
		cancel()
		return nil, p.fail(span, ErrRead, "get_stream", fileKey, storage.ErrInvalidKey)
	}
	rc, err := p.backend.Get(ctx, fileKey)
	if err != nil {
		cancel()
		return nil, p.fail(span, ErrRead, "get_stream", fileKey, err)
	}
	return &cancelOnClose{ReadCloser: rc, cancel: cancel}, nil
}

// GetPresignedDownloadURL returns a URL valid for the configured presign TTL.
// Backends without signing support yield an error wrapping
// storage.ErrPresignUnsupported, unless AllowUnsignedURLs is set, in which case
// the plain object URL comes back and a warning is logged. Existence is not checked.
func (p *Provider) GetPresignedDownloadURL(ctx context.Context, fileKey string) (string, error) {
	ctx, span, cancel := p.begin(ctx, "presign", fileKey)
	defer cancel()
	defer span.End()

	if fileKey == "" {
		return "", p.fail(span, ErrRead, "presign", fileKey, storage.ErrInvalidKey)
	}

	if ps, ok := p.backend.(storage.Presigner); ok {
		u, err := ps.PresignGet(ctx, fileKey, p.presignTTL)
		if err == nil {
			span.SetAttributes(attribute.Bool("filestore.signed", true))
			return u, nil
		}
		if !errors.Is(err, storage.ErrPresignUnsupported) {
			return "", p.fail(span, ErrRead, "presign", fileKey, err)
		}
	}

	if !p.allowUnsigned {
		return "", p.fail(span, ErrRead, "presign", fileKey,
			fmt.Errorf("%s backend: %w", p.name, storage.ErrPresignUnsupported))
	}
	p.warn("returning unsigned download url; backend cannot presign", "provider", p.name, "key", fileKey)
	span.SetAttributes(attribute.Bool("filestore.signed", false))
	return p.backend.URL(fileKey), nil
}

func (p *Provider) begin(ctx context.Context, op, key string) (context.Context, trace.Span, context.CancelFunc) {
	ctx, span := p.tracer.Start(ctx, "filestore."+op, trace.WithAttributes(
		attribute.String("filestore.provider", p.name),
		attribute.String("filestore.key", key),
	))
	if p.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		return ctx, span, cancel
	}
	return ctx, span, func() {}
}

// fail logs the failure once at error level and returns it normalized.
func (p *Provider) fail(span trace.Span, kind error, op, key string, cause error) error {
	err := &Error{Kind: kind, Op: op, Key: key, Err: cause}
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.Error())
	func() {
		defer func() { _ = recover() }()
		p.logger.Error("storage operation failed", "provider", p.name, "op", op, "key", key, "error", cause)
	}()
	return err
}

func (p *Provider) warn(msg string, args ...any) {
	defer func() { _ = recover() }()
	p.logger.Warn(msg, args...)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
