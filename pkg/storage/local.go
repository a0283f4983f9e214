package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LocalStore implements Backend using the local filesystem.
type LocalStore struct {
	baseDir    string
	baseURL    string
	signingKey []byte
}

func NewLocalStore(baseDir, baseURL string) (*LocalStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base dir: %w", err)
	}
	if baseURL == "" {
		baseURL = "/files"
	}
	return &LocalStore{baseDir: abs, baseURL: baseURL}, nil
}

// openLocal reads root, baseURL and signingKey. The container is a directory under root.
func openLocal(ctx context.Context, container, connectionString string) (Backend, error) {
	cs, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	root, err := cs.Require("root")
	if err != nil {
		return nil, err
	}
	store, err := NewLocalStore(filepath.Join(root, container), cs.Get("baseURL"))
	if err != nil {
		return nil, err
	}
	if key := cs.Get("signingKey"); key != "" {
		store.SetSigningKey([]byte(key))
	}
	return store, nil
}

// SetSigningKey enables PresignGet using HMAC-signed tokens.
func (l *LocalStore) SetSigningKey(key []byte) {
	l.signingKey = key
}

// resolve maps key to a path inside baseDir, rejecting traversal.
func (l *LocalStore) resolve(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || filepath.IsAbs(trimmed) || strings.HasPrefix(trimmed, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, segment := range strings.FieldsFunc(trimmed, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	path := filepath.Join(l.baseDir, filepath.FromSlash(trimmed))
	rel, err := filepath.Rel(l.baseDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return path, nil
}

// Put writes through a temp file and renames it into place so readers never
// observe a partial object. Content type is not persisted; it is derived from
// the key extension when serving.
func (l *LocalStore) Put(ctx context.Context, key string, reader io.Reader, contentType string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (l *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return f, nil
}

func (l *LocalStore) Delete(ctx context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	return nil
}

func (l *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := l.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (l *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	searchDir := l.baseDir
	if prefix != "" {
		var err error
		searchDir, err = l.resolve(prefix)
		if err != nil {
			return nil, err
		}
	}

	var keys []string
	err := filepath.Walk(searchDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == searchDir {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".upload-") {
			return nil
		}

		rel, err := filepath.Rel(l.baseDir, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})

	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (l *LocalStore) URL(key string) string {
	return joinURL(l.baseURL, key)
}

// PresignGet returns URL(key) with a signed token that expires after ttl.
func (l *LocalStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if len(l.signingKey) == 0 {
		return "", ErrPresignUnsupported
	}
	if _, err := l.resolve(key); err != nil {
		return "", err
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   key,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(l.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign download token: %w", err)
	}
	return l.URL(key) + "?" + url.Values{"token": {signed}}.Encode(), nil
}

// VerifyToken checks that token was issued by PresignGet for key and has not expired.
func (l *LocalStore) VerifyToken(key, token string) error {
	if len(l.signingKey) == 0 {
		return ErrPresignUnsupported
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return l.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid download token: %w", err)
	}
	if claims.Subject != key {
		return fmt.Errorf("invalid download token: issued for %q", claims.Subject)
	}
	return nil
}
