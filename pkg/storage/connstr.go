package storage

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ConnectionString holds the key=value pairs of an Azure-style connection string.
// Keys are matched case-insensitively.
type ConnectionString map[string]string

// ParseConnectionString splits "Key=Value;Key2=Value2". Values may contain '='.
func ParseConnectionString(s string) (ConnectionString, error) {
	cs := ConnectionString{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed connection string segment %q", part)
		}
		cs[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	return cs, nil
}

// Get returns the value for key, or "" when absent.
func (cs ConnectionString) Get(key string) string {
	return cs[strings.ToLower(key)]
}

// Require returns the value for key or an error naming it.
func (cs ConnectionString) Require(key string) (string, error) {
	v := cs.Get(key)
	if v == "" {
		return "", fmt.Errorf("connection string is missing %q", key)
	}
	return v, nil
}

// Bool parses a boolean value, falling back to def when the key is absent.
func (cs ConnectionString) Bool(key string, def bool) (bool, error) {
	v := cs.Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("connection string %q: %w", key, err)
	}
	return b, nil
}

// joinURL appends key to base with exactly one slash between them. Each path
// segment of key is escaped; base is used as given.
func joinURL(base, key string) string {
	segments := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	key = strings.Join(segments, "/")
	if strings.HasSuffix(base, "/") {
		return base + key
	}
	return base + "/" + key
}
