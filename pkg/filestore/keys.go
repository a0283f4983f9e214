package filestore

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyGenerator derives a storage key from the caller's filename.
// Keys must stay unique across concurrent calls with the same filename.
type KeyGenerator interface {
	Generate(filename string) (string, error)
}

// KeyGeneratorFunc adapts a function to KeyGenerator.
type KeyGeneratorFunc func(filename string) (string, error)

func (f KeyGeneratorFunc) Generate(filename string) (string, error) { return f(filename) }

// UUIDKeys produces "<base>-<uuidv7><ext>". UUIDv7 embeds a millisecond
// timestamp plus random bits, so keys sort by creation time.
type UUIDKeys struct{}

func (UUIDKeys) Generate(filename string) (string, error) {
	base, ext := SplitFilename(filename)
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return base + "-" + id.String() + ext, nil
}

// SplitFilename separates the last path element of name into base and
// extension. Dotfiles keep their full name as base; an empty base becomes "file".
// Surrounding whitespace is part of the name and is kept.
func SplitFilename(name string) (base, ext string) {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}
	ext = path.Ext(name)
	if ext == name {
		ext = ""
	}
	base = strings.TrimSuffix(name, ext)
	if base == "" {
		base = "file"
	}
	return base, ext
}

// uuidLen is the length of the canonical textual UUID form.
const uuidLen = 36

// KeyTime recovers the creation time from a key produced by UUIDKeys.
func KeyTime(key string) (time.Time, error) {
	name := path.Base(key)
	stem := strings.TrimSuffix(name, path.Ext(name))
	if path.Ext(name) == name {
		stem = name
	}
	if len(stem) < uuidLen {
		return time.Time{}, fmt.Errorf("key %q has no uuid suffix", key)
	}
	id, err := uuid.Parse(stem[len(stem)-uuidLen:])
	if err != nil {
		return time.Time{}, fmt.Errorf("key %q: %w", key, err)
	}
	if id.Version() != 7 {
		return time.Time{}, fmt.Errorf("key %q: uuid version %d carries no unix time", key, id.Version())
	}
	ms := binary.BigEndian.Uint64(id[:8]) >> 16
	return time.UnixMilli(int64(ms)).UTC(), nil
}
