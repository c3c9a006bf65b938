// Package storage defines the content-addressed artifact backend shared
// by the local-filesystem and object-storage implementations. Callers
// pick behavior from the returned Location, never from the backend type.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// File is an open artifact handle suitable for range serving.
type File interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Location tells the delivery layer how to hand an artifact to the
// client: exactly one of URL (redirect, presigned download) or File
// (direct streaming) is set.
type Location struct {
	URL     string
	File    File
	ModTime time.Time
}

// Backend persists and serves installer artifacts under derived path
// keys. Store computes a streamed SHA-256 over the content and returns
// the lowercase hex digest. Delete is idempotent. PresignUpload returns
// domain.ErrPresignUnsupported on backends without presigned uploads.
type Backend interface {
	Store(ctx context.Context, key string, r io.Reader) (sha256Hex string, size int64, err error)
	Retrieve(ctx context.Context, key, fileName string) (*Location, error)
	Delete(ctx context.Context, key string) error
	PresignUpload(ctx context.Context, key, contentType string) (string, error)
}

// Key builds the canonical artifact path key
// packages/{publisher}/{identifier}/{version}/{architecture}/{fileName}
// from sanitized segments.
func Key(publisher, identifier, version, architecture, fileName string) string {
	return path.Join("packages",
		Sanitize(publisher),
		Sanitize(identifier),
		Sanitize(version),
		Sanitize(architecture),
		Sanitize(fileName),
	)
}

// Sanitize reduces a path segment to a safe filename alphabet
// (letters, digits, ".", "_", "-"), replacing everything else with "_".
// Leading dots are stripped so a segment can never become "." or "..".
func Sanitize(segment string) string {
	var b strings.Builder
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

// ScopedFileName derives the stored artifact name from the install scope
// and the uploaded file's extension: "machine.exe", "user.zip". Uploads
// without an extension keep just the scope.
func ScopedFileName(scope, uploadName string) string {
	scope = Sanitize(scope)
	if i := strings.LastIndex(uploadName, "."); i >= 0 && i < len(uploadName)-1 {
		return scope + "." + Sanitize(uploadName[i+1:])
	}
	return scope
}
