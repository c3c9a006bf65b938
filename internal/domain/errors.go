package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidRange = errors.New("invalid range header")

	// Entity-specific not-found errors; all satisfy errors.Is(err, ErrNotFound).
	// Download resolution reports which stage failed through these.
	ErrPackageNotFound   = fmt.Errorf("package %w", ErrNotFound)
	ErrVersionNotFound   = fmt.Errorf("package version %w", ErrNotFound)
	ErrInstallerNotFound = fmt.Errorf("installer %w", ErrNotFound)

	// ErrPresignUnsupported is returned by backends that cannot issue
	// presigned upload URLs (the local filesystem backend).
	ErrPresignUnsupported = errors.New("presigned uploads are not supported by this storage backend")
)
