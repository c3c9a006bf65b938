package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/wharfdev/wharf/internal/domain"
	"github.com/wharfdev/wharf/internal/storage"
)

// firstProbeRange is the range the client sends to test resumability
// before a full sequential fetch. It counts as a full download; any other
// partial range does not.
const firstProbeRange = "bytes=0-1"

// Delivery is a resolved download: either a redirect target (external
// URL or presigned object-storage URL) or an open seekable file for
// direct range-capable streaming.
type Delivery struct {
	FileName    string
	Sha256      string
	RedirectURL string
	File        storage.File
	ModTime     time.Time
}

type DownloadService struct {
	repo  domain.PackageRepository
	store storage.Backend
	log   *slog.Logger
}

func NewDownloadService(repo domain.PackageRepository, store storage.Backend, log *slog.Logger) *DownloadService {
	return &DownloadService{repo: repo, store: store, log: log.With(slog.String("service", "download"))}
}

// Deliver resolves package → version → installer (reporting which stage
// was missing), validates the Range header, bumps the download counter
// when the request represents a logical full download, and resolves the
// artifact location. scope may be empty, in which case the first
// installer for the architecture wins.
func (s *DownloadService) Deliver(ctx context.Context, identifier, version, architecture, scope, rangeHeader string) (*Delivery, error) {
	pkg, err := s.repo.GetPackage(ctx, identifier)
	if err != nil {
		return nil, err
	}

	v := pkg.Version(version)
	if v == nil {
		return nil, domain.ErrVersionNotFound
	}

	inst := v.Installer(architecture, scope)
	if inst == nil {
		return nil, domain.ErrInstallerNotFound
	}

	if rangeHeader != "" && !validRangeHeader(rangeHeader) {
		return nil, domain.ErrInvalidRange
	}

	// The counter reflects download attempts that passed existence
	// checks, not completed transfers. It moves once per logical full
	// download: on a plain request or on the client's bytes=0-1 probe.
	if rangeHeader == "" || rangeHeader == firstProbeRange {
		if err := s.repo.IncrementDownloadCount(ctx, identifier); err != nil {
			s.log.Warn("failed to increment download count", "identifier", identifier, "err", err)
		}
	}

	if inst.ExternalURL != "" {
		return &Delivery{RedirectURL: inst.ExternalURL, Sha256: inst.InstallerSha256}, nil
	}

	key := storage.Key(pkg.Publisher, pkg.Identifier, v.VersionCode, inst.Architecture, inst.FileName)
	loc, err := s.store.Retrieve(ctx, key, inst.FileName)
	if err != nil {
		return nil, fmt.Errorf("retrieve artifact %s: %w", key, err)
	}

	return &Delivery{
		FileName:    inst.FileName,
		Sha256:      inst.InstallerSha256,
		RedirectURL: loc.URL,
		File:        loc.File,
		ModTime:     loc.ModTime,
	}, nil
}

// validRangeHeader checks the syntactic shape of a Range header:
// "bytes=" followed by one or more start-end specs where at least one
// bound is present and start <= end when both are given. Actual range
// slicing is done by the transport layer.
func validRangeHeader(h string) bool {
	rest, ok := strings.CutPrefix(h, "bytes=")
	if !ok || rest == "" {
		return false
	}

	for _, spec := range strings.Split(rest, ",") {
		spec = strings.TrimSpace(spec)
		startStr, endStr, ok := strings.Cut(spec, "-")
		if !ok {
			return false
		}
		if startStr == "" && endStr == "" {
			return false
		}

		start, end := -1, -1
		var err error
		if startStr != "" {
			if start, err = strconv.Atoi(startStr); err != nil {
				return false
			}
		}
		if endStr != "" {
			if end, err = strconv.Atoi(endStr); err != nil {
				return false
			}
		}
		if start >= 0 && end >= 0 && start > end {
			return false
		}
	}
	return true
}
