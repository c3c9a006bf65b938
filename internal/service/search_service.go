package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wharfdev/wharf/internal/domain"
	"github.com/wharfdev/wharf/internal/manifest"
)

// Match types understood by the protocol. Any other value yields an
// empty result, not an error.
const (
	MatchTypeExact     = "Exact"
	MatchTypePartial   = "Partial"
	MatchTypeSubstring = "Substring"
)

type MatchCriteria struct {
	Keyword   string
	MatchType string
}

type SearchFilter struct {
	PackageMatchField string
	RequestMatch      MatchCriteria
}

// SearchRequest mirrors the manifestSearch body. The client sends at most
// one meaningful criterion: Query wins, otherwise the first Inclusions
// entry. Filters are accepted for wire compatibility and never narrow
// the result.
type SearchRequest struct {
	MaximumResults int
	Query          *MatchCriteria
	Inclusions     []SearchFilter
	Filters        []SearchFilter
}

type SearchService struct {
	repo domain.PackageRepository
	log  *slog.Logger
}

func NewSearchService(repo domain.PackageRepository, log *slog.Logger) *SearchService {
	return &SearchService{repo: repo, log: log.With(slog.String("service", "search"))}
}

// Search resolves the request against the catalog. An empty result slice
// is a normal outcome (no criterion, unknown match type, or no match).
// Packages without versions are never emitted: a result with zero
// versions breaks the client.
func (s *SearchService) Search(ctx context.Context, req SearchRequest) ([]*manifest.SearchResult, error) {
	criteria := req.Query
	if criteria == nil && len(req.Inclusions) > 0 {
		criteria = &req.Inclusions[0].RequestMatch
	}
	if criteria == nil || criteria.Keyword == "" || criteria.MatchType == "" {
		return []*manifest.SearchResult{}, nil
	}

	var (
		pkgs []*domain.Package
		err  error
	)
	switch criteria.MatchType {
	case MatchTypeExact:
		pkgs, err = s.exact(ctx, criteria.Keyword)
	case MatchTypePartial, MatchTypeSubstring:
		pkgs, err = s.substring(ctx, criteria.Keyword)
	default:
		return []*manifest.SearchResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", criteria.Keyword, err)
	}

	if req.MaximumResults > 0 && len(pkgs) > req.MaximumResults {
		pkgs = pkgs[:req.MaximumResults]
	}

	results := make([]*manifest.SearchResult, 0, len(pkgs))
	for _, p := range pkgs {
		if len(p.Versions) == 0 {
			continue
		}
		sr, err := manifest.SearchResultFor(p)
		if err != nil {
			return nil, err
		}
		results = append(results, sr)
	}
	return results, nil
}

// exact matches on identifier first; name and identifier form an
// overlapping namespace for exact search, so a miss falls back to exact
// name equality.
func (s *SearchService) exact(ctx context.Context, keyword string) ([]*domain.Package, error) {
	pkg, err := s.repo.GetPackage(ctx, keyword)
	if err == nil {
		return []*domain.Package{pkg}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return s.repo.GetPackagesByName(ctx, keyword)
}

// substring matches case-insensitively on name, falling back to
// identifier only when name yields nothing.
func (s *SearchService) substring(ctx context.Context, keyword string) ([]*domain.Package, error) {
	pkgs, err := s.repo.SearchNameSubstring(ctx, keyword)
	if err != nil {
		return nil, err
	}
	if len(pkgs) > 0 {
		return pkgs, nil
	}
	return s.repo.SearchIdentifierSubstring(ctx, keyword)
}
