// Package source implements the public winget REST endpoints consumed
// by the winget client. They are unauthenticated and speak the 1.4.0
// wire schema.
package source

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wharfdev/wharf/internal/api/response"
	"github.com/wharfdev/wharf/internal/domain"
	"github.com/wharfdev/wharf/internal/manifest"
	"github.com/wharfdev/wharf/internal/service"
)

const supportedVersion = "1.4.0"

type Handler struct {
	catalog  *service.CatalogService
	search   *service.SearchService
	download *service.DownloadService

	sourceIdentifier string
	baseURL          string
}

func NewHandler(catalog *service.CatalogService, search *service.SearchService, download *service.DownloadService, sourceIdentifier, baseURL string) *Handler {
	return &Handler{
		catalog:          catalog,
		search:           search,
		download:         download,
		sourceIdentifier: sourceIdentifier,
		baseURL:          baseURL,
	}
}

// dataEnvelope wraps every successful protocol payload.
type dataEnvelope struct {
	Data interface{} `json:"Data"`
}

type sourceInformation struct {
	SourceIdentifier        string   `json:"SourceIdentifier"`
	ServerSupportedVersions []string `json:"ServerSupportedVersions"`
}

func (h *Handler) Information(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, dataEnvelope{Data: sourceInformation{
		SourceIdentifier:        h.sourceIdentifier,
		ServerSupportedVersions: []string{supportedVersion},
	}})
}

// PackageManifests returns the full manifest for one package. Unknown
// identifiers and packages without versions yield a bare 204, which the
// client treats as "not in this source".
func (h *Handler) PackageManifests(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	pkg, err := h.catalog.GetPackage(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.NoContent(w)
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to load package")
		return
	}

	m, err := manifest.ForPackage(pkg, h.baseURL)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			response.NoContent(w)
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to build manifest")
		return
	}

	response.JSON(w, http.StatusOK, dataEnvelope{Data: m})
}

// Wire shapes for manifestSearch. The client capitalizes KeyWord.
type matchCriteriaBody struct {
	KeyWord   string `json:"KeyWord"`
	MatchType string `json:"MatchType"`
}

type searchFilterBody struct {
	PackageMatchField string            `json:"PackageMatchField"`
	RequestMatch      matchCriteriaBody `json:"RequestMatch"`
}

type searchRequestBody struct {
	MaximumResults int                `json:"MaximumResults"`
	Query          *matchCriteriaBody `json:"Query"`
	Inclusions     []searchFilterBody `json:"Inclusions"`
	Filters        []searchFilterBody `json:"Filters"`
}

func (h *Handler) ManifestSearch(w http.ResponseWriter, r *http.Request) {
	var body searchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := service.SearchRequest{MaximumResults: body.MaximumResults}
	if body.Query != nil {
		req.Query = &service.MatchCriteria{Keyword: body.Query.KeyWord, MatchType: body.Query.MatchType}
	}
	for _, f := range body.Inclusions {
		req.Inclusions = append(req.Inclusions, service.SearchFilter{
			PackageMatchField: f.PackageMatchField,
			RequestMatch:      service.MatchCriteria{Keyword: f.RequestMatch.KeyWord, MatchType: f.RequestMatch.MatchType},
		})
	}
	for _, f := range body.Filters {
		req.Filters = append(req.Filters, service.SearchFilter{
			PackageMatchField: f.PackageMatchField,
			RequestMatch:      service.MatchCriteria{Keyword: f.RequestMatch.KeyWord, MatchType: f.RequestMatch.MatchType},
		})
	}

	results, err := h.search.Search(r.Context(), req)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "search failed")
		return
	}
	if len(results) == 0 {
		response.NoContent(w)
		return
	}

	response.JSON(w, http.StatusOK, dataEnvelope{Data: results})
}

// Download streams or redirects to an installer artifact. The missing
// stage is reported precisely so clients can tell a bad version from a
// bad identifier.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	version := chi.URLParam(r, "version")
	architecture := chi.URLParam(r, "architecture")
	scope := chi.URLParam(r, "scope")

	d, err := h.download.Deliver(r.Context(), identifier, version, architecture, scope, r.Header.Get("Range"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPackageNotFound):
			response.Error(w, http.StatusNotFound, "Package not found")
		case errors.Is(err, domain.ErrVersionNotFound):
			response.Error(w, http.StatusNotFound, "Package version not found")
		case errors.Is(err, domain.ErrInstallerNotFound):
			response.Error(w, http.StatusNotFound, "Installer not found")
		case errors.Is(err, domain.ErrInvalidRange):
			response.Error(w, http.StatusBadRequest, "invalid range header")
		default:
			response.Error(w, http.StatusInternalServerError, "download failed")
		}
		return
	}

	if d.RedirectURL != "" {
		http.Redirect(w, r, d.RedirectURL, http.StatusFound)
		return
	}

	defer d.File.Close()
	w.Header().Set("Content-Disposition", `attachment; filename="`+d.FileName+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	if d.Sha256 != "" {
		w.Header().Set("X-Checksum-SHA256", d.Sha256)
	}
	// ServeContent handles Range slicing and conditional headers over the
	// seekable artifact handle.
	http.ServeContent(w, r, d.FileName, d.ModTime, d.File)
}
