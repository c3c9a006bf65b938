package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wharfdev/wharf/internal/domain"
	"github.com/wharfdev/wharf/internal/service"
	"github.com/wharfdev/wharf/internal/storage"
)

// fakeRepo is an in-memory PackageRepository sufficient for exercising
// the public endpoints end to end.
type fakeRepo struct {
	mu       sync.Mutex
	packages map[string]*domain.Package
	order    []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{packages: make(map[string]*domain.Package)}
}

func (f *fakeRepo) CreatePackage(_ context.Context, p *domain.Package) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.packages[p.Identifier]; ok {
		return domain.ErrConflict
	}
	for _, v := range p.Versions {
		v.ID = uuid.New()
		v.Identifier = p.Identifier
		for _, inst := range v.Installers {
			inst.ID = uuid.New()
			inst.VersionID = v.ID
		}
	}
	f.packages[p.Identifier] = p
	f.order = append(f.order, p.Identifier)
	return nil
}

func (f *fakeRepo) GetPackage(_ context.Context, identifier string) (*domain.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.packages[identifier]; ok {
		return p, nil
	}
	return nil, domain.ErrPackageNotFound
}

func (f *fakeRepo) GetPackagesByName(_ context.Context, name string) ([]*domain.Package, error) {
	return f.filter(func(p *domain.Package) bool { return p.Name == name }), nil
}

func (f *fakeRepo) SearchNameSubstring(_ context.Context, keyword string) ([]*domain.Package, error) {
	return f.filter(func(p *domain.Package) bool {
		return strings.Contains(strings.ToLower(p.Name), strings.ToLower(keyword))
	}), nil
}

func (f *fakeRepo) SearchIdentifierSubstring(_ context.Context, keyword string) ([]*domain.Package, error) {
	return f.filter(func(p *domain.Package) bool {
		return strings.Contains(strings.ToLower(p.Identifier), strings.ToLower(keyword))
	}), nil
}

func (f *fakeRepo) filter(match func(*domain.Package) bool) []*domain.Package {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Package
	for _, id := range f.order {
		if p := f.packages[id]; p != nil && match(p) {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeRepo) ListPackages(_ context.Context, page, perPage int) ([]*domain.Package, int, error) {
	all := f.filter(func(*domain.Package) bool { return true })
	return all, len(all), nil
}

func (f *fakeRepo) UpdatePackage(_ context.Context, identifier, name, publisher string) error {
	return nil
}

func (f *fakeRepo) DeletePackage(_ context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packages, identifier)
	return nil
}

func (f *fakeRepo) AddVersion(_ context.Context, v *domain.PackageVersion) error {
	return nil
}

func (f *fakeRepo) DeleteVersion(_ context.Context, identifier, versionCode string) error {
	return nil
}

func (f *fakeRepo) AddInstaller(_ context.Context, versionID uuid.UUID, inst *domain.Installer) error {
	return nil
}

func (f *fakeRepo) GetInstaller(_ context.Context, id uuid.UUID) (*domain.Installer, error) {
	return nil, domain.ErrInstallerNotFound
}

func (f *fakeRepo) DeleteInstaller(_ context.Context, id uuid.UUID) error {
	return nil
}

func (f *fakeRepo) SetInstallerSwitches(_ context.Context, installerID uuid.UUID, upsert map[string]string, remove []string) error {
	return nil
}

func (f *fakeRepo) IncrementDownloadCount(_ context.Context, identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packages[identifier]
	if !ok {
		return domain.ErrPackageNotFound
	}
	p.DownloadCount++
	return nil
}

type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string][]byte)}
}

func (f *fakeBackend) Store(_ context.Context, key string, r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

func (f *fakeBackend) Retrieve(_ context.Context, key, _ string) (*storage.Location, error) {
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &storage.Location{File: &nopCloserFile{bytes.NewReader(data)}}, nil
}

func (f *fakeBackend) Delete(_ context.Context, key string) error { return nil }

func (f *fakeBackend) PresignUpload(_ context.Context, key, contentType string) (string, error) {
	return "", domain.ErrPresignUnsupported
}

type nopCloserFile struct {
	*bytes.Reader
}

func (f *nopCloserFile) Close() error { return nil }

const baseURL = "https://pkgs.example.com"

func newTestServer(t *testing.T) (http.Handler, *fakeRepo, *fakeBackend) {
	t.Helper()
	repo := newFakeRepo()
	store := newFakeBackend()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := NewHandler(
		service.NewCatalogService(repo, store, log),
		service.NewSearchService(repo, log),
		service.NewDownloadService(repo, store, log),
		"api.wharf",
		baseURL,
	)

	r := chi.NewRouter()
	r.Get("/information", h.Information)
	r.Get("/packageManifests/{identifier}", h.PackageManifests)
	r.Post("/manifestSearch", h.ManifestSearch)
	r.Get("/download/{identifier}/{version}/{architecture}/{scope}", h.Download)
	r.Get("/download/{identifier}/{version}/{architecture}", h.Download)
	return r, repo, store
}

func seedContoso(repo *fakeRepo, store *fakeBackend) {
	repo.CreatePackage(context.Background(), &domain.Package{
		Identifier: "Contoso.App",
		Name:       "Contoso App",
		Publisher:  "Contoso",
		Versions: []*domain.PackageVersion{
			{
				VersionCode:      "1.0.0",
				PackageLocale:    "en-US",
				ShortDescription: "Contoso App",
				Installers: []*domain.Installer{
					{
						Architecture: "x64", InstallerType: "exe", Scope: "machine",
						FileName: "machine.exe", InstallerSha256: strings.Repeat("a", 64),
					},
				},
			},
		},
	})
	store.Store(context.Background(),
		"packages/Contoso/Contoso.App/1.0.0/x64/machine.exe",
		strings.NewReader("installer bytes"))
}

func TestInformation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/information", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Data struct {
			SourceIdentifier        string
			ServerSupportedVersions []string
		}
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.SourceIdentifier != "api.wharf" {
		t.Errorf("unexpected source identifier %q", body.Data.SourceIdentifier)
	}
	if len(body.Data.ServerSupportedVersions) != 1 || body.Data.ServerSupportedVersions[0] != "1.4.0" {
		t.Errorf("unexpected versions %v", body.Data.ServerSupportedVersions)
	}
}

func TestPackageManifests(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/packageManifests/Contoso.App", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var body struct {
		Data struct {
			PackageIdentifier string
			Versions          []struct {
				PackageVersion string
				DefaultLocale  struct {
					Publisher   string
					PackageName string
				}
				Installers []struct {
					InstallerUrl string
					Scope        string
				}
			}
		}
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.PackageIdentifier != "Contoso.App" {
		t.Fatalf("unexpected identifier %q", body.Data.PackageIdentifier)
	}
	if len(body.Data.Versions) != 1 || body.Data.Versions[0].PackageVersion != "1.0.0" {
		t.Fatalf("unexpected versions: %+v", body.Data.Versions)
	}
	wantURL := baseURL + "/download/Contoso.App/1.0.0/x64/machine"
	if got := body.Data.Versions[0].Installers[0].InstallerUrl; got != wantURL {
		t.Errorf("InstallerUrl = %q, want %q", got, wantURL)
	}
}

func TestPackageManifests_UnknownIs204(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/packageManifests/No.Such", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("204 must have an empty body, got %q", rec.Body)
	}
}

func TestPackageManifests_ZeroVersionsIs204(t *testing.T) {
	srv, repo, _ := newTestServer(t)
	repo.CreatePackage(context.Background(), &domain.Package{
		Identifier: "Contoso.Empty", Name: "Contoso Empty", Publisher: "Contoso",
	})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/packageManifests/Contoso.Empty", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func postSearch(t *testing.T, srv http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/manifestSearch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.ServeHTTP(rec, req)
	return rec
}

func TestManifestSearch_Partial(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	rec := postSearch(t, srv, `{"Query":{"KeyWord":"conto","MatchType":"Partial"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	var body struct {
		Data []struct {
			PackageIdentifier string
			Versions          []struct{ PackageVersion string }
		}
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].PackageIdentifier != "Contoso.App" {
		t.Fatalf("unexpected results: %+v", body.Data)
	}
}

func TestManifestSearch_EmptyIs204(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	rec := postSearch(t, srv, `{"Query":{"KeyWord":"nothing-here","MatchType":"Partial"}}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("204 must have an empty body, got %q", rec.Body)
	}
}

func TestManifestSearch_UnknownMatchTypeIs204(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	rec := postSearch(t, srv, `{"Query":{"KeyWord":"Contoso.App","MatchType":"Fuzzy"}}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestManifestSearch_BadBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := postSearch(t, srv, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDownload_CountsOncePerFullDownload(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/Contoso.App/1.0.0/x64/machine", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if got := rec.Body.String(); got != "installer bytes" {
		t.Fatalf("unexpected body %q", got)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "machine.exe") {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	// A follow-up partial chunk leaves the counter untouched.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download/Contoso.App/1.0.0/x64/machine", nil)
	req.Header.Set("Range", "bytes=100-200")
	srv.ServeHTTP(rec, req)

	pkg, _ := repo.GetPackage(context.Background(), "Contoso.App")
	if pkg.DownloadCount != 1 {
		t.Fatalf("expected download_count 1, got %d", pkg.DownloadCount)
	}
}

func TestDownload_ScopeOptional(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/Contoso.App/1.0.0/x64", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
}

func TestDownload_RangeSlicing(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download/Contoso.App/1.0.0/x64/machine", nil)
	req.Header.Set("Range", "bytes=0-1")
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "in" {
		t.Fatalf("unexpected slice %q", got)
	}
}

func TestDownload_NotFoundMessages(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	cases := []struct {
		path string
		want string
	}{
		{"/download/No.Such/1.0.0/x64/machine", "Package not found"},
		{"/download/Contoso.App/9.9.9/x64/machine", "Package version not found"},
		{"/download/Contoso.App/1.0.0/arm64/machine", "Installer not found"},
		{"/download/Contoso.App/1.0.0/x64/user", "Installer not found"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", tc.path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Errorf("%s: body %q does not mention %q", tc.path, rec.Body, tc.want)
		}
	}
}

func TestDownload_MalformedRange(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download/Contoso.App/1.0.0/x64/machine", nil)
	req.Header.Set("Range", "bytes=abc-def")
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	pkg, _ := repo.GetPackage(context.Background(), "Contoso.App")
	if pkg.DownloadCount != 0 {
		t.Fatalf("malformed range must not count, got %d", pkg.DownloadCount)
	}
}

func TestDownload_ExternalURLRedirects(t *testing.T) {
	srv, repo, store := newTestServer(t)
	seedContoso(repo, store)

	pkg, _ := repo.GetPackage(context.Background(), "Contoso.App")
	pkg.Versions[0].Installers = append(pkg.Versions[0].Installers, &domain.Installer{
		Architecture: "arm64", InstallerType: "exe", Scope: "user",
		ExternalURL: "https://cdn.contoso.com/app.exe",
	})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/download/Contoso.App/1.0.0/arm64/user", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://cdn.contoso.com/app.exe" {
		t.Fatalf("unexpected Location %q", loc)
	}
}
