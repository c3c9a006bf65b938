package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wharfdev/wharf/internal/api/management"
	"github.com/wharfdev/wharf/internal/api/middleware"
	"github.com/wharfdev/wharf/internal/api/response"
	"github.com/wharfdev/wharf/internal/api/source"
	"github.com/wharfdev/wharf/internal/auth"
	"github.com/wharfdev/wharf/internal/service"
)

type RouterDeps struct {
	CatalogSvc  *service.CatalogService
	SearchSvc   *service.SearchService
	DownloadSvc *service.DownloadService
	JWTManager  *auth.JWTManager

	SourceIdentifier string
	BaseURL          string
	AdminEmail       string
	AdminPassword    string
	CORSOrigins      string
	Logger           *slog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(deps.Logger))

	// CORS
	origins := strings.Split(deps.CORSOrigins, ",")
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Range"},
		ExposedHeaders:   []string{"X-Checksum-SHA256", "Content-Disposition", "Content-Range", "Accept-Ranges"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Source API — consumed by the winget client, unauthenticated
	srcHandler := source.NewHandler(
		deps.CatalogSvc, deps.SearchSvc, deps.DownloadSvc,
		deps.SourceIdentifier, deps.BaseURL,
	)

	r.Group(func(r chi.Router) {
		// winget polls search and manifests aggressively during upgrades
		r.Use(middleware.RateLimit(30, 60))

		r.Get("/information", srcHandler.Information)
		r.Get("/packageManifests/{identifier}", srcHandler.PackageManifests)
		r.Post("/manifestSearch", srcHandler.ManifestSearch)
	})

	// Downloads carry large bodies; limit attempts, not throughput
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(10, 20))

		r.Get("/download/{identifier}/{version}/{architecture}", srcHandler.Download)
		r.Get("/download/{identifier}/{version}/{architecture}/{scope}", srcHandler.Download)
	})

	// Management API — catalog administration
	mgmtAuthHandler := management.NewAuthHandler(deps.JWTManager, deps.AdminEmail, deps.AdminPassword)
	mgmtPackageHandler := management.NewPackageHandler(deps.CatalogSvc)

	r.Route("/api/v1/management", func(r chi.Router) {
		r.Use(middleware.RateLimit(30, 60))

		// Login (no auth required)
		r.Post("/auth/login", mgmtAuthHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.ManagementAuth(deps.JWTManager))

			r.Post("/auth/refresh", mgmtAuthHandler.Refresh)

			// Packages
			r.Get("/packages", mgmtPackageHandler.List)
			r.Post("/packages", mgmtPackageHandler.Create)
			r.Get("/packages/{identifier}", mgmtPackageHandler.Get)
			r.Put("/packages/{identifier}", mgmtPackageHandler.Update)
			r.Delete("/packages/{identifier}", mgmtPackageHandler.Delete)

			// Versions
			r.Post("/packages/{identifier}/versions", mgmtPackageHandler.AddVersion)
			r.Delete("/packages/{identifier}/versions/{version}", mgmtPackageHandler.DeleteVersion)

			// Installers
			r.Post("/packages/{identifier}/versions/{version}/installers", mgmtPackageHandler.AddInstaller)
			r.Delete("/packages/{identifier}/versions/{version}/installers/{installerID}", mgmtPackageHandler.DeleteInstaller)
			r.Put("/installers/{installerID}/switches", mgmtPackageHandler.SetSwitches)

			// Presigned uploads
			r.Post("/generate_presigned_url", mgmtPackageHandler.Presign)
		})
	})

	return r
}
