package management

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wharfdev/wharf/internal/api/response"
	"github.com/wharfdev/wharf/internal/domain"
	"github.com/wharfdev/wharf/internal/service"
)

// maxUploadMemory bounds the in-memory part of multipart parsing; larger
// installer payloads spill to temp files.
const maxUploadMemory = 32 << 20

type PackageHandler struct {
	catalog *service.CatalogService
}

func NewPackageHandler(catalog *service.CatalogService) *PackageHandler {
	return &PackageHandler{catalog: catalog}
}

func (h *PackageHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := response.ParsePagination(r)
	pkgs, total, err := h.catalog.ListPackages(r.Context(), page, perPage)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "failed to list packages")
		return
	}
	response.Paginated(w, http.StatusOK, pkgs, page, perPage, total)
}

func (h *PackageHandler) Get(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.catalog.GetPackage(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, pkg)
}

// Create registers a package, optionally with an inline first version and
// installer in the same multipart request.
func (h *PackageHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	input := service.CreatePackageInput{
		Identifier: r.FormValue("identifier"),
		Name:       r.FormValue("name"),
		Publisher:  r.FormValue("publisher"),
	}

	if r.FormValue("version") != "" {
		v, file, err := versionInputFromForm(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if file != nil {
			defer file.Close()
		}
		input.Version = v
	}

	pkg, err := h.catalog.CreatePackage(r.Context(), input)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, pkg)
}

type updatePackageRequest struct {
	Name      string `json:"name"`
	Publisher string `json:"publisher"`
}

func (h *PackageHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updatePackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	identifier := chi.URLParam(r, "identifier")
	if err := h.catalog.UpdatePackage(r.Context(), identifier, req.Name, req.Publisher); err != nil {
		writeCatalogError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *PackageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeletePackage(r.Context(), chi.URLParam(r, "identifier")); err != nil {
		writeCatalogError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *PackageHandler) AddVersion(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	v, file, err := versionInputFromForm(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if file != nil {
		defer file.Close()
	}

	identifier := chi.URLParam(r, "identifier")
	created, err := h.catalog.AddVersion(r.Context(), identifier, *v)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, created)
}

func (h *PackageHandler) DeleteVersion(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	version := chi.URLParam(r, "version")
	if err := h.catalog.DeleteVersion(r.Context(), identifier, version); err != nil {
		writeCatalogError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *PackageHandler) AddInstaller(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	input, file, err := installerInputFromForm(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if input == nil {
		response.Error(w, http.StatusBadRequest, "installer fields required")
		return
	}
	if file != nil {
		defer file.Close()
	}

	identifier := chi.URLParam(r, "identifier")
	version := chi.URLParam(r, "version")
	inst, err := h.catalog.AddInstaller(r.Context(), identifier, version, *input)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	response.JSON(w, http.StatusCreated, inst)
}

func (h *PackageHandler) DeleteInstaller(w http.ResponseWriter, r *http.Request) {
	installerID, err := uuid.Parse(chi.URLParam(r, "installerID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid installer id")
		return
	}

	identifier := chi.URLParam(r, "identifier")
	version := chi.URLParam(r, "version")
	if err := h.catalog.DeleteInstaller(r.Context(), identifier, version, installerID); err != nil {
		writeCatalogError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type switchesRequest struct {
	Upsert map[string]string `json:"upsert"`
	Remove []string          `json:"remove"`
}

// SetSwitches applies switch edits to an installer: upsert creates or
// updates parameters, remove deletes them.
func (h *PackageHandler) SetSwitches(w http.ResponseWriter, r *http.Request) {
	installerID, err := uuid.Parse(chi.URLParam(r, "installerID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid installer id")
		return
	}

	var req switchesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.catalog.SetInstallerSwitches(r.Context(), installerID, req.Upsert, req.Remove); err != nil {
		writeCatalogError(w, err)
		return
	}

	inst, err := h.catalog.GetInstaller(r.Context(), installerID)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, inst)
}

// Presign issues a direct-to-bucket upload URL so large installers skip
// the server. Only available on object-storage backends. Takes form
// fields describing the artifact slot.
func (h *PackageHandler) Presign(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid form")
		return
	}

	result, err := h.catalog.PresignUpload(r.Context(), service.PresignInput{
		FileName:     r.FormValue("file_name"),
		ContentType:  r.FormValue("content_type"),
		Publisher:    r.FormValue("publisher"),
		Identifier:   r.FormValue("identifier"),
		Version:      r.FormValue("version"),
		Architecture: r.FormValue("architecture"),
		Scope:        r.FormValue("scope"),
	})
	if err != nil {
		if errors.Is(err, domain.ErrPresignUnsupported) {
			response.Error(w, http.StatusBadRequest, "storage backend does not support presigned uploads")
			return
		}
		writeCatalogError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, result)
}

func versionInputFromForm(r *http.Request) (*service.VersionInput, multipart.File, error) {
	v := &service.VersionInput{
		VersionCode:      r.FormValue("version"),
		PackageLocale:    r.FormValue("package_locale"),
		ShortDescription: r.FormValue("short_description"),
	}
	if v.PackageLocale == "" {
		v.PackageLocale = "en-US"
	}

	inst, file, err := installerInputFromForm(r)
	if err != nil {
		return nil, nil, err
	}
	if inst != nil {
		v.Installer = inst
	}
	return v, file, nil
}

// installerInputFromForm reads the installer fields out of a multipart
// form. Returns nil input when the form carries no installer at all.
func installerInputFromForm(r *http.Request) (*service.InstallerInput, multipart.File, error) {
	input := &service.InstallerInput{
		Architecture:        r.FormValue("architecture"),
		InstallerType:       r.FormValue("installer_type"),
		Scope:               r.FormValue("scope"),
		ExternalURL:         r.FormValue("external_url"),
		Sha256:              r.FormValue("sha256"),
		NestedInstallerType: r.FormValue("nested_installer_type"),
		PreUploaded:         r.FormValue("pre_uploaded") == "true",
		UploadName:          r.FormValue("file_name"),
	}
	input.NestedInstallerPaths = r.Form["nested_installer_path"]

	if raw := r.FormValue("switches"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input.Switches); err != nil {
			return nil, nil, errors.New("switches must be a JSON object of parameter to value")
		}
	}

	var file multipart.File
	f, header, err := r.FormFile("file")
	switch {
	case err == nil:
		input.File = f
		input.UploadName = header.Filename
		file = f
	case errors.Is(err, http.ErrMissingFile):
		// external URL or presigned flow
	default:
		return nil, nil, errors.New("invalid file upload")
	}

	if input.Architecture == "" && input.InstallerType == "" && input.Scope == "" &&
		input.File == nil && input.ExternalURL == "" && !input.PreUploaded {
		return nil, nil, nil
	}
	return input, file, nil
}

func writeCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrPackageNotFound):
		response.Error(w, http.StatusNotFound, "Package not found")
	case errors.Is(err, domain.ErrVersionNotFound):
		response.Error(w, http.StatusNotFound, "Package version not found")
	case errors.Is(err, domain.ErrInstallerNotFound):
		response.Error(w, http.StatusNotFound, "Installer not found")
	case errors.Is(err, domain.ErrConflict):
		response.Error(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, err.Error())
	default:
		response.Error(w, http.StatusInternalServerError, "internal error")
	}
}
