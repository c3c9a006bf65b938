package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/wharfdev/wharf/internal/domain"
	"github.com/wharfdev/wharf/internal/storage"
)

// CatalogService owns all catalog mutations. Artifact writes happen
// before the catalog commit (no dangling catalog references); if the
// catalog write then fails, the stored artifact is cleaned up
// best-effort. On deletes the order flips: artifacts are removed first,
// from paths derived from catalog fields, and a failed artifact delete is
// logged but never blocks the catalog delete.
type CatalogService struct {
	repo  domain.PackageRepository
	store storage.Backend
	log   *slog.Logger
}

func NewCatalogService(repo domain.PackageRepository, store storage.Backend, log *slog.Logger) *CatalogService {
	return &CatalogService{repo: repo, store: store, log: log.With(slog.String("service", "catalog"))}
}

type InstallerInput struct {
	Architecture  string
	InstallerType string
	Scope         string

	// File + UploadName for direct uploads. PreUploaded marks an object
	// already placed in the bucket through a presigned URL; Sha256 is the
	// client-declared hash in that case (may be empty, accepted
	// limitation of the presigned path). ExternalURL skips storage
	// entirely. Exactly one of the three modes must be used.
	File        io.Reader
	UploadName  string
	PreUploaded bool
	Sha256      string
	ExternalURL string

	NestedInstallerType  string
	NestedInstallerPaths []string
	Switches             map[string]string
}

type VersionInput struct {
	VersionCode      string
	PackageLocale    string
	ShortDescription string
	Installer        *InstallerInput
}

type CreatePackageInput struct {
	Identifier string
	Name       string
	Publisher  string
	Version    *VersionInput
}

func (s *CatalogService) CreatePackage(ctx context.Context, input CreatePackageInput) (*domain.Package, error) {
	if input.Identifier == "" || input.Name == "" || input.Publisher == "" {
		return nil, fmt.Errorf("%w: identifier, name, and publisher are required", domain.ErrInvalidInput)
	}

	pkg := &domain.Package{
		Identifier: input.Identifier,
		Name:       input.Name,
		Publisher:  input.Publisher,
	}

	var storedKey string
	if input.Version != nil {
		v, key, err := s.buildVersion(ctx, pkg, *input.Version)
		if err != nil {
			return nil, err
		}
		pkg.Versions = append(pkg.Versions, v)
		storedKey = key
	}

	if err := s.repo.CreatePackage(ctx, pkg); err != nil {
		s.cleanupArtifact(ctx, storedKey)
		if err == domain.ErrConflict {
			return nil, err
		}
		return nil, fmt.Errorf("create package: %w", err)
	}

	s.log.Info("package created", "identifier", pkg.Identifier, "publisher", pkg.Publisher)
	return pkg, nil
}

func (s *CatalogService) GetPackage(ctx context.Context, identifier string) (*domain.Package, error) {
	return s.repo.GetPackage(ctx, identifier)
}

func (s *CatalogService) ListPackages(ctx context.Context, page, perPage int) ([]*domain.Package, int, error) {
	return s.repo.ListPackages(ctx, page, perPage)
}

// UpdatePackage renames a package.
// TODO: renaming the publisher orphans artifacts stored under the old
// publisher segment; re-key them on rename.
func (s *CatalogService) UpdatePackage(ctx context.Context, identifier, name, publisher string) error {
	if name == "" || publisher == "" {
		return fmt.Errorf("%w: name and publisher are required", domain.ErrInvalidInput)
	}
	return s.repo.UpdatePackage(ctx, identifier, name, publisher)
}

func (s *CatalogService) DeletePackage(ctx context.Context, identifier string) error {
	pkg, err := s.repo.GetPackage(ctx, identifier)
	if err != nil {
		return err
	}

	for _, v := range pkg.Versions {
		for _, inst := range v.Installers {
			s.removeArtifact(ctx, pkg, v, inst)
		}
	}

	if err := s.repo.DeletePackage(ctx, identifier); err != nil {
		return err
	}

	s.log.Info("package deleted", "identifier", identifier)
	return nil
}

func (s *CatalogService) AddVersion(ctx context.Context, identifier string, input VersionInput) (*domain.PackageVersion, error) {
	if input.VersionCode == "" {
		return nil, fmt.Errorf("%w: version code is required", domain.ErrInvalidInput)
	}

	pkg, err := s.repo.GetPackage(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if input.ShortDescription == "" {
		input.ShortDescription = pkg.Name
	}

	v, storedKey, err := s.buildVersion(ctx, pkg, input)
	if err != nil {
		return nil, err
	}

	if err := s.repo.AddVersion(ctx, v); err != nil {
		s.cleanupArtifact(ctx, storedKey)
		if err == domain.ErrConflict || err == domain.ErrPackageNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("add version: %w", err)
	}

	s.log.Info("version added", "identifier", identifier, "version", v.VersionCode)
	return v, nil
}

func (s *CatalogService) DeleteVersion(ctx context.Context, identifier, versionCode string) error {
	pkg, err := s.repo.GetPackage(ctx, identifier)
	if err != nil {
		return err
	}
	v := pkg.Version(versionCode)
	if v == nil {
		return domain.ErrVersionNotFound
	}

	for _, inst := range v.Installers {
		s.removeArtifact(ctx, pkg, v, inst)
	}

	if err := s.repo.DeleteVersion(ctx, identifier, versionCode); err != nil {
		return err
	}

	s.log.Info("version deleted", "identifier", identifier, "version", versionCode)
	return nil
}

func (s *CatalogService) AddInstaller(ctx context.Context, identifier, versionCode string, input InstallerInput) (*domain.Installer, error) {
	pkg, err := s.repo.GetPackage(ctx, identifier)
	if err != nil {
		return nil, err
	}
	v := pkg.Version(versionCode)
	if v == nil {
		return nil, domain.ErrVersionNotFound
	}

	inst, storedKey, err := s.buildInstaller(ctx, pkg, versionCode, input)
	if err != nil {
		return nil, err
	}

	if err := s.repo.AddInstaller(ctx, v.ID, inst); err != nil {
		s.cleanupArtifact(ctx, storedKey)
		if err == domain.ErrVersionNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("add installer: %w", err)
	}

	s.log.Info("installer added",
		"identifier", identifier, "version", versionCode,
		"architecture", inst.Architecture, "scope", inst.Scope)
	return inst, nil
}

func (s *CatalogService) DeleteInstaller(ctx context.Context, identifier, versionCode string, installerID uuid.UUID) error {
	pkg, err := s.repo.GetPackage(ctx, identifier)
	if err != nil {
		return err
	}
	v := pkg.Version(versionCode)
	if v == nil {
		return domain.ErrVersionNotFound
	}

	var target *domain.Installer
	for _, inst := range v.Installers {
		if inst.ID == installerID {
			target = inst
			break
		}
	}
	if target == nil {
		return domain.ErrInstallerNotFound
	}

	s.removeArtifact(ctx, pkg, v, target)

	if err := s.repo.DeleteInstaller(ctx, installerID); err != nil {
		return err
	}

	s.log.Info("installer deleted", "identifier", identifier, "version", versionCode, "installer", installerID)
	return nil
}

// SetInstallerSwitches applies switch edits: parameters in upsert are
// created or updated, parameters in remove are deleted.
func (s *CatalogService) SetInstallerSwitches(ctx context.Context, installerID uuid.UUID, upsert map[string]string, remove []string) error {
	return s.repo.SetInstallerSwitches(ctx, installerID, upsert, remove)
}

// GetInstaller returns one installer with its switch set, for echoing
// the result of a switch edit back to the caller.
func (s *CatalogService) GetInstaller(ctx context.Context, installerID uuid.UUID) (*domain.Installer, error) {
	return s.repo.GetInstaller(ctx, installerID)
}

type PresignInput struct {
	FileName     string
	ContentType  string
	Publisher    string
	Identifier   string
	Version      string
	Architecture string
	Scope        string
}

type PresignResult struct {
	PresignedURL string `json:"presigned_url"`
	ContentType  string `json:"content_type"`
	FileName     string `json:"file_name"`
	FilePath     string `json:"file_path"`
}

// PresignUpload issues an upload URL for the artifact slot described by
// the input. Only available on backends that support presigned uploads.
func (s *CatalogService) PresignUpload(ctx context.Context, input PresignInput) (*PresignResult, error) {
	if input.FileName == "" || input.Identifier == "" || input.Version == "" ||
		input.Architecture == "" || input.Scope == "" {
		return nil, fmt.Errorf("%w: file name, identifier, version, architecture, and scope are required", domain.ErrInvalidInput)
	}

	fileName := storage.ScopedFileName(input.Scope, input.FileName)
	key := storage.Key(input.Publisher, input.Identifier, input.Version, input.Architecture, fileName)

	url, err := s.store.PresignUpload(ctx, key, input.ContentType)
	if err != nil {
		if err == domain.ErrPresignUnsupported {
			return nil, err
		}
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	return &PresignResult{
		PresignedURL: url,
		ContentType:  input.ContentType,
		FileName:     fileName,
		FilePath:     key,
	}, nil
}

func (s *CatalogService) buildVersion(ctx context.Context, pkg *domain.Package, input VersionInput) (*domain.PackageVersion, string, error) {
	if input.VersionCode == "" {
		return nil, "", fmt.Errorf("%w: version code is required", domain.ErrInvalidInput)
	}
	if input.ShortDescription == "" {
		input.ShortDescription = pkg.Name
	}

	v := &domain.PackageVersion{
		Identifier:       pkg.Identifier,
		VersionCode:      input.VersionCode,
		PackageLocale:    input.PackageLocale,
		ShortDescription: input.ShortDescription,
	}

	var storedKey string
	if input.Installer != nil {
		inst, key, err := s.buildInstaller(ctx, pkg, input.VersionCode, *input.Installer)
		if err != nil {
			return nil, "", err
		}
		v.Installers = append(v.Installers, inst)
		storedKey = key
	}
	return v, storedKey, nil
}

// buildInstaller validates the input and, for direct uploads, stores the
// artifact (computing its hash) before any catalog row exists. The
// returned key is non-empty only when an artifact was written here and
// may need cleanup if the catalog commit fails.
func (s *CatalogService) buildInstaller(ctx context.Context, pkg *domain.Package, versionCode string, input InstallerInput) (*domain.Installer, string, error) {
	if input.Architecture == "" || input.InstallerType == "" || input.Scope == "" {
		return nil, "", fmt.Errorf("%w: architecture, installer type, and scope are required", domain.ErrInvalidInput)
	}
	hasFile := input.File != nil || input.PreUploaded
	if hasFile && input.UploadName == "" {
		return nil, "", fmt.Errorf("%w: file name is required", domain.ErrInvalidInput)
	}
	if !hasFile && input.ExternalURL == "" {
		return nil, "", fmt.Errorf("%w: installer requires a file or an external URL", domain.ErrInvalidInput)
	}
	if (input.NestedInstallerType == "") != (len(input.NestedInstallerPaths) == 0) {
		return nil, "", fmt.Errorf("%w: nested installer type and path must be provided together", domain.ErrInvalidInput)
	}

	inst := &domain.Installer{
		Architecture:        input.Architecture,
		InstallerType:       input.InstallerType,
		Scope:               input.Scope,
		ExternalURL:         input.ExternalURL,
		InstallerSha256:     input.Sha256,
		NestedInstallerType: input.NestedInstallerType,
	}
	for _, p := range input.NestedInstallerPaths {
		inst.NestedInstallerFiles = append(inst.NestedInstallerFiles, domain.NestedInstallerFile{RelativeFilePath: p})
	}

	params := make([]string, 0, len(input.Switches))
	for p := range input.Switches {
		params = append(params, p)
	}
	sort.Strings(params)
	for _, p := range params {
		inst.Switches = append(inst.Switches, domain.InstallerSwitch{Parameter: p, Value: input.Switches[p]})
	}

	var storedKey string
	if hasFile {
		inst.FileName = storage.ScopedFileName(input.Scope, input.UploadName)
		key := storage.Key(pkg.Publisher, pkg.Identifier, versionCode, input.Architecture, inst.FileName)
		if input.File != nil {
			hash, _, err := s.store.Store(ctx, key, input.File)
			if err != nil {
				return nil, "", fmt.Errorf("store artifact: %w", err)
			}
			inst.InstallerSha256 = hash
			storedKey = key
		}
	}

	return inst, storedKey, nil
}

// removeArtifact deletes the backing artifact for a locally stored
// installer. Failures are logged only: an unreachable backend must not
// block catalog deletes.
func (s *CatalogService) removeArtifact(ctx context.Context, pkg *domain.Package, v *domain.PackageVersion, inst *domain.Installer) {
	if inst.FileName == "" {
		return
	}
	key := storage.Key(pkg.Publisher, pkg.Identifier, v.VersionCode, inst.Architecture, inst.FileName)
	if err := s.store.Delete(ctx, key); err != nil {
		s.log.Warn("failed to delete artifact", "key", key, "err", err)
	}
}

func (s *CatalogService) cleanupArtifact(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil {
		s.log.Warn("failed to clean up artifact after catalog error", "key", key, "err", err)
	}
}
