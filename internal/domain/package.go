package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Package is the root of the catalog hierarchy. Identifier is the
// case-sensitive protocol key (e.g. "Contoso.App") and is globally unique.
type Package struct {
	Identifier    string            `json:"identifier"`
	Name          string            `json:"name"`
	Publisher     string            `json:"publisher"`
	DownloadCount int64             `json:"download_count"`
	Versions      []*PackageVersion `json:"versions,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// PackageVersion is unique per (identifier, version_code). Version codes
// are free-form strings ordered by CompareVersions, not by storage layout.
type PackageVersion struct {
	ID               uuid.UUID    `json:"id"`
	Identifier       string       `json:"identifier"`
	VersionCode      string       `json:"version_code"`
	PackageLocale    string       `json:"package_locale"`
	ShortDescription string       `json:"short_description"`
	Installers       []*Installer `json:"installers,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Installer is one downloadable artifact for a version. Exactly one of
// FileName (backed by the storage backend under the derived path key) or
// ExternalURL must be set.
type Installer struct {
	ID                   uuid.UUID             `json:"id"`
	VersionID            uuid.UUID             `json:"version_id"`
	Architecture         string                `json:"architecture"`
	InstallerType        string                `json:"installer_type"`
	Scope                string                `json:"scope"`
	FileName             string                `json:"file_name,omitempty"`
	ExternalURL          string                `json:"external_url,omitempty"`
	InstallerSha256      string                `json:"installer_sha256"`
	NestedInstallerType  string                `json:"nested_installer_type,omitempty"`
	NestedInstallerFiles []NestedInstallerFile `json:"nested_installer_files,omitempty"`
	Switches             []InstallerSwitch     `json:"switches,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
}

type InstallerSwitch struct {
	ID          uuid.UUID `json:"id"`
	InstallerID uuid.UUID `json:"installer_id"`
	Parameter   string    `json:"parameter"`
	Value       string    `json:"value"`
}

type NestedInstallerFile struct {
	ID               uuid.UUID `json:"id"`
	InstallerID      uuid.UUID `json:"installer_id"`
	RelativeFilePath string    `json:"relative_file_path"`
}

// PackageRepository is the catalog store. Every mutating call is a single
// atomic operation: a create that carries children either commits the whole
// hierarchy or nothing. Read methods return fully loaded aggregates in
// stable creation order so that search results stay deterministic.
type PackageRepository interface {
	CreatePackage(ctx context.Context, p *Package) error
	GetPackage(ctx context.Context, identifier string) (*Package, error)
	GetPackagesByName(ctx context.Context, name string) ([]*Package, error)
	SearchNameSubstring(ctx context.Context, keyword string) ([]*Package, error)
	SearchIdentifierSubstring(ctx context.Context, keyword string) ([]*Package, error)
	ListPackages(ctx context.Context, page, perPage int) ([]*Package, int, error)
	UpdatePackage(ctx context.Context, identifier, name, publisher string) error
	DeletePackage(ctx context.Context, identifier string) error

	AddVersion(ctx context.Context, v *PackageVersion) error
	DeleteVersion(ctx context.Context, identifier, versionCode string) error

	AddInstaller(ctx context.Context, versionID uuid.UUID, inst *Installer) error
	GetInstaller(ctx context.Context, id uuid.UUID) (*Installer, error)
	DeleteInstaller(ctx context.Context, id uuid.UUID) error
	SetInstallerSwitches(ctx context.Context, installerID uuid.UUID, upsert map[string]string, remove []string) error

	IncrementDownloadCount(ctx context.Context, identifier string) error
}

// Version returns the version with the given code, or nil.
func (p *Package) Version(code string) *PackageVersion {
	for _, v := range p.Versions {
		if v.VersionCode == code {
			return v
		}
	}
	return nil
}

// Installer returns the first installer matching architecture and, when
// scope is non-empty, scope. Uniqueness of (architecture, scope) within a
// version is not enforced by the model; first match in creation order wins.
func (v *PackageVersion) Installer(architecture, scope string) *Installer {
	for _, inst := range v.Installers {
		if inst.Architecture != architecture {
			continue
		}
		if scope != "" && inst.Scope != scope {
			continue
		}
		return inst
	}
	return nil
}
