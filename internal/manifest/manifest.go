// Package manifest serializes catalog entities into the winget REST
// wire format (1.4.0 schema family). Generation never mutates the
// catalog; both shapes require at least one version.
package manifest

import (
	"fmt"

	"github.com/wharfdev/wharf/internal/domain"
)

type PackageManifest struct {
	PackageIdentifier string            `json:"PackageIdentifier"`
	Versions          []VersionManifest `json:"Versions"`
}

type VersionManifest struct {
	PackageVersion string              `json:"PackageVersion"`
	DefaultLocale  DefaultLocale       `json:"DefaultLocale"`
	Installers     []InstallerManifest `json:"Installers"`
}

type DefaultLocale struct {
	PackageLocale    string `json:"PackageLocale"`
	Publisher        string `json:"Publisher"`
	PackageName      string `json:"PackageName"`
	ShortDescription string `json:"ShortDescription"`
}

type InstallerManifest struct {
	Architecture         string                `json:"Architecture"`
	InstallerType        string                `json:"InstallerType"`
	InstallerUrl         string                `json:"InstallerUrl"`
	InstallerSha256      string                `json:"InstallerSha256"`
	Scope                string                `json:"Scope"`
	InstallerSwitches    map[string]string     `json:"InstallerSwitches,omitempty"`
	NestedInstallerType  string                `json:"NestedInstallerType,omitempty"`
	NestedInstallerFiles []NestedInstallerFile `json:"NestedInstallerFiles,omitempty"`
}

type NestedInstallerFile struct {
	RelativeFilePath string `json:"RelativeFilePath"`
}

type SearchResult struct {
	PackageIdentifier string          `json:"PackageIdentifier"`
	PackageName       string          `json:"PackageName"`
	Publisher         string          `json:"Publisher"`
	Versions          []SearchVersion `json:"Versions"`
}

type SearchVersion struct {
	PackageVersion string `json:"PackageVersion"`
}

// ForPackage builds the full manifest for one package: every version with
// every installer, its switches and nested-installer descriptors.
// Versions are emitted newest-first (relaxed dotted-numeric order) so the
// output is deterministic. baseURL is the externally visible server root
// used to build InstallerUrl for locally stored artifacts.
func ForPackage(p *domain.Package, baseURL string) (*PackageManifest, error) {
	if len(p.Versions) == 0 {
		return nil, fmt.Errorf("package %s has no versions: %w", p.Identifier, domain.ErrInvalidInput)
	}

	versions := make([]*domain.PackageVersion, len(p.Versions))
	copy(versions, p.Versions)
	domain.SortVersionsDesc(versions)

	out := &PackageManifest{PackageIdentifier: p.Identifier}
	for _, v := range versions {
		vm := VersionManifest{
			PackageVersion: v.VersionCode,
			DefaultLocale: DefaultLocale{
				PackageLocale:    v.PackageLocale,
				Publisher:        p.Publisher,
				PackageName:      p.Name,
				ShortDescription: v.ShortDescription,
			},
		}
		for _, inst := range v.Installers {
			vm.Installers = append(vm.Installers, installerManifest(p, v, inst, baseURL))
		}
		out.Versions = append(out.Versions, vm)
	}
	return out, nil
}

// SearchResultFor builds the abbreviated per-package summary used in
// manifestSearch responses.
func SearchResultFor(p *domain.Package) (*SearchResult, error) {
	if len(p.Versions) == 0 {
		return nil, fmt.Errorf("package %s has no versions: %w", p.Identifier, domain.ErrInvalidInput)
	}

	versions := make([]*domain.PackageVersion, len(p.Versions))
	copy(versions, p.Versions)
	domain.SortVersionsDesc(versions)

	out := &SearchResult{
		PackageIdentifier: p.Identifier,
		PackageName:       p.Name,
		Publisher:         p.Publisher,
	}
	for _, v := range versions {
		out.Versions = append(out.Versions, SearchVersion{PackageVersion: v.VersionCode})
	}
	return out, nil
}

func installerManifest(p *domain.Package, v *domain.PackageVersion, inst *domain.Installer, baseURL string) InstallerManifest {
	url := inst.ExternalURL
	if url == "" {
		url = fmt.Sprintf("%s/download/%s/%s/%s/%s",
			baseURL, p.Identifier, v.VersionCode, inst.Architecture, inst.Scope)
	}

	im := InstallerManifest{
		Architecture:        inst.Architecture,
		InstallerType:       inst.InstallerType,
		InstallerUrl:        url,
		InstallerSha256:     inst.InstallerSha256,
		Scope:               inst.Scope,
		NestedInstallerType: inst.NestedInstallerType,
	}

	if len(inst.Switches) > 0 {
		im.InstallerSwitches = make(map[string]string, len(inst.Switches))
		for _, sw := range inst.Switches {
			im.InstallerSwitches[sw.Parameter] = sw.Value
		}
	}
	for _, nf := range inst.NestedInstallerFiles {
		im.NestedInstallerFiles = append(im.NestedInstallerFiles, NestedInstallerFile{
			RelativeFilePath: nf.RelativeFilePath,
		})
	}
	return im
}
