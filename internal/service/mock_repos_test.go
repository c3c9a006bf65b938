package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/wharfdev/wharf/internal/domain"
	"github.com/wharfdev/wharf/internal/storage"
)

// --- Mock Package Repository ---

type mockPackageRepo struct {
	mu         sync.RWMutex
	packages   map[string]*domain.Package
	order      []string
	failCreate error
}

func newMockPackageRepo() *mockPackageRepo {
	return &mockPackageRepo{packages: make(map[string]*domain.Package)}
}

func (m *mockPackageRepo) CreatePackage(_ context.Context, p *domain.Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	if _, exists := m.packages[p.Identifier]; exists {
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
	m.packages[p.Identifier] = p
	m.order = append(m.order, p.Identifier)
	return nil
}

func (m *mockPackageRepo) GetPackage(_ context.Context, identifier string) (*domain.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.packages[identifier]; ok {
		return p, nil
	}
	return nil, domain.ErrPackageNotFound
}

func (m *mockPackageRepo) GetPackagesByName(_ context.Context, name string) ([]*domain.Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Package
	for _, id := range m.order {
		if p := m.packages[id]; p != nil && p.Name == name {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPackageRepo) SearchNameSubstring(_ context.Context, keyword string) ([]*domain.Package, error) {
	return m.search(func(p *domain.Package) bool {
		return containsFold(p.Name, keyword)
	}), nil
}

func (m *mockPackageRepo) SearchIdentifierSubstring(_ context.Context, keyword string) ([]*domain.Package, error) {
	return m.search(func(p *domain.Package) bool {
		return containsFold(p.Identifier, keyword)
	}), nil
}

func (m *mockPackageRepo) search(match func(*domain.Package) bool) []*domain.Package {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Package
	for _, id := range m.order {
		if p := m.packages[id]; p != nil && match(p) {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockPackageRepo) ListPackages(_ context.Context, page, perPage int) ([]*domain.Package, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Package
	for _, id := range m.order {
		out = append(out, m.packages[id])
	}
	return out, len(out), nil
}

func (m *mockPackageRepo) UpdatePackage(_ context.Context, identifier, name, publisher string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packages[identifier]
	if !ok {
		return domain.ErrPackageNotFound
	}
	p.Name = name
	p.Publisher = publisher
	return nil
}

func (m *mockPackageRepo) DeletePackage(_ context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.packages[identifier]; !ok {
		return domain.ErrPackageNotFound
	}
	delete(m.packages, identifier)
	for i, id := range m.order {
		if id == identifier {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *mockPackageRepo) AddVersion(_ context.Context, v *domain.PackageVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packages[v.Identifier]
	if !ok {
		return domain.ErrPackageNotFound
	}
	for _, existing := range p.Versions {
		if existing.VersionCode == v.VersionCode {
			return domain.ErrConflict
		}
	}
	v.ID = uuid.New()
	for _, inst := range v.Installers {
		inst.ID = uuid.New()
		inst.VersionID = v.ID
	}
	p.Versions = append(p.Versions, v)
	return nil
}

func (m *mockPackageRepo) DeleteVersion(_ context.Context, identifier, versionCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packages[identifier]
	if !ok {
		return domain.ErrPackageNotFound
	}
	for i, v := range p.Versions {
		if v.VersionCode == versionCode {
			p.Versions = append(p.Versions[:i], p.Versions[i+1:]...)
			return nil
		}
	}
	return domain.ErrVersionNotFound
}

func (m *mockPackageRepo) AddInstaller(_ context.Context, versionID uuid.UUID, inst *domain.Installer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.versionByID(versionID)
	if v == nil {
		return domain.ErrVersionNotFound
	}
	inst.ID = uuid.New()
	inst.VersionID = versionID
	v.Installers = append(v.Installers, inst)
	return nil
}

func (m *mockPackageRepo) GetInstaller(_ context.Context, id uuid.UUID) (*domain.Installer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst := m.installerByID(id); inst != nil {
		return inst, nil
	}
	return nil, domain.ErrInstallerNotFound
}

func (m *mockPackageRepo) DeleteInstaller(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.packages {
		for _, v := range p.Versions {
			for i, inst := range v.Installers {
				if inst.ID == id {
					v.Installers = append(v.Installers[:i], v.Installers[i+1:]...)
					return nil
				}
			}
		}
	}
	return domain.ErrInstallerNotFound
}

func (m *mockPackageRepo) SetInstallerSwitches(_ context.Context, installerID uuid.UUID, upsert map[string]string, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.installerByID(installerID)
	if inst == nil {
		return domain.ErrInstallerNotFound
	}

	for param, value := range upsert {
		found := false
		for i := range inst.Switches {
			if inst.Switches[i].Parameter == param {
				inst.Switches[i].Value = value
				found = true
				break
			}
		}
		if !found {
			inst.Switches = append(inst.Switches, domain.InstallerSwitch{
				ID: uuid.New(), InstallerID: installerID, Parameter: param, Value: value,
			})
		}
	}
	for _, param := range remove {
		for i := range inst.Switches {
			if inst.Switches[i].Parameter == param {
				inst.Switches = append(inst.Switches[:i], inst.Switches[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (m *mockPackageRepo) IncrementDownloadCount(_ context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packages[identifier]
	if !ok {
		return domain.ErrPackageNotFound
	}
	p.DownloadCount++
	return nil
}

func (m *mockPackageRepo) versionByID(id uuid.UUID) *domain.PackageVersion {
	for _, p := range m.packages {
		for _, v := range p.Versions {
			if v.ID == id {
				return v
			}
		}
	}
	return nil
}

func (m *mockPackageRepo) installerByID(id uuid.UUID) *domain.Installer {
	for _, p := range m.packages {
		for _, v := range p.Versions {
			for _, inst := range v.Installers {
				if inst.ID == id {
					return inst
				}
			}
		}
	}
	return nil
}

func containsFold(haystack, needle string) bool {
	return bytes.Contains(bytes.ToLower([]byte(haystack)), bytes.ToLower([]byte(needle)))
}

// --- Mock Storage Backend ---

type mockBackend struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	failStore bool
	// urlMode simulates object storage: Retrieve returns a presigned URL
	// instead of a file handle.
	urlMode  bool
	presigns bool
}

func newMockBackend() *mockBackend {
	return &mockBackend{objects: make(map[string][]byte)}
}

func (m *mockBackend) Store(_ context.Context, key string, r io.Reader) (string, int64, error) {
	if m.failStore {
		return "", 0, fmt.Errorf("backend write failed")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

func (m *mockBackend) Retrieve(_ context.Context, key, _ string) (*storage.Location, error) {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	if m.urlMode {
		return &storage.Location{URL: "https://bucket.example/" + key}, nil
	}
	return &storage.Location{File: &memFile{Reader: bytes.NewReader(data)}}, nil
}

func (m *mockBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *mockBackend) PresignUpload(_ context.Context, key, _ string) (string, error) {
	if !m.presigns {
		return "", domain.ErrPresignUnsupported
	}
	return "https://bucket.example/presigned/" + key, nil
}

type memFile struct {
	*bytes.Reader
}

func (f *memFile) Close() error { return nil }
