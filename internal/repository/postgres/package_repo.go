package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wharfdev/wharf/internal/domain"
)

// PackageRepo implements domain.PackageRepository on PostgreSQL. Every
// mutating method runs in a single transaction so concurrent readers
// never observe a partially created or partially deleted hierarchy.
type PackageRepo struct {
	pool *pgxpool.Pool
}

func NewPackageRepo(pool *pgxpool.Pool) *PackageRepo {
	return &PackageRepo{pool: pool}
}

func (r *PackageRepo) CreatePackage(ctx context.Context, p *domain.Package) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO packages (identifier, name, publisher)
			VALUES ($1, $2, $3)
			RETURNING created_at
		`, p.Identifier, p.Name, p.Publisher).Scan(&p.CreatedAt)
		if err != nil {
			return err
		}

		for _, v := range p.Versions {
			v.Identifier = p.Identifier
			if err := insertVersion(ctx, tx, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("create package: %w", err)
	}
	return nil
}

func (r *PackageRepo) GetPackage(ctx context.Context, identifier string) (*domain.Package, error) {
	pkgs, err := r.queryPackages(ctx, `WHERE identifier = $1`, identifier)
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, domain.ErrPackageNotFound
	}
	return pkgs[0], nil
}

func (r *PackageRepo) GetPackagesByName(ctx context.Context, name string) ([]*domain.Package, error) {
	pkgs, err := r.queryPackages(ctx, `WHERE name = $1`, name)
	if err != nil {
		return nil, fmt.Errorf("get packages by name: %w", err)
	}
	return pkgs, nil
}

func (r *PackageRepo) SearchNameSubstring(ctx context.Context, keyword string) ([]*domain.Package, error) {
	pkgs, err := r.queryPackages(ctx, `WHERE name ILIKE $1`, "%"+keyword+"%")
	if err != nil {
		return nil, fmt.Errorf("search by name: %w", err)
	}
	return pkgs, nil
}

func (r *PackageRepo) SearchIdentifierSubstring(ctx context.Context, keyword string) ([]*domain.Package, error) {
	pkgs, err := r.queryPackages(ctx, `WHERE identifier ILIKE $1`, "%"+keyword+"%")
	if err != nil {
		return nil, fmt.Errorf("search by identifier: %w", err)
	}
	return pkgs, nil
}

func (r *PackageRepo) ListPackages(ctx context.Context, page, perPage int) ([]*domain.Package, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM packages`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count packages: %w", err)
	}

	pkgs, err := r.queryPackages(ctx, `LIMIT $1 OFFSET $2`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list packages: %w", err)
	}
	return pkgs, total, nil
}

func (r *PackageRepo) UpdatePackage(ctx context.Context, identifier, name, publisher string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE packages SET name = $2, publisher = $3 WHERE identifier = $1
	`, identifier, name, publisher)
	if err != nil {
		return fmt.Errorf("update package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPackageNotFound
	}
	return nil
}

// DeletePackage removes the package and, through ON DELETE CASCADE, all
// versions, installers, switches and nested-installer rows in one
// transaction. Artifact cleanup is the caller's responsibility and must
// happen while the catalog rows still describe the artifact paths.
func (r *PackageRepo) DeletePackage(ctx context.Context, identifier string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM packages WHERE identifier = $1`, identifier)
	if err != nil {
		return fmt.Errorf("delete package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPackageNotFound
	}
	return nil
}

func (r *PackageRepo) AddVersion(ctx context.Context, v *domain.PackageVersion) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM packages WHERE identifier = $1)`,
			v.Identifier).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrPackageNotFound
		}
		return insertVersion(ctx, tx, v)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		if err == domain.ErrPackageNotFound {
			return err
		}
		return fmt.Errorf("add version: %w", err)
	}
	return nil
}

func (r *PackageRepo) DeleteVersion(ctx context.Context, identifier, versionCode string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM package_versions WHERE identifier = $1 AND version_code = $2
	`, identifier, versionCode)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionNotFound
	}
	return nil
}

func (r *PackageRepo) AddInstaller(ctx context.Context, versionID uuid.UUID, inst *domain.Installer) error {
	inst.VersionID = versionID
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM package_versions WHERE id = $1)`,
			versionID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrVersionNotFound
		}
		return insertInstaller(ctx, tx, inst)
	})
	if err != nil {
		if err == domain.ErrVersionNotFound {
			return err
		}
		return fmt.Errorf("add installer: %w", err)
	}
	return nil
}

func (r *PackageRepo) GetInstaller(ctx context.Context, id uuid.UUID) (*domain.Installer, error) {
	inst := &domain.Installer{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, version_id, architecture, installer_type, scope, file_name,
		       external_url, installer_sha256, nested_installer_type, created_at
		FROM installers WHERE id = $1
	`, id).Scan(
		&inst.ID, &inst.VersionID, &inst.Architecture, &inst.InstallerType,
		&inst.Scope, &inst.FileName, &inst.ExternalURL, &inst.InstallerSha256,
		&inst.NestedInstallerType, &inst.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrInstallerNotFound
		}
		return nil, fmt.Errorf("get installer: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, installer_id, parameter, value
		FROM installer_switches WHERE installer_id = $1 ORDER BY parameter
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get installer switches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sw domain.InstallerSwitch
		if err := rows.Scan(&sw.ID, &sw.InstallerID, &sw.Parameter, &sw.Value); err != nil {
			return nil, fmt.Errorf("scan switch: %w", err)
		}
		inst.Switches = append(inst.Switches, sw)
	}
	return inst, nil
}

func (r *PackageRepo) DeleteInstaller(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM installers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete installer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInstallerNotFound
	}
	return nil
}

func (r *PackageRepo) SetInstallerSwitches(ctx context.Context, installerID uuid.UUID, upsert map[string]string, remove []string) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM installers WHERE id = $1)`,
			installerID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrInstallerNotFound
		}

		for param, value := range upsert {
			if _, err := tx.Exec(ctx, `
				INSERT INTO installer_switches (installer_id, parameter, value)
				VALUES ($1, $2, $3)
				ON CONFLICT (installer_id, parameter) DO UPDATE SET value = EXCLUDED.value
			`, installerID, param, value); err != nil {
				return err
			}
		}
		if len(remove) > 0 {
			if _, err := tx.Exec(ctx, `
				DELETE FROM installer_switches
				WHERE installer_id = $1 AND parameter = ANY($2)
			`, installerID, remove); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if err == domain.ErrInstallerNotFound {
			return err
		}
		return fmt.Errorf("set installer switches: %w", err)
	}
	return nil
}

func (r *PackageRepo) IncrementDownloadCount(ctx context.Context, identifier string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE packages SET download_count = download_count + 1 WHERE identifier = $1
	`, identifier)
	if err != nil {
		return fmt.Errorf("increment download count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPackageNotFound
	}
	return nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, v *domain.PackageVersion) error {
	if v.PackageLocale == "" {
		v.PackageLocale = "en-US"
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO package_versions (identifier, version_code, package_locale, short_description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, v.Identifier, v.VersionCode, v.PackageLocale, v.ShortDescription).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return err
	}

	for _, inst := range v.Installers {
		inst.VersionID = v.ID
		if err := insertInstaller(ctx, tx, inst); err != nil {
			return err
		}
	}
	return nil
}

func insertInstaller(ctx context.Context, tx pgx.Tx, inst *domain.Installer) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO installers (version_id, architecture, installer_type, scope,
		                        file_name, external_url, installer_sha256, nested_installer_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, inst.VersionID, inst.Architecture, inst.InstallerType, inst.Scope,
		inst.FileName, inst.ExternalURL, inst.InstallerSha256, inst.NestedInstallerType,
	).Scan(&inst.ID, &inst.CreatedAt)
	if err != nil {
		return err
	}

	for i := range inst.Switches {
		sw := &inst.Switches[i]
		sw.InstallerID = inst.ID
		if err := tx.QueryRow(ctx, `
			INSERT INTO installer_switches (installer_id, parameter, value)
			VALUES ($1, $2, $3)
			RETURNING id
		`, inst.ID, sw.Parameter, sw.Value).Scan(&sw.ID); err != nil {
			return err
		}
	}
	for i := range inst.NestedInstallerFiles {
		nf := &inst.NestedInstallerFiles[i]
		nf.InstallerID = inst.ID
		if err := tx.QueryRow(ctx, `
			INSERT INTO nested_installer_files (installer_id, relative_file_path)
			VALUES ($1, $2)
			RETURNING id
		`, inst.ID, nf.RelativeFilePath).Scan(&nf.ID); err != nil {
			return err
		}
	}
	return nil
}

// queryPackages loads fully hydrated package aggregates. clause is
// appended to the base SELECT; iteration order is creation order so
// repeated identical searches stay deterministic.
func (r *PackageRepo) queryPackages(ctx context.Context, clause string, args ...interface{}) ([]*domain.Package, error) {
	query := `
		SELECT identifier, name, publisher, download_count, created_at
		FROM packages ` + orderedClause(clause)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pkgs []*domain.Package
	byIdentifier := make(map[string]*domain.Package)
	var identifiers []string
	for rows.Next() {
		p := &domain.Package{}
		if err := rows.Scan(&p.Identifier, &p.Name, &p.Publisher, &p.DownloadCount, &p.CreatedAt); err != nil {
			return nil, err
		}
		pkgs = append(pkgs, p)
		byIdentifier[p.Identifier] = p
		identifiers = append(identifiers, p.Identifier)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if len(pkgs) == 0 {
		return []*domain.Package{}, nil
	}

	if err := r.hydrate(ctx, byIdentifier, identifiers); err != nil {
		return nil, err
	}
	return pkgs, nil
}

func (r *PackageRepo) hydrate(ctx context.Context, byIdentifier map[string]*domain.Package, identifiers []string) error {
	vrows, err := r.pool.Query(ctx, `
		SELECT id, identifier, version_code, package_locale, short_description, created_at
		FROM package_versions WHERE identifier = ANY($1) ORDER BY created_at, id
	`, identifiers)
	if err != nil {
		return err
	}
	defer vrows.Close()

	byVersionID := make(map[uuid.UUID]*domain.PackageVersion)
	var versionIDs []uuid.UUID
	for vrows.Next() {
		v := &domain.PackageVersion{}
		if err := vrows.Scan(&v.ID, &v.Identifier, &v.VersionCode, &v.PackageLocale, &v.ShortDescription, &v.CreatedAt); err != nil {
			return err
		}
		byIdentifier[v.Identifier].Versions = append(byIdentifier[v.Identifier].Versions, v)
		byVersionID[v.ID] = v
		versionIDs = append(versionIDs, v.ID)
	}
	if vrows.Err() != nil {
		return vrows.Err()
	}
	if len(versionIDs) == 0 {
		return nil
	}

	irows, err := r.pool.Query(ctx, `
		SELECT id, version_id, architecture, installer_type, scope, file_name,
		       external_url, installer_sha256, nested_installer_type, created_at
		FROM installers WHERE version_id = ANY($1) ORDER BY created_at, id
	`, versionIDs)
	if err != nil {
		return err
	}
	defer irows.Close()

	byInstallerID := make(map[uuid.UUID]*domain.Installer)
	var installerIDs []uuid.UUID
	for irows.Next() {
		inst := &domain.Installer{}
		if err := irows.Scan(&inst.ID, &inst.VersionID, &inst.Architecture, &inst.InstallerType,
			&inst.Scope, &inst.FileName, &inst.ExternalURL, &inst.InstallerSha256,
			&inst.NestedInstallerType, &inst.CreatedAt); err != nil {
			return err
		}
		byVersionID[inst.VersionID].Installers = append(byVersionID[inst.VersionID].Installers, inst)
		byInstallerID[inst.ID] = inst
		installerIDs = append(installerIDs, inst.ID)
	}
	if irows.Err() != nil {
		return irows.Err()
	}
	if len(installerIDs) == 0 {
		return nil
	}

	srows, err := r.pool.Query(ctx, `
		SELECT id, installer_id, parameter, value
		FROM installer_switches WHERE installer_id = ANY($1) ORDER BY parameter
	`, installerIDs)
	if err != nil {
		return err
	}
	defer srows.Close()
	for srows.Next() {
		var sw domain.InstallerSwitch
		if err := srows.Scan(&sw.ID, &sw.InstallerID, &sw.Parameter, &sw.Value); err != nil {
			return err
		}
		inst := byInstallerID[sw.InstallerID]
		inst.Switches = append(inst.Switches, sw)
	}
	if srows.Err() != nil {
		return srows.Err()
	}

	nrows, err := r.pool.Query(ctx, `
		SELECT id, installer_id, relative_file_path
		FROM nested_installer_files WHERE installer_id = ANY($1) ORDER BY id
	`, installerIDs)
	if err != nil {
		return err
	}
	defer nrows.Close()
	for nrows.Next() {
		var nf domain.NestedInstallerFile
		if err := nrows.Scan(&nf.ID, &nf.InstallerID, &nf.RelativeFilePath); err != nil {
			return err
		}
		inst := byInstallerID[nf.InstallerID]
		inst.NestedInstallerFiles = append(inst.NestedInstallerFiles, nf)
	}
	return nrows.Err()
}

// orderedClause puts the stable creation ordering before any trailing
// LIMIT/OFFSET clause and after any WHERE clause.
func orderedClause(clause string) string {
	const order = ` ORDER BY created_at, identifier `
	if len(clause) >= 5 && clause[:5] == "LIMIT" {
		return order + clause
	}
	return clause + order
}
