package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/divio/ac-wheelsproxy/pkg/pypi"
)

var tracer = otel.Tracer("wheelsproxy/catalog")

// SQLStore implements Store on top of database/sql. The production driver is
// lib/pq; tests run the same code against mattn/go-sqlite3.
type SQLStore struct {
	db          *sql.DB
	dialect     dialect
	invalidator Invalidator
	reaper      ArtifactReaper
}

// NewSQLStore wraps an open database handle. driver selects the dialect
// ("postgres" or "sqlite3").
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported catalog driver: %q", driver)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// OpenSQLStore opens a connection, verifies it and applies the schema.
func OpenSQLStore(ctx context.Context, driver, dsn string, maxConns, minConns int) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog connection: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	store, err := NewSQLStore(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// SetInvalidator registers the derived-view invalidation hook.
func (s *SQLStore) SetInvalidator(inv Invalidator) {
	s.invalidator = inv
}

// SetArtifactReaper registers the orphaned-artifact deletion hook.
func (s *SQLStore) SetArtifactReaper(reaper ArtifactReaper) {
	s.reaper = reaper
}

func (s *SQLStore) reapArtifacts(ctx context.Context, paths []string) {
	if s.reaper == nil {
		return
	}
	for _, path := range paths {
		s.reaper.DeleteArtifact(ctx, path)
	}
}

// buildArtifacts collects the stored artifact paths of the builds owned by
// the given releases.
func buildArtifacts(ctx context.Context, tx *sql.Tx, d dialect, releaseIDs []int64) ([]string, error) {
	if len(releaseIDs) == 0 {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx, d.rebind(
		`SELECT artifact FROM builds WHERE artifact != '' AND release_id IN (`+inClause(len(releaseIDs))+`)`),
		int64Args(releaseIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) invalidate(ctx context.Context, indexSlug, packageSlug string) {
	if s.invalidator != nil {
		s.invalidator.InvalidatePackage(ctx, indexSlug, packageSlug)
	}
}

func (s *SQLStore) query(q string) string {
	return s.dialect.rebind(q)
}

// insertID runs an INSERT and returns the generated id, papering over the
// RETURNING / LastInsertId split between the two drivers.
func insertID(ctx context.Context, tx *sql.Tx, d dialect, query string, args ...interface{}) (int64, error) {
	if d.name == "postgres" {
		var id int64
		err := tx.QueryRowContext(ctx, d.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := tx.ExecContext(ctx, d.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Indexes

func (s *SQLStore) CreateIndex(ctx context.Context, index *Index) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := insertID(ctx, tx, s.dialect,
			`INSERT INTO indexes (slug, url, backend, last_update_serial) VALUES (?, ?, ?, ?)`,
			index.Slug, index.URL, index.Backend, serialArg(index.LastUpdateSerial))
		if err != nil {
			return fmt.Errorf("failed to create index %q: %w", index.Slug, err)
		}
		index.ID = id
		return nil
	})
}

func serialArg(serial *int64) interface{} {
	if serial == nil {
		return nil
	}
	return *serial
}

func scanIndex(row interface{ Scan(...interface{}) error }) (*Index, error) {
	var index Index
	var serial sql.NullInt64
	if err := row.Scan(&index.ID, &index.Slug, &index.URL, &index.Backend, &serial); err != nil {
		return nil, err
	}
	if serial.Valid {
		index.LastUpdateSerial = &serial.Int64
	}
	return &index, nil
}

const indexColumns = `id, slug, url, backend, last_update_serial`

func (s *SQLStore) GetIndex(ctx context.Context, slug string) (*Index, error) {
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT `+indexColumns+` FROM indexes WHERE slug = ?`), slug)
	index, err := scanIndex(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index %q: %w", slug, err)
	}
	return index, nil
}

func (s *SQLStore) GetIndexes(ctx context.Context, slugs []string) ([]*Index, error) {
	indexes := make([]*Index, 0, len(slugs))
	for _, slug := range slugs {
		index, err := s.GetIndex(ctx, slug)
		if err != nil {
			return nil, err
		}
		indexes = append(indexes, index)
	}
	return indexes, nil
}

func (s *SQLStore) ListIndexes(ctx context.Context) ([]*Index, error) {
	rows, err := s.db.QueryContext(ctx, s.query(
		`SELECT `+indexColumns+` FROM indexes ORDER BY slug`))
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	defer rows.Close()

	var indexes []*Index
	for rows.Next() {
		index, err := scanIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		indexes = append(indexes, index)
	}
	return indexes, rows.Err()
}

func (s *SQLStore) SetLastUpdateSerial(ctx context.Context, indexID, serial int64) error {
	// Serials are monotone; never move the cursor backwards.
	_, err := s.db.ExecContext(ctx, s.query(
		`UPDATE indexes SET last_update_serial = ?
		 WHERE id = ? AND (last_update_serial IS NULL OR last_update_serial <= ?)`),
		serial, indexID, serial)
	if err != nil {
		return fmt.Errorf("failed to update serial: %w", err)
	}
	return nil
}

// Platforms

func (s *SQLStore) CreatePlatform(ctx context.Context, platform *Platform) error {
	spec, err := json.Marshal(platform.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal platform spec: %w", err)
	}
	env, err := marshalNullable(platform.Environment)
	if err != nil {
		return fmt.Errorf("failed to marshal platform environment: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := insertID(ctx, tx, s.dialect,
			`INSERT INTO platforms (slug, type, spec, environment) VALUES (?, ?, ?, ?)`,
			platform.Slug, platform.Type, string(spec), env)
		if err != nil {
			return fmt.Errorf("failed to create platform %q: %w", platform.Slug, err)
		}
		platform.ID = id
		return nil
	})
}

func marshalNullable(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func scanPlatform(row interface{ Scan(...interface{}) error }) (*Platform, error) {
	var platform Platform
	var spec string
	var env sql.NullString
	if err := row.Scan(&platform.ID, &platform.Slug, &platform.Type, &spec, &env); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(spec), &platform.Spec); err != nil {
		return nil, fmt.Errorf("corrupt platform spec: %w", err)
	}
	if env.Valid && env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &platform.Environment); err != nil {
			return nil, fmt.Errorf("corrupt platform environment: %w", err)
		}
	}
	return &platform, nil
}

func (s *SQLStore) GetPlatform(ctx context.Context, slug string) (*Platform, error) {
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT id, slug, type, spec, environment FROM platforms WHERE slug = ?`), slug)
	platform, err := scanPlatform(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load platform %q: %w", slug, err)
	}
	return platform, nil
}

func (s *SQLStore) getPlatformByID(ctx context.Context, id int64) (*Platform, error) {
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT id, slug, type, spec, environment FROM platforms WHERE id = ?`), id)
	platform, err := scanPlatform(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return platform, err
}

func (s *SQLStore) ListPlatforms(ctx context.Context) ([]*Platform, error) {
	rows, err := s.db.QueryContext(ctx, s.query(
		`SELECT id, slug, type, spec, environment FROM platforms ORDER BY slug`))
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	defer rows.Close()

	var platforms []*Platform
	for rows.Next() {
		platform, err := scanPlatform(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan platform: %w", err)
		}
		platforms = append(platforms, platform)
	}
	return platforms, rows.Err()
}

func (s *SQLStore) SetPlatformEnvironment(ctx context.Context, platformID int64, env map[string]string) error {
	data, err := marshalNullable(env)
	if err != nil {
		return fmt.Errorf("failed to marshal platform environment: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.query(
		`UPDATE platforms SET environment = ? WHERE id = ?`), data, platformID)
	if err != nil {
		return fmt.Errorf("failed to store platform environment: %w", err)
	}
	return nil
}

// Packages

func (s *SQLStore) UpsertPackage(ctx context.Context, indexID int64, name string) (*Package, error) {
	ctx, span := tracer.Start(ctx, "UpsertPackage",
		trace.WithAttributes(attribute.String("package.name", name)))
	defer span.End()

	slug := pypi.NormalizeName(name)
	var pkg *Package
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.query(
			`INSERT INTO packages (index_id, name, slug) VALUES (?, ?, ?)
			 ON CONFLICT (index_id, slug) DO NOTHING`),
			indexID, name, slug)
		if err != nil {
			return fmt.Errorf("failed to upsert package %q: %w", name, err)
		}
		row := tx.QueryRowContext(ctx, s.query(
			`SELECT id, index_id, name, slug FROM packages WHERE index_id = ? AND slug = ?`),
			indexID, slug)
		pkg = &Package{}
		if err := row.Scan(&pkg.ID, &pkg.IndexID, &pkg.Name, &pkg.Slug); err != nil {
			return fmt.Errorf("failed to load package %q: %w", slug, err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return pkg, nil
}

func (s *SQLStore) GetPackage(ctx context.Context, indexID int64, slug string) (*Package, error) {
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT id, index_id, name, slug FROM packages WHERE index_id = ? AND slug = ?`),
		indexID, pypi.NormalizeName(slug))
	var pkg Package
	err := row.Scan(&pkg.ID, &pkg.IndexID, &pkg.Name, &pkg.Slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load package %q: %w", slug, err)
	}
	return &pkg, nil
}

func (s *SQLStore) ListPackages(ctx context.Context, indexID int64) ([]*Package, error) {
	rows, err := s.db.QueryContext(ctx, s.query(
		`SELECT id, index_id, name, slug FROM packages WHERE index_id = ? ORDER BY slug`), indexID)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer rows.Close()

	var packages []*Package
	for rows.Next() {
		var pkg Package
		if err := rows.Scan(&pkg.ID, &pkg.IndexID, &pkg.Name, &pkg.Slug); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		packages = append(packages, &pkg)
	}
	return packages, rows.Err()
}

func (s *SQLStore) ListPackageIDs(ctx context.Context, indexID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.query(
		`SELECT id FROM packages WHERE index_id = ?`), indexID)
	if err != nil {
		return nil, fmt.Errorf("failed to list package ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan package id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) DeletePackage(ctx context.Context, indexID int64, slug string) error {
	slug = pypi.NormalizeName(slug)
	var indexSlug string
	var orphaned []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, s.query(
			`SELECT slug FROM indexes WHERE id = ?`), indexID).Scan(&indexSlug); err != nil {
			return fmt.Errorf("failed to resolve index %d: %w", indexID, err)
		}
		releaseIDs, err := packageReleaseIDs(ctx, tx, s.dialect,
			`SELECT r.id FROM releases r JOIN packages p ON p.id = r.package_id
			 WHERE p.index_id = ? AND p.slug = ?`, indexID, slug)
		if err != nil {
			return err
		}
		if orphaned, err = buildArtifacts(ctx, tx, s.dialect, releaseIDs); err != nil {
			return fmt.Errorf("failed to collect orphaned artifacts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.query(
			`DELETE FROM packages WHERE index_id = ? AND slug = ?`), indexID, slug); err != nil {
			return fmt.Errorf("failed to delete package %q: %w", slug, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, indexSlug, slug)
	s.reapArtifacts(ctx, orphaned)
	return nil
}

// packageReleaseIDs runs a release-id query with the given arguments.
func packageReleaseIDs(ctx context.Context, tx *sql.Tx, d dialect, query string, args ...interface{}) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve releases: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) DeletePackagesByID(ctx context.Context, indexID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	var indexSlug string
	var slugs []string
	var orphaned []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, s.query(
			`SELECT slug FROM indexes WHERE id = ?`), indexID).Scan(&indexSlug); err != nil {
			return fmt.Errorf("failed to resolve index %d: %w", indexID, err)
		}
		releaseIDs, err := packageReleaseIDs(ctx, tx, s.dialect,
			`SELECT r.id FROM releases r WHERE r.package_id IN (`+inClause(len(ids))+`)`,
			int64Args(ids)...)
		if err != nil {
			return err
		}
		if orphaned, err = buildArtifacts(ctx, tx, s.dialect, releaseIDs); err != nil {
			return fmt.Errorf("failed to collect orphaned artifacts: %w", err)
		}
		rows, err := tx.QueryContext(ctx, s.query(
			`SELECT slug FROM packages WHERE index_id = ? AND id IN (`+inClause(len(ids))+`)`),
			append([]interface{}{indexID}, int64Args(ids)...)...)
		if err != nil {
			return fmt.Errorf("failed to resolve packages to delete: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var slug string
			if err := rows.Scan(&slug); err != nil {
				return err
			}
			slugs = append(slugs, slug)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, s.query(
			`DELETE FROM packages WHERE index_id = ? AND id IN (`+inClause(len(ids))+`)`),
			append([]interface{}{indexID}, int64Args(ids)...)...)
		if err != nil {
			return fmt.Errorf("failed to delete packages: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, slug := range slugs {
		s.invalidate(ctx, indexSlug, slug)
	}
	s.reapArtifacts(ctx, orphaned)
	return nil
}

// Releases

func (s *SQLStore) ReplaceReleases(ctx context.Context, packageID int64, desired []ReleaseSpec) error {
	ctx, span := tracer.Start(ctx, "ReplaceReleases",
		trace.WithAttributes(attribute.Int64("package.id", packageID)))
	defer span.End()

	var indexSlug, packageSlug string
	var orphaned []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, s.query(
			`SELECT i.slug, p.slug FROM packages p JOIN indexes i ON i.id = p.index_id WHERE p.id = ?`),
			packageID).Scan(&indexSlug, &packageSlug); err != nil {
			return fmt.Errorf("failed to resolve package %d: %w", packageID, err)
		}

		type existing struct {
			id        int64
			url, md5  string
		}
		current := map[string]existing{}
		rows, err := tx.QueryContext(ctx, s.query(
			`SELECT id, version, url, md5_digest FROM releases WHERE package_id = ?`), packageID)
		if err != nil {
			return fmt.Errorf("failed to load releases: %w", err)
		}
		for rows.Next() {
			var e existing
			var version string
			if err := rows.Scan(&e.id, &version, &e.url, &e.md5); err != nil {
				rows.Close()
				return err
			}
			current[version] = e
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		keep := map[string]bool{}
		for _, spec := range desired {
			version := pypi.NormalizeVersion(spec.Version)
			keep[version] = true
			if have, ok := current[version]; ok {
				if have.url != spec.URL || have.md5 != spec.MD5Digest {
					_, err := tx.ExecContext(ctx, s.query(
						`UPDATE releases SET url = ?, md5_digest = ?, last_update = ? WHERE id = ?`),
						spec.URL, spec.MD5Digest, now, have.id)
					if err != nil {
						return fmt.Errorf("failed to update release %s: %w", version, err)
					}
				}
				continue
			}
			_, err := tx.ExecContext(ctx, s.query(
				`INSERT INTO releases (package_id, version, url, md5_digest, last_update)
				 VALUES (?, ?, ?, ?, ?)`),
				packageID, version, spec.URL, spec.MD5Digest, now)
			if err != nil {
				return fmt.Errorf("failed to insert release %s: %w", version, err)
			}
		}

		var doomed []int64
		for version, have := range current {
			if !keep[version] {
				doomed = append(doomed, have.id)
			}
		}
		if len(doomed) > 0 {
			if orphaned, err = buildArtifacts(ctx, tx, s.dialect, doomed); err != nil {
				return fmt.Errorf("failed to collect orphaned artifacts: %w", err)
			}
			_, err := tx.ExecContext(ctx, s.query(
				`DELETE FROM releases WHERE id IN (`+inClause(len(doomed))+`)`),
				int64Args(doomed)...)
			if err != nil {
				return fmt.Errorf("failed to delete releases: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	s.invalidate(ctx, indexSlug, packageSlug)
	s.reapArtifacts(ctx, orphaned)
	return nil
}

const releaseColumns = `id, package_id, version, url, md5_digest, last_update`

func scanRelease(row interface{ Scan(...interface{}) error }) (*Release, error) {
	var release Release
	if err := row.Scan(&release.ID, &release.PackageID, &release.Version,
		&release.URL, &release.MD5Digest, &release.LastUpdate); err != nil {
		return nil, err
	}
	return &release, nil
}

func (s *SQLStore) ListReleases(ctx context.Context, packageID int64) ([]*Release, error) {
	rows, err := s.db.QueryContext(ctx, s.query(
		`SELECT `+releaseColumns+` FROM releases WHERE package_id = ?`), packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list releases: %w", err)
	}
	defer rows.Close()

	var releases []*Release
	for rows.Next() {
		release, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		releases = append(releases, release)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortReleasesDescending(releases)
	return releases, nil
}

func (s *SQLStore) GetRelease(ctx context.Context, packageID int64, version string) (*Release, error) {
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT `+releaseColumns+` FROM releases WHERE package_id = ? AND version = ?`),
		packageID, pypi.NormalizeVersion(version))
	release, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load release %s: %w", version, err)
	}
	return release, nil
}

func (s *SQLStore) GetOrCreateRelease(ctx context.Context, packageID int64, version string, spec *ReleaseSpec) (*Release, error) {
	version = pypi.NormalizeVersion(version)
	release, err := s.GetRelease(ctx, packageID, version)
	if err == nil {
		if spec != nil && (release.URL != spec.URL || release.MD5Digest != spec.MD5Digest) {
			now := time.Now().UTC()
			if _, err := s.db.ExecContext(ctx, s.query(
				`UPDATE releases SET url = ?, md5_digest = ?, last_update = ? WHERE id = ?`),
				spec.URL, spec.MD5Digest, now, release.ID); err != nil {
				return nil, fmt.Errorf("failed to refresh release %s: %w", version, err)
			}
			release.URL = spec.URL
			release.MD5Digest = spec.MD5Digest
			release.LastUpdate = now
		}
		return release, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if spec == nil {
		return nil, ErrNotFound
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.query(
			`INSERT INTO releases (package_id, version, url, md5_digest, last_update)
			 VALUES (?, ?, ?, ?, ?) ON CONFLICT (package_id, version) DO NOTHING`),
			packageID, version, spec.URL, spec.MD5Digest, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create release %s: %w", version, err)
	}
	return s.GetRelease(ctx, packageID, version)
}

func (s *SQLStore) FindRelease(ctx context.Context, indexIDs []int64, packageSlug, version string) (*Release, error) {
	if len(indexIDs) == 0 {
		return nil, ErrNotFound
	}
	slug := pypi.NormalizeName(packageSlug)
	version = pypi.NormalizeVersion(version)

	rows, err := s.db.QueryContext(ctx, s.query(
		`SELECT r.id, r.package_id, r.version, r.url, r.md5_digest, r.last_update, p.index_id
		 FROM releases r JOIN packages p ON p.id = r.package_id
		 WHERE p.slug = ? AND r.version = ? AND p.index_id IN (`+inClause(len(indexIDs))+`)`),
		append([]interface{}{slug, version}, int64Args(indexIDs)...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to find release %s==%s: %w", slug, version, err)
	}
	defer rows.Close()

	byIndex := map[int64]*Release{}
	for rows.Next() {
		var release Release
		var indexID int64
		if err := rows.Scan(&release.ID, &release.PackageID, &release.Version,
			&release.URL, &release.MD5Digest, &release.LastUpdate, &indexID); err != nil {
			return nil, err
		}
		byIndex[indexID] = &release
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, indexID := range indexIDs {
		if release, ok := byIndex[indexID]; ok {
			return release, nil
		}
	}
	return nil, ErrNotFound
}

// Builds

const buildColumns = `id, release_id, platform_id, setup_commands, artifact,
	filesize, md5_digest, metadata, build_timestamp, build_duration_ms, build_log`

func scanBuild(row interface{ Scan(...interface{}) error }) (*Build, error) {
	var build Build
	var metadata sql.NullString
	var timestamp sql.NullTime
	var durationMS int64
	if err := row.Scan(&build.ID, &build.ReleaseID, &build.PlatformID, &build.SetupCommands,
		&build.Artifact, &build.FileSize, &build.MD5Digest, &metadata,
		&timestamp, &durationMS, &build.BuildLog); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &build.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt build metadata: %w", err)
		}
	}
	if timestamp.Valid {
		build.BuildTimestamp = &timestamp.Time
	}
	build.BuildDuration = time.Duration(durationMS) * time.Millisecond
	return &build, nil
}

func (s *SQLStore) GetOrCreateBuild(ctx context.Context, releaseID, platformID int64) (*Build, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.query(
			`INSERT INTO builds (release_id, platform_id) VALUES (?, ?)
			 ON CONFLICT (release_id, platform_id) DO NOTHING`), releaseID, platformID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create build: %w", err)
	}
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT `+buildColumns+` FROM builds WHERE release_id = ? AND platform_id = ?`),
		releaseID, platformID)
	build, err := scanBuild(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load build: %w", err)
	}
	return build, nil
}

func (s *SQLStore) GetBuild(ctx context.Context, buildID int64) (*Build, error) {
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT `+buildColumns+` FROM builds WHERE id = ?`), buildID)
	build, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load build %d: %w", buildID, err)
	}
	return build, nil
}

func (s *SQLStore) GetBuildDetail(ctx context.Context, buildID int64) (*BuildDetail, error) {
	build, err := s.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	return s.buildDetail(ctx, build)
}

func (s *SQLStore) buildDetail(ctx context.Context, build *Build) (*BuildDetail, error) {
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT `+releaseColumns+` FROM releases WHERE id = ?`), build.ReleaseID)
	release, err := scanRelease(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load release %d: %w", build.ReleaseID, err)
	}

	var pkg Package
	row = s.db.QueryRowContext(ctx, s.query(
		`SELECT id, index_id, name, slug FROM packages WHERE id = ?`), release.PackageID)
	if err := row.Scan(&pkg.ID, &pkg.IndexID, &pkg.Name, &pkg.Slug); err != nil {
		return nil, fmt.Errorf("failed to load package %d: %w", release.PackageID, err)
	}

	row = s.db.QueryRowContext(ctx, s.query(
		`SELECT `+indexColumns+` FROM indexes WHERE id = ?`), pkg.IndexID)
	index, err := scanIndex(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load index %d: %w", pkg.IndexID, err)
	}

	platform, err := s.getPlatformByID(ctx, build.PlatformID)
	if err != nil {
		return nil, fmt.Errorf("failed to load platform %d: %w", build.PlatformID, err)
	}

	return &BuildDetail{
		Build:    build,
		Release:  release,
		Package:  &pkg,
		Index:    index,
		Platform: platform,
	}, nil
}

func (s *SQLStore) ListBuilds(ctx context.Context, packageID, platformID int64) ([]*Build, error) {
	releases, err := s.ListReleases(ctx, packageID)
	if err != nil {
		return nil, err
	}
	builds := make([]*Build, 0, len(releases))
	for _, release := range releases {
		build, err := s.GetOrCreateBuild(ctx, release.ID, platformID)
		if err != nil {
			return nil, err
		}
		builds = append(builds, build)
	}
	return builds, nil
}

func buildResultArgs(result *BuildResult) (metadata interface{}, timestamp interface{}, durationMS int64, err error) {
	metadata, err = marshalNullable(result.Metadata)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to marshal build metadata: %w", err)
	}
	if result.Metadata == nil {
		metadata = nil
	}
	if result.BuildTimestamp != nil {
		timestamp = *result.BuildTimestamp
	}
	return metadata, timestamp, result.BuildDuration.Milliseconds(), nil
}

func (s *SQLStore) SaveBuildResult(ctx context.Context, buildID int64, result *BuildResult) error {
	metadata, timestamp, durationMS, err := buildResultArgs(result)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.query(
			`UPDATE builds SET artifact = ?, filesize = ?, md5_digest = ?, metadata = ?,
			 build_timestamp = ?, build_duration_ms = ?, build_log = ? WHERE id = ?`),
			result.Artifact, result.FileSize, result.MD5Digest, metadata,
			timestamp, durationMS, result.BuildLog, buildID)
		if err != nil {
			return fmt.Errorf("failed to save build result: %w", err)
		}
		return nil
	})
}

// External builds

const externalBuildColumns = `id, external_url, platform_id, setup_commands, artifact,
	filesize, md5_digest, metadata, build_timestamp, build_duration_ms, build_log`

func scanExternalBuild(row interface{ Scan(...interface{}) error }) (*ExternalBuild, error) {
	var build ExternalBuild
	var metadata sql.NullString
	var timestamp sql.NullTime
	var durationMS int64
	if err := row.Scan(&build.ID, &build.ExternalURL, &build.PlatformID, &build.SetupCommands,
		&build.Artifact, &build.FileSize, &build.MD5Digest, &metadata,
		&timestamp, &durationMS, &build.BuildLog); err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &build.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt build metadata: %w", err)
		}
	}
	if timestamp.Valid {
		build.BuildTimestamp = &timestamp.Time
	}
	build.BuildDuration = time.Duration(durationMS) * time.Millisecond
	return &build, nil
}

func (s *SQLStore) GetOrCreateExternalBuild(ctx context.Context, externalURL string, platformID int64) (*ExternalBuild, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.query(
			`INSERT INTO external_builds (external_url, platform_id) VALUES (?, ?)
			 ON CONFLICT (external_url, platform_id) DO NOTHING`), externalURL, platformID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create external build: %w", err)
	}
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT `+externalBuildColumns+` FROM external_builds WHERE external_url = ? AND platform_id = ?`),
		externalURL, platformID)
	build, err := scanExternalBuild(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load external build: %w", err)
	}
	return build, nil
}

func (s *SQLStore) GetExternalBuild(ctx context.Context, buildID int64) (*ExternalBuild, error) {
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT `+externalBuildColumns+` FROM external_builds WHERE id = ?`), buildID)
	build, err := scanExternalBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load external build %d: %w", buildID, err)
	}
	return build, nil
}

func (s *SQLStore) SaveExternalBuildResult(ctx context.Context, buildID int64, result *BuildResult) error {
	metadata, timestamp, durationMS, err := buildResultArgs(result)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.query(
			`UPDATE external_builds SET artifact = ?, filesize = ?, md5_digest = ?, metadata = ?,
			 build_timestamp = ?, build_duration_ms = ?, build_log = ? WHERE id = ?`),
			result.Artifact, result.FileSize, result.MD5Digest, metadata,
			timestamp, durationMS, result.BuildLog, buildID)
		if err != nil {
			return fmt.Errorf("failed to save external build result: %w", err)
		}
		return nil
	})
}

// Compiled requirements

func (s *SQLStore) CreateCompiledRequirements(ctx context.Context, reqs *CompiledRequirements) error {
	slugs, err := json.Marshal(reqs.IndexSlugs)
	if err != nil {
		return fmt.Errorf("failed to marshal index slugs: %w", err)
	}
	reqs.CreatedAt = time.Now().UTC()
	reqs.Pip.Status = CompilationPending
	reqs.Internal.Status = CompilationPending
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := insertID(ctx, tx, s.dialect,
			`INSERT INTO compiled_requirements (platform_id, requirements, index_url, index_slugs, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			reqs.PlatformID, reqs.Requirements, reqs.IndexURL, string(slugs), reqs.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create compiled requirements: %w", err)
		}
		reqs.ID = id
		return nil
	})
}

func (s *SQLStore) GetCompiledRequirements(ctx context.Context, id int64) (*CompiledRequirements, error) {
	row := s.db.QueryRowContext(ctx, s.query(
		`SELECT id, platform_id, requirements, index_url, index_slugs, created_at,
		 pip_status, pip_requirements, pip_timestamp, pip_duration_ms, pip_log,
		 internal_status, internal_requirements, internal_timestamp, internal_duration_ms, internal_log
		 FROM compiled_requirements WHERE id = ?`), id)

	var reqs CompiledRequirements
	var slugs string
	var pipTS, internalTS sql.NullTime
	var pipMS, internalMS int64
	err := row.Scan(&reqs.ID, &reqs.PlatformID, &reqs.Requirements, &reqs.IndexURL, &slugs, &reqs.CreatedAt,
		&reqs.Pip.Status, &reqs.Pip.Requirements, &pipTS, &pipMS, &reqs.Pip.Log,
		&reqs.Internal.Status, &reqs.Internal.Requirements, &internalTS, &internalMS, &reqs.Internal.Log)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load compiled requirements %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(slugs), &reqs.IndexSlugs); err != nil {
		return nil, fmt.Errorf("corrupt index slugs: %w", err)
	}
	if pipTS.Valid {
		reqs.Pip.Timestamp = &pipTS.Time
	}
	if internalTS.Valid {
		reqs.Internal.Timestamp = &internalTS.Time
	}
	reqs.Pip.Duration = time.Duration(pipMS) * time.Millisecond
	reqs.Internal.Duration = time.Duration(internalMS) * time.Millisecond
	return &reqs, nil
}

func (s *SQLStore) SetCompilationResult(ctx context.Context, id int64, track string, result *CompilationTrack, force bool) error {
	if track != "pip" && track != "internal" {
		return fmt.Errorf("unknown compilation track: %q", track)
	}
	var timestamp interface{}
	if result.Timestamp != nil {
		timestamp = *result.Timestamp
	}
	guard := ` AND ` + track + `_status = 'pending'`
	if force {
		guard = ``
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.query(
			`UPDATE compiled_requirements SET `+
				track+`_status = ?, `+track+`_requirements = ?, `+
				track+`_timestamp = ?, `+track+`_duration_ms = ?, `+track+`_log = ?
			 WHERE id = ?`+guard),
			result.Status, result.Requirements, timestamp,
			result.Duration.Milliseconds(), result.Log, id)
		if err != nil {
			return fmt.Errorf("failed to store compilation result: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 && !force {
			return fmt.Errorf("compilation %d (%s track) is not pending", id, track)
		}
		return nil
	})
}

func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
