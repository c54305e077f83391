package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// dialect abstracts over the differences between the PostgreSQL production
// backend and the SQLite test backend.
type dialect struct {
	name      string
	serialPK  string
	timestamp string
}

var dialects = map[string]dialect{
	"postgres": {name: "postgres", serialPK: "BIGSERIAL PRIMARY KEY", timestamp: "TIMESTAMPTZ"},
	"sqlite3":  {name: "sqlite3", serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT", timestamp: "DATETIME"},
}

// rebind converts ?-style placeholders into the driver's native form.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS indexes (
			id %s,
			slug TEXT NOT NULL UNIQUE,
			url TEXT NOT NULL,
			backend TEXT NOT NULL,
			last_update_serial BIGINT
		)`, d.serialPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS platforms (
			id %s,
			slug TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			spec TEXT NOT NULL,
			environment TEXT
		)`, d.serialPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS packages (
			id %s,
			index_id BIGINT NOT NULL REFERENCES indexes(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			UNIQUE (index_id, slug)
		)`, d.serialPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS releases (
			id %s,
			package_id BIGINT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
			version TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			md5_digest TEXT NOT NULL DEFAULT '',
			last_update %s NOT NULL,
			UNIQUE (package_id, version)
		)`, d.serialPK, d.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS builds (
			id %s,
			release_id BIGINT NOT NULL REFERENCES releases(id) ON DELETE CASCADE,
			platform_id BIGINT NOT NULL REFERENCES platforms(id) ON DELETE CASCADE,
			setup_commands TEXT NOT NULL DEFAULT '',
			artifact TEXT NOT NULL DEFAULT '',
			filesize BIGINT NOT NULL DEFAULT 0,
			md5_digest TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			build_timestamp %s,
			build_duration_ms BIGINT NOT NULL DEFAULT 0,
			build_log TEXT NOT NULL DEFAULT '',
			UNIQUE (release_id, platform_id)
		)`, d.serialPK, d.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS external_builds (
			id %s,
			external_url TEXT NOT NULL,
			platform_id BIGINT NOT NULL REFERENCES platforms(id) ON DELETE CASCADE,
			setup_commands TEXT NOT NULL DEFAULT '',
			artifact TEXT NOT NULL DEFAULT '',
			filesize BIGINT NOT NULL DEFAULT 0,
			md5_digest TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			build_timestamp %s,
			build_duration_ms BIGINT NOT NULL DEFAULT 0,
			build_log TEXT NOT NULL DEFAULT '',
			UNIQUE (external_url, platform_id)
		)`, d.serialPK, d.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS compiled_requirements (
			id %s,
			platform_id BIGINT NOT NULL REFERENCES platforms(id) ON DELETE CASCADE,
			requirements TEXT NOT NULL,
			index_url TEXT NOT NULL,
			index_slugs TEXT NOT NULL,
			created_at %s NOT NULL,
			pip_status TEXT NOT NULL DEFAULT 'pending',
			pip_requirements TEXT NOT NULL DEFAULT '',
			pip_timestamp %s,
			pip_duration_ms BIGINT NOT NULL DEFAULT 0,
			pip_log TEXT NOT NULL DEFAULT '',
			internal_status TEXT NOT NULL DEFAULT 'pending',
			internal_requirements TEXT NOT NULL DEFAULT '',
			internal_timestamp %s,
			internal_duration_ms BIGINT NOT NULL DEFAULT 0,
			internal_log TEXT NOT NULL DEFAULT ''
		)`, d.serialPK, d.timestamp, d.timestamp, d.timestamp),
		`CREATE INDEX IF NOT EXISTS idx_packages_slug ON packages (slug)`,
		`CREATE INDEX IF NOT EXISTS idx_releases_package ON releases (package_id)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_platform ON builds (platform_id)`,
	}
}

// Migrate creates the catalog schema if it does not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// inClause renders a ?-placeholder IN clause for n values.
func inClause(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
