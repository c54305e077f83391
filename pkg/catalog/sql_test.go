package catalog

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db, "postgres")
	require.NoError(t, err)
	return store, mock
}

func TestGetIndexNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, slug, url, backend, last_update_serial FROM indexes").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "slug", "url", "backend", "last_update_serial"}))

	_, err := store.GetIndex(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetLastUpdateSerialGuard(t *testing.T) {
	store, mock := newMockStore(t)

	// The guard keeps the serial monotone at the SQL level.
	mock.ExpectExec(`UPDATE indexes SET last_update_serial = \$1\s+WHERE id = \$2 AND \(last_update_serial IS NULL OR last_update_serial <= \$3\)`).
		WithArgs(int64(42), int64(1), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetLastUpdateSerial(context.Background(), 1, 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceReleasesRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT i.slug, p.slug FROM packages").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"slug", "slug"}).AddRow("pypi", "dist-a"))
	mock.ExpectQuery("SELECT id, version, url, md5_digest FROM releases").
		WithArgs(int64(7)).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.ReplaceReleases(context.Background(), 7, []ReleaseSpec{{Version: "1.0", URL: "https://x"}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsupportedDriver(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLStore(db, "oracle")
	assert.Error(t, err)
}
