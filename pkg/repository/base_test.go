package repository

import (
	"context"
	"fmt"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// widgetRow is a minimal entity used only to exercise the generic
// Repository[T, PK] CRUD surface (spec §4.3) against a mocked driver,
// the same sqlmock-over-sqlx idiom kubernaut's
// test/unit/datastorage/workflow_repository_test.go uses for its own
// repository, translated from that file's Ginkgo/Gomega style into
// this module's plain testing.T + testify convention. Every
// insert/update column map below holds exactly one key so
// buildInsertClauses' map iteration order can't make the expected SQL
// text flicker between runs.
type widgetRow struct {
	PK   int64  `db:"pk"`
	Name string `db:"name"`
}

func widgetMapper() Mapper[widgetRow, int64] {
	return Mapper[widgetRow, int64]{
		Table:    "widgets",
		PKColumn: "pk",
		GetPK:    func(r *widgetRow) int64 { return r.PK },
		SetPK:    func(r *widgetRow, pk int64) { r.PK = pk },
		HasPK:    func(r *widgetRow) bool { return r.PK != 0 },
		InsertColumns: func(r *widgetRow) map[string]any {
			return map[string]any{"name": r.Name}
		},
		UpdateColumns: func(r *widgetRow) map[string]any {
			return map[string]any{"name": r.Name}
		},
	}
}

func newMockRepo(t *testing.T) (*Repository[widgetRow, int64], sqlmock.Sqlmock, *sqlx.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "sqlmock")
	repo := New(db, widgetMapper())
	return repo, mock, db
}

func TestRepositoryFindByID(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"pk", "name"}).AddRow(int64(1), "foo")
	mock.ExpectQuery(`SELECT * FROM widgets WHERE pk = $1`).WithArgs(int64(1)).WillReturnRows(rows)

	got, err := repo.FindByID(context.Background(), int64(1))
	require.NoError(t, err)
	assert.Equal(t, "foo", got.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFindByIDNotFound(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT * FROM widgets WHERE pk = $1`).WithArgs(int64(9)).
		WillReturnError(fmt.Errorf("sql: no rows in result set"))

	_, err := repo.FindByID(context.Background(), int64(9))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFindAllUnbounded(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"pk", "name"}).AddRow(int64(1), "a").AddRow(int64(2), "b")
	mock.ExpectQuery(`SELECT * FROM widgets ORDER BY pk`).WillReturnRows(rows)

	got, err := repo.FindAll(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFindAllLimited(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"pk", "name"}).AddRow(int64(1), "a")
	mock.ExpectQuery(`SELECT * FROM widgets ORDER BY pk LIMIT $1`).WithArgs(1).WillReturnRows(rows)

	got, err := repo.FindAll(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFindWhereRejectsUnknownOperator(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	_, err := repo.FindWhere(context.Background(), "name", Operator("DROP TABLE"), "x")
	require.Error(t, err)
	// No query should have been issued for an unsupported operator.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryExists(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS(SELECT 1 FROM widgets WHERE pk = $1)`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.Exists(context.Background(), int64(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCount(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT(*) FROM widgets`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	n, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryInsertSetsGeneratedPK(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO widgets (name) VALUES ($1) RETURNING pk`).
		WithArgs("new-widget").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow(int64(7)))

	row := &widgetRow{Name: "new-widget"}
	require.NoError(t, repo.Insert(context.Background(), row))
	assert.Equal(t, int64(7), row.PK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryUpdate(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE widgets SET name = $1 WHERE pk = $2`).
		WithArgs("renamed", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	row := &widgetRow{PK: 1, Name: "renamed"}
	require.NoError(t, repo.Update(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryUpdateNotFound(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE widgets SET name = $1 WHERE pk = $2`).
		WithArgs("renamed", int64(404)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	row := &widgetRow{PK: 404, Name: "renamed"}
	err := repo.Update(context.Background(), row)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRepositorySaveUpsert exercises spec §8's round-trip law "save(entity)
// then save(entity) leaves the repository in the same state as a single
// save": the first Save (no pk) inserts, the second Save (pk now set)
// updates — each call must take a different branch, not the same one
// twice.
func TestRepositorySaveUpsert(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO widgets (name) VALUES ($1) RETURNING pk`).
		WithArgs("dup").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow(int64(5)))
	mock.ExpectExec(`UPDATE widgets SET name = $1 WHERE pk = $2`).
		WithArgs("dup", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	row := &widgetRow{Name: "dup"}
	require.NoError(t, repo.Save(context.Background(), row))
	assert.Equal(t, int64(5), row.PK)
	require.NoError(t, repo.Save(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryRemove(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM widgets WHERE pk = $1`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Remove(context.Background(), int64(1)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryRemoveWhere(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM widgets WHERE name LIKE $1`).
		WithArgs("foo%").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.RemoveWhere(context.Background(), "name", OpLike, "foo%")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRepositoryInsertBatchAllOrNothing exercises spec §4.3's "Batch"
// discipline: insert_batch is always transactional, all-or-nothing.
func TestRepositoryInsertBatchAllOrNothing(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO widgets (name) VALUES ($1) RETURNING pk`).
		WithArgs("one").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO widgets (name) VALUES ($1) RETURNING pk`).
		WithArgs("two").
		WillReturnError(fmt.Errorf("constraint violation"))
	mock.ExpectRollback()

	entities := []*widgetRow{{Name: "one"}, {Name: "two"}}
	err := repo.InsertBatch(context.Background(), entities)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryInsertBatchCommitsOnSuccess(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO widgets (name) VALUES ($1) RETURNING pk`).
		WithArgs("one").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO widgets (name) VALUES ($1) RETURNING pk`).
		WithArgs("two").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}).AddRow(int64(2)))
	mock.ExpectCommit()

	entities := []*widgetRow{{Name: "one"}, {Name: "two"}}
	require.NoError(t, repo.InsertBatch(context.Background(), entities))
	assert.Equal(t, int64(1), entities[0].PK)
	assert.Equal(t, int64(2), entities[1].PK)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryInTransactionRollsBackOnError(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := repo.InTransaction(context.Background(), func(tx *sqlx.Tx) error {
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryInTransactionCommitsOnSuccess(t *testing.T) {
	repo, mock, db := newMockRepo(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := repo.InTransaction(context.Background(), func(tx *sqlx.Tx) error {
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
