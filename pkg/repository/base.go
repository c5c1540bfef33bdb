// Package repository implements the generic base CRUD surface (spec
// §4.3 Base Repository) plus the eight per-entity repositories backing
// the persisted state in spec §6.3, using sqlx over lib/pq — the same
// stack kubernaut's datastorage package is built on (its own
// repository.go wasn't present in the retrieval pack, only its tests,
// so the public shape below is reconstructed from
// test/unit/datastorage/workflow_repository_test.go's
// NewWorkflowRepository(db, logger) + sqlmock usage).
package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/kcenon/pacs-system-sub002/pkg/log"
	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
)

// Operator is a restricted set of comparison operators accepted by
// FindWhere/RemoveWhere, kept as a closed enum so column/operator pairs
// can never be used to inject arbitrary SQL.
type Operator string

const (
	OpEquals     Operator = "="
	OpNotEquals  Operator = "!="
	OpLessThan   Operator = "<"
	OpGreaterThan Operator = ">"
	OpLessEqual  Operator = "<="
	OpGreaterEqual Operator = ">="
	OpLike       Operator = "LIKE"
)

var validOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true, OpLessThan: true, OpGreaterThan: true,
	OpLessEqual: true, OpGreaterEqual: true, OpLike: true,
}

// Mapper supplies the subclass contract of spec §4.3: how to turn an
// entity into column values for insert/update, and how to read/write
// its primary key. Columns must already be db-tag-compatible with T; we
// rely on sqlx's StructScan for the read side (map_row) and only need
// explicit column maps for the write side (entity -> column_map).
type Mapper[T any, PK comparable] struct {
	Table         string
	PKColumn      string
	GetPK         func(*T) PK
	SetPK         func(*T, PK)
	HasPK         func(*T) bool
	InsertColumns func(*T) map[string]any
	UpdateColumns func(*T) map[string]any
}

// Repository is the generic CRUD surface of spec §4.3, parameterized by
// entity type T and primary-key type PK.
type Repository[T any, PK comparable] struct {
	db     *sqlx.DB
	mapper Mapper[T, PK]
	logger zerolog.Logger
}

// New constructs a Repository for entity T backed by db, using mapper
// for its table/pk/column contract.
func New[T any, PK comparable](db *sqlx.DB, mapper Mapper[T, PK]) *Repository[T, PK] {
	return &Repository[T, PK]{db: db, mapper: mapper, logger: log.WithComponent("repository:" + mapper.Table)}
}

// FindByID returns the entity with the given primary key.
func (r *Repository[T, PK]) FindByID(ctx context.Context, pk PK) (*T, error) {
	var dst T
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", r.mapper.Table, r.mapper.PKColumn)
	if err := r.db.GetContext(ctx, &dst, query, pk); err != nil {
		return nil, wrapNotFoundOrError(err, r.mapper.Table, pk)
	}
	return &dst, nil
}

// FindAll returns up to limit rows (0 means unbounded), ordered by
// primary key for deterministic pagination.
func (r *Repository[T, PK]) FindAll(ctx context.Context, limit int) ([]T, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s", r.mapper.Table, r.mapper.PKColumn)
	var dst []T
	var err error
	if limit > 0 {
		query += " LIMIT $1"
		err = r.db.SelectContext(ctx, &dst, query, limit)
	} else {
		err = r.db.SelectContext(ctx, &dst, query)
	}
	if err != nil {
		return nil, pacserrors.NewRepositoryError("find_all "+r.mapper.Table, err)
	}
	return dst, nil
}

// FindWhere returns every row where column compares to value using op.
func (r *Repository[T, PK]) FindWhere(ctx context.Context, column string, op Operator, value any) ([]T, error) {
	if !validOperators[op] {
		return nil, pacserrors.Newf(pacserrors.TypeValidation, "unsupported operator %q", op)
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s %s $1", r.mapper.Table, column, op)
	var dst []T
	if err := r.db.SelectContext(ctx, &dst, query, value); err != nil {
		return nil, pacserrors.NewRepositoryError("find_where "+r.mapper.Table, err)
	}
	return dst, nil
}

// Exists reports whether a row with the given primary key exists.
func (r *Repository[T, PK]) Exists(ctx context.Context, pk PK) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s = $1)", r.mapper.Table, r.mapper.PKColumn)
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, pk); err != nil {
		return false, pacserrors.NewRepositoryError("exists "+r.mapper.Table, err)
	}
	return exists, nil
}

// Count returns the total number of rows in the table.
func (r *Repository[T, PK]) Count(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", r.mapper.Table)
	var count int64
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, pacserrors.NewRepositoryError("count "+r.mapper.Table, err)
	}
	return count, nil
}

// Insert writes a new row, setting the entity's primary key from the
// database's generated value when the mapper's column map omits it.
func (r *Repository[T, PK]) Insert(ctx context.Context, entity *T) error {
	cols := r.mapper.InsertColumns(entity)
	names, placeholders, args := buildInsertClauses(cols)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		r.mapper.Table, strings.Join(names, ", "), strings.Join(placeholders, ", "), r.mapper.PKColumn)

	var pk PK
	if err := r.db.GetContext(ctx, &pk, query, args...); err != nil {
		return pacserrors.NewRepositoryError("insert "+r.mapper.Table, err)
	}
	r.mapper.SetPK(entity, pk)
	return nil
}

// Update overwrites an existing row by primary key.
func (r *Repository[T, PK]) Update(ctx context.Context, entity *T) error {
	cols := r.mapper.UpdateColumns(entity)
	names := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	i := 1
	for name, val := range cols {
		names = append(names, fmt.Sprintf("%s = $%d", name, i))
		args = append(args, val)
		i++
	}
	args = append(args, r.mapper.GetPK(entity))

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		r.mapper.Table, strings.Join(names, ", "), r.mapper.PKColumn, i)

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return pacserrors.NewRepositoryError("update "+r.mapper.Table, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return pacserrors.NewNotFoundError(r.mapper.Table)
	}
	return nil
}

// Save upserts entity: insert if it has no primary key yet, update
// otherwise (spec §4.3 "save (upsert)").
func (r *Repository[T, PK]) Save(ctx context.Context, entity *T) error {
	if !r.mapper.HasPK(entity) {
		return r.Insert(ctx, entity)
	}
	return r.Update(ctx, entity)
}

// Remove deletes the row with the given primary key.
func (r *Repository[T, PK]) Remove(ctx context.Context, pk PK) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", r.mapper.Table, r.mapper.PKColumn)
	res, err := r.db.ExecContext(ctx, query, pk)
	if err != nil {
		return pacserrors.NewRepositoryError("remove "+r.mapper.Table, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return pacserrors.NewNotFoundError(r.mapper.Table)
	}
	return nil
}

// RemoveWhere deletes every row matching the condition, returning the
// count deleted.
func (r *Repository[T, PK]) RemoveWhere(ctx context.Context, column string, op Operator, value any) (int64, error) {
	if !validOperators[op] {
		return 0, pacserrors.Newf(pacserrors.TypeValidation, "unsupported operator %q", op)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s %s $1", r.mapper.Table, column, op)
	res, err := r.db.ExecContext(ctx, query, value)
	if err != nil {
		return 0, pacserrors.NewRepositoryError("remove_where "+r.mapper.Table, err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// InsertBatch inserts every entity in a single transaction, all or
// nothing (spec §4.3 Batch).
func (r *Repository[T, PK]) InsertBatch(ctx context.Context, entities []*T) error {
	return r.InTransaction(ctx, func(tx *sqlx.Tx) error {
		for _, e := range entities {
			cols := r.mapper.InsertColumns(e)
			names, placeholders, args := buildInsertClauses(cols)
			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
				r.mapper.Table, strings.Join(names, ", "), strings.Join(placeholders, ", "), r.mapper.PKColumn)
			var pk PK
			if err := tx.GetContext(ctx, &pk, query, args...); err != nil {
				return pacserrors.NewRepositoryError("insert_batch "+r.mapper.Table, err)
			}
			r.mapper.SetPK(e, pk)
		}
		return nil
	})
}

// InTransaction runs fn inside a transaction, committing on success and
// rolling back on a returned error or panic (spec §4.3 Transaction
// discipline). Nested transactions are not supported.
func (r *Repository[T, PK]) InTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return pacserrors.NewRepositoryError("begin "+r.mapper.Table, err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return pacserrors.NewRepositoryError("commit "+r.mapper.Table, err)
	}
	return nil
}

func buildInsertClauses(cols map[string]any) (names, placeholders []string, args []any) {
	i := 1
	for name, val := range cols {
		names = append(names, name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, val)
		i++
	}
	return names, placeholders, args
}

func wrapNotFoundOrError(err error, table string, pk any) error {
	if err.Error() == "sql: no rows in result set" {
		return pacserrors.NewNotFoundError(fmt.Sprintf("%s(%v)", table, pk))
	}
	return pacserrors.NewRepositoryError("find_by_id "+table, err)
}
