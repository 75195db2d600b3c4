package fluentdb

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// TestBatch_PositionalSetsInOrder prepares once and executes every set in
// the order supplied, returning per-set counts.
func TestBatch_PositionalSetsInOrder(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	ep := mock.ExpectPrepare("INSERT INTO t\\(a, b\\) VALUES \\(\\?, \\?\\)")
	ep.ExpectExec().WithArgs(1, "x").WillReturnResult(sqlmock.NewResult(1, 1))
	ep.ExpectExec().WithArgs(2, "y").WillReturnResult(sqlmock.NewResult(2, 1))

	counts, err := New(db).
		Batch("INSERT INTO t(a, b) VALUES (?, ?)").
		Add(1, "x").
		Add(2, "y").
		Run(context.Background())
	assertNoError(t, err)
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 1 {
		t.Fatalf("counts = %v, want [1 1]", counts)
	}
	assertNoError(t, mock.ExpectationsWereMet())
}

// TestBatch_NamedSets resolves each set against the marker order, repeats
// included.
func TestBatch_NamedSets(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	ep := mock.ExpectPrepare("UPDATE t SET a = \\?, twin = \\? WHERE id = \\?")
	ep.ExpectExec().WithArgs("v1", "v1", 1).WillReturnResult(sqlmock.NewResult(0, 1))
	ep.ExpectExec().WithArgs("v2", "v2", 2).WillReturnResult(sqlmock.NewResult(0, 1))

	counts, err := New(db).
		Batch("UPDATE t SET a = :a, twin = :a WHERE id = :id").
		AddNamed(P("a", "v1"), P("id", 1)).
		AddNamedMap(map[string]any{"a": "v2", "id": 2}).
		Run(context.Background())
	assertNoError(t, err)
	if len(counts) != 2 {
		t.Fatalf("counts = %v, want 2 entries", counts)
	}
	assertNoError(t, mock.ExpectationsWereMet())
}

// TestBatch_MixedSetStylesRejected rejects combining positional and named
// sets in one batch.
func TestBatch_MixedSetStylesRejected(t *testing.T) {
	db, _ := newMockDB(t)
	defer db.Close()

	_, err := New(db).
		Batch("INSERT INTO t(a) VALUES (:a)").
		AddNamed(P("a", 1)).
		Add(2).
		Run(context.Background())
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

// TestBatch_NamedMarkersNeedNamedSets rejects positional sets against a
// query that carries markers.
func TestBatch_NamedMarkersNeedNamedSets(t *testing.T) {
	db, _ := newMockDB(t)
	defer db.Close()

	_, err := New(db).
		Batch("INSERT INTO t(a) VALUES (:a)").
		Add(1).
		Run(context.Background())
	if !errors.Is(err, ErrParamMissing) {
		t.Fatalf("err = %v, want ErrParamMissing", err)
	}
}

// TestBatch_MissingNameInSet surfaces the precise missing marker.
func TestBatch_MissingNameInSet(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	mock.ExpectPrepare("INSERT INTO t\\(a, b\\) VALUES \\(\\?, \\?\\)")

	_, err := New(db).
		Batch("INSERT INTO t(a, b) VALUES (:a, :b)").
		AddNamed(P("a", 1)).
		Run(context.Background())
	if !errors.Is(err, ErrParamMissing) {
		t.Fatalf("err = %v, want ErrParamMissing", err)
	}
}

// TestBatch_TransactionalFailureRollsBack begins one transaction for the
// whole batch and rolls it back on the first failing set.
func TestBatch_TransactionalFailureRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	boom := errors.New("constraint violated")
	mock.ExpectBegin()
	ep := mock.ExpectPrepare("INSERT INTO t\\(a\\) VALUES \\(\\?\\)")
	ep.ExpectExec().WithArgs(1).WillReturnResult(sqlmock.NewResult(1, 1))
	ep.ExpectExec().WithArgs(2).WillReturnError(boom)
	mock.ExpectRollback()

	_, err := New(db).
		Batch("INSERT INTO t(a) VALUES (?)").
		Add(1).
		Add(2).
		Transactional().
		Run(context.Background())
	if !errors.Is(err, ErrDatabase) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrDatabase wrapping the violation", err)
	}
	assertNoError(t, mock.ExpectationsWereMet())
}

// TestBatch_TransactionalCommit commits after all sets succeed.
func TestBatch_TransactionalCommit(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	ep := mock.ExpectPrepare("INSERT INTO t\\(a\\) VALUES \\(\\?\\)")
	ep.ExpectExec().WithArgs(1).WillReturnResult(sqlmock.NewResult(1, 1))
	ep.ExpectExec().WithArgs(2).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	counts, err := New(db).
		Batch("INSERT INTO t(a) VALUES (?)").
		Add(1).
		Add(2).
		Transactional().
		Run(context.Background())
	assertNoError(t, err)
	if len(counts) != 2 {
		t.Fatalf("counts = %v, want 2 entries", counts)
	}
	assertNoError(t, mock.ExpectationsWereMet())
}
