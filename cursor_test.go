package fluentdb

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// TestCursor_HasNextIdempotent ensures repeated HasNext calls between
// advances return the same answer without moving the cursor.
func TestCursor_HasNextIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	ep := mock.ExpectPrepare("SELECT v FROM t")
	ep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1).AddRow(2))

	cur, err := New(db).Select("SELECT v FROM t").Fetch(context.Background())
	assertNoError(t, err)

	for i := 0; i < 3; i++ {
		if !cur.HasNext() {
			t.Fatalf("HasNext() #%d = false, want true", i+1)
		}
	}

	var got []int
	for cur.HasNext() {
		row, err := cur.Next()
		assertNoError(t, err)
		var v int
		assertNoError(t, row.Scan(&v))
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("rows = %v, want [1 2]", got)
	}

	// Exhausted: still false, any number of times.
	if cur.HasNext() || cur.HasNext() {
		t.Fatal("HasNext() after exhaustion = true")
	}
}

// TestCursor_NextPastEnd verifies the overrun error.
func TestCursor_NextPastEnd(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	ep := mock.ExpectPrepare("SELECT v FROM t")
	ep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))

	cur, err := New(db).Select("SELECT v FROM t").Fetch(context.Background())
	assertNoError(t, err)

	if _, err := cur.Next(); err != nil {
		t.Fatalf("Next() #1: %v", err)
	}
	if _, err := cur.Next(); !errors.Is(err, ErrPastEnd) {
		t.Fatalf("Next() #2 err = %v, want ErrPastEnd", err)
	}
}

// TestCursor_AutoCloseOnExhaustion ensures natural end-of-stream closes the
// owning statement; later statement use reports the closed state.
func TestCursor_AutoCloseOnExhaustion(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	ep := mock.ExpectPrepare("SELECT v FROM t")
	ep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))

	d := New(db)
	conn, release, err := d.acquire(context.Background())
	assertNoError(t, err)

	st, err := newStatement(context.Background(), conn, "SELECT v FROM t", Options{}, release)
	assertNoError(t, err)

	cur, err := st.Query(context.Background())
	assertNoError(t, err)
	for cur.HasNext() {
		if _, err := cur.Next(); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := st.Exec(context.Background()); !errors.Is(err, ErrStatementClosed) {
		t.Fatalf("err = %v, want ErrStatementClosed", err)
	}
}

// TestCursor_ExhaustionReleasesSlot proves the shared connection is usable
// again after a cursor drains without an explicit Close.
func TestCursor_ExhaustionReleasesSlot(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	ep := mock.ExpectPrepare("SELECT v FROM t")
	ep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))
	eu := mock.ExpectPrepare("UPDATE t")
	eu.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))

	d := New(db)
	cur, err := d.Select("SELECT v FROM t").Fetch(context.Background())
	assertNoError(t, err)
	for cur.HasNext() {
		cur.Next()
	}

	// Would block forever if exhaustion leaked the slot.
	n, err := d.Update("UPDATE t").Run(context.Background())
	assertNoError(t, err)
	if n != 1 {
		t.Fatalf("affected = %d, want 1", n)
	}
}

// TestCursor_ExplicitCloseIdempotent covers early abandonment: Close from a
// positioned state, repeated safely.
func TestCursor_ExplicitCloseIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	ep := mock.ExpectPrepare("SELECT v FROM t")
	ep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1).AddRow(2))

	cur, err := New(db).Select("SELECT v FROM t").Fetch(context.Background())
	assertNoError(t, err)

	if !cur.HasNext() {
		t.Fatal("expected a row")
	}
	if _, err := cur.Next(); err != nil {
		t.Fatal(err)
	}

	assertNoError(t, cur.Close())
	assertNoError(t, cur.Close())

	if cur.HasNext() {
		t.Fatal("HasNext() after Close = true")
	}
	if _, err := cur.Next(); !errors.Is(err, ErrPastEnd) {
		t.Fatalf("Next() after Close err = %v, want ErrPastEnd", err)
	}
}

// TestCursor_ForEachScopesCleanup ensures ForEach closes on both the error
// path and the success path.
func TestCursor_ForEachScopesCleanup(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	ep := mock.ExpectPrepare("SELECT v FROM t")
	ep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1).AddRow(2).AddRow(3))
	eu := mock.ExpectPrepare("UPDATE t")
	eu.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))

	d := New(db)
	stop := errors.New("stop")
	err := d.Select("SELECT v FROM t").FetchEach(context.Background(), func(r Row) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want stop", err)
	}

	// Early termination released the slot via the scoped close.
	_, err = d.Update("UPDATE t").Run(context.Background())
	assertNoError(t, err)
}

// TestCursor_MaxRowsTruncates ensures the MaxRows option caps the sequence
// and triggers the same auto-close as natural exhaustion.
func TestCursor_MaxRowsTruncates(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	ep := mock.ExpectPrepare("SELECT v FROM t")
	ep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1).AddRow(2).AddRow(3))

	cur, err := New(db).Select("SELECT v FROM t", Options{MaxRows: 2}).Fetch(context.Background())
	assertNoError(t, err)

	var got []int
	for cur.HasNext() {
		row, err := cur.Next()
		assertNoError(t, err)
		var v int
		assertNoError(t, row.Scan(&v))
		got = append(got, v)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %v, want 2 rows", got)
	}
}

// TestRow_Values reads a generic row without a destination struct.
func TestRow_Values(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	ep := mock.ExpectPrepare("SELECT a, b FROM t")
	ep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"a", "b"}).AddRow(int64(7), "x"))

	cur, err := New(db).Select("SELECT a, b FROM t").Fetch(context.Background())
	assertNoError(t, err)
	defer cur.Close()

	row, err := cur.Next()
	assertNoError(t, err)
	vals, err := row.Values()
	assertNoError(t, err)
	if len(vals) != 2 {
		t.Fatalf("vals = %v, want 2 columns", vals)
	}
}
