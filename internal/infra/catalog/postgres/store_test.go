package postgres

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"plateflow/internal/infra/catalog/postgres/testutil"
	"plateflow/pkg/domain"
)

func TestNewStorePersistsAndReloads(t *testing.T) {
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	ctx := context.Background()
	store, err := NewStore(ctx, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS STATE") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected state table DDL, got %v", conn.Execs)
	}

	var plate domain.Plate
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		plate, err = tx.CreatePlate(domain.Plate{Name: "PG"})
		return err
	}); err != nil {
		t.Fatalf("create plate: %v", err)
	}
	if got := len(conn.Tables["state"]); got != len(postgresBuckets) {
		t.Fatalf("expected %d bucket rows, got %d", len(postgresBuckets), got)
	}

	reloaded, err := NewStore(ctx, "ignored")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	_ = reloaded.View(ctx, func(view domain.TransactionView) error {
		if p, ok := view.FindPlate(plate.ID); !ok || p.Name != "PG" {
			t.Fatalf("expected reloaded plate, got %+v", p)
		}
		return nil
	})
}

func TestRunInTransactionCommitFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	conn.FailCommit = true
	err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreatePlate(domain.Plate{Name: "x"})
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit failure, got %v", err)
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	if _, err := NewStore(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
}
