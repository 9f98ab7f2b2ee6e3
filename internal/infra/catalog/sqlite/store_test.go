package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"plateflow/pkg/domain"
)

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	ctx := context.Background()
	var plate domain.Plate
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateUser(domain.User{Name: "analyst", PasswordHash: []byte("hash")}); err != nil {
			return err
		}
		var err error
		plate, err = tx.CreatePlate(domain.Plate{Name: "Persist"})
		if err != nil {
			return err
		}
		img, err := tx.CreateImage(domain.Image{Name: "A1", SizeX: 2, SizeY: 2, SizeC: 2})
		if err != nil {
			return err
		}
		_, err = tx.CreateWell(domain.Well{PlateID: plate.ID, ImageIDs: []int64{img.ID}})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	if reloaded.Path() != path {
		t.Fatalf("expected path %s, got %s", path, reloaded.Path())
	}
	err = reloaded.View(ctx, func(view domain.TransactionView) error {
		p, ok := view.FindPlate(plate.ID)
		if !ok || p.Name != "Persist" {
			t.Fatalf("expected persisted plate, got %+v", p)
		}
		wells := view.ListWells(plate.ID)
		if len(wells) != 1 || len(wells[0].ImageIDs) != 1 {
			t.Fatalf("expected one well with one image, got %+v", wells)
		}
		if u, ok := view.FindUser("analyst"); !ok || string(u.PasswordHash) != "hash" {
			t.Fatalf("expected persisted user, got %+v", u)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	var next domain.Plate
	if err := reloaded.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		next, err = tx.CreatePlate(domain.Plate{Name: "Next"})
		return err
	}); err != nil {
		t.Fatalf("create after reload: %v", err)
	}
	if next.ID <= plate.ID {
		t.Fatalf("expected sequence to survive reload, got %d after %d", next.ID, plate.ID)
	}
}

func TestSQLiteStorePersistError(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	_ = store.DB().Close()
	if err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return nil }); err == nil {
		t.Fatalf("expected persist error after closing db")
	}
}
