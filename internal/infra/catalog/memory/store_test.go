package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"plateflow/pkg/domain"
)

func seedPlate(t *testing.T, store *Store) (domain.Plate, []domain.Well) {
	t.Helper()
	var plate domain.Plate
	var wells []domain.Well
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		plate, err = tx.CreatePlate(domain.Plate{Name: "idr0002"})
		if err != nil {
			return err
		}
		// insert out of plate order to check sorting
		for _, pos := range [][2]int{{1, 0}, {0, 1}, {0, 0}} {
			img, err := tx.CreateImage(domain.Image{Name: "img", SizeX: 4, SizeY: 4, SizeC: 2})
			if err != nil {
				return err
			}
			w, err := tx.CreateWell(domain.Well{PlateID: plate.ID, Row: pos[0], Column: pos[1], ImageIDs: []int64{img.ID}})
			if err != nil {
				return err
			}
			wells = append(wells, w)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return plate, wells
}

func TestListWellsOrdersByPosition(t *testing.T) {
	store := NewStore()
	plate, _ := seedPlate(t, store)
	err := store.View(context.Background(), func(view domain.TransactionView) error {
		wells := view.ListWells(plate.ID)
		if len(wells) != 3 {
			t.Fatalf("expected 3 wells, got %d", len(wells))
		}
		labels := []string{wells[0].Label(), wells[1].Label(), wells[2].Label()}
		want := []string{"A1", "A2", "B1"}
		for i := range want {
			if labels[i] != want[i] {
				t.Fatalf("expected order %v, got %v", want, labels)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestFailedTransactionLeavesStateUntouched(t *testing.T) {
	store := NewStore()
	boom := errors.New("boom")
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreatePlate(domain.Plate{Name: "discarded"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := len(store.ExportState().Plates); got != 0 {
		t.Fatalf("expected rollback, found %d plates", got)
	}
}

func TestCreateWellRequiresPlateAndImages(t *testing.T) {
	store := NewStore()
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateWell(domain.Well{PlateID: 42})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found for missing plate, got %v", err)
	}
	err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		plate, err := tx.CreatePlate(domain.Plate{Name: "p"})
		if err != nil {
			return err
		}
		_, err = tx.CreateWell(domain.Well{PlateID: plate.ID, ImageIDs: []int64{999}})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found for missing image, got %v", err)
	}
}

func TestAnnotationLinking(t *testing.T) {
	store := NewStore()
	plate, _ := seedPlate(t, store)
	var link domain.AnnotationLink
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		repo, err := tx.CreateRepository(domain.Repository{Name: "ManagedRepository"})
		if err != nil {
			return err
		}
		file, err := tx.CreateOriginalFile(domain.OriginalFile{RepositoryID: repo.ID, Name: "t", Mimetype: "OMERO.tables"})
		if err != nil {
			return err
		}
		ann, err := tx.CreateFileAnnotation(domain.FileAnnotation{Namespace: domain.NSBulkAnnotations, FileID: file.ID})
		if err != nil {
			return err
		}
		link, err = tx.LinkAnnotation(domain.AnnotationLink{ParentType: domain.EntityPlate, ParentID: plate.ID, AnnotationID: ann.ID})
		return err
	})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	_ = store.View(context.Background(), func(view domain.TransactionView) error {
		links := view.ListLinks(domain.EntityPlate, plate.ID)
		if len(links) != 1 || links[0].ID != link.ID {
			t.Fatalf("expected link %d, got %+v", link.ID, links)
		}
		return nil
	})
	err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.LinkAnnotation(domain.AnnotationLink{ParentType: domain.EntityWell, ParentID: plate.ID, AnnotationID: link.AnnotationID})
		return err
	})
	if err == nil {
		t.Fatalf("expected error linking to unsupported parent type")
	}
}

func TestImportStateKeepsIDsUnique(t *testing.T) {
	store := NewStore()
	store.SetNowFunc(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	plate, _ := seedPlate(t, store)
	snap := store.ExportState()
	snap.NextID = 0

	reloaded := NewStore()
	reloaded.ImportState(snap)
	var next domain.Plate
	if err := reloaded.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		next, err = tx.CreatePlate(domain.Plate{Name: "second"})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if next.ID <= plate.ID {
		t.Fatalf("expected id greater than %d, got %d", plate.ID, next.ID)
	}
	if !plate.CreatedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected clock override to apply, got %s", plate.CreatedAt)
	}
}

func TestCancelledContextRejected(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.View(ctx, func(domain.TransactionView) error { return nil }); err == nil {
		t.Fatalf("expected context error")
	}
}
