package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"plateflow/internal/infra/catalog/sqlite"
	"plateflow/pkg/domain"
)

func TestParseHost(t *testing.T) {
	cases := []struct {
		host     string
		insecure bool
		driver   Driver
		location string
	}{
		{host: "memory://fixtures", driver: DriverMemory, location: "fixtures"},
		{host: "memory://", driver: DriverMemory, location: "default"},
		{host: "sqlite:///var/lib/plateflow.db", driver: DriverSQLite, location: "/var/lib/plateflow.db"},
		{host: "sqlite://./plateflow.db", driver: DriverSQLite, location: "./plateflow.db"},
		{host: "catalog.db", driver: DriverSQLite, location: "catalog.db"},
		{host: "postgres://u@db/plates?sslmode=verify-full", driver: DriverPostgres, location: "postgres://u@db/plates?sslmode=verify-full"},
		{host: "postgres://u@db/plates?sslmode=disable", insecure: true, driver: DriverPostgres, location: "postgres://u@db/plates?sslmode=disable"},
	}
	for _, tc := range cases {
		got, err := ParseHost(tc.host, tc.insecure)
		if err != nil {
			t.Fatalf("%s: %v", tc.host, err)
		}
		if got.Driver != tc.driver || got.Location != tc.location {
			t.Fatalf("%s: got %+v", tc.host, got)
		}
	}
}

func TestParseHostDefaultsToRequiredTLS(t *testing.T) {
	got, err := ParseHost("postgres://u@db/plates", false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(got.Location, "sslmode=require") {
		t.Fatalf("expected sslmode=require, got %s", got.Location)
	}
}

func TestParseHostRejects(t *testing.T) {
	if _, err := ParseHost("postgres://db/plates?sslmode=disable", false); !errors.Is(err, ErrInsecureChannel) {
		t.Fatalf("expected ErrInsecureChannel, got %v", err)
	}
	for _, host := range []string{"wss://omero.example.org/omero-ws", "https://idr.openmicroscopy.org", " "} {
		if _, err := ParseHost(host, false); !errors.Is(err, ErrUnsupportedScheme) {
			t.Fatalf("%q: expected ErrUnsupportedScheme, got %v", host, err)
		}
	}
	if _, err := ParseHost("sqlite://", false); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func TestOpenMemorySharesState(t *testing.T) {
	ctx := context.Background()
	t.Cleanup(func() { ResetMemory("shared") })
	first, err := Open(ctx, "memory://shared", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreatePlate(domain.Plate{Name: "p"})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = first.Close()
	second, err := Open(ctx, "memory://shared", false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = second.View(ctx, func(view domain.TransactionView) error {
		if len(view.ListPlates()) != 1 {
			t.Fatalf("expected shared plate")
		}
		return nil
	})
}

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := Open(context.Background(), "sqlite://"+path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = store.Close() }()
	s, ok := store.(*sqlite.Store)
	if !ok || s.Path() != path {
		t.Fatalf("expected sqlite store at %s, got %T", path, store)
	}
}
