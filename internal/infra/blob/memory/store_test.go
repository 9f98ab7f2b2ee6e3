package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"plateflow/internal/blob/core"
)

func TestStoreMissingKeys(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false, got %v %v", ok, err)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := New()
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	ctx := context.Background()
	meta := map[string]string{"plate": "1"}
	info, err := store.Put(ctx, "planes/1/z0-c0-t0.png", bytes.NewReader([]byte("pixels")), core.PutOptions{ContentType: "image/png", Metadata: meta})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	meta["plate"] = "mutated"
	if info.Size != 6 || !info.LastModified.Equal(fixed) || info.ETag != core.ETag([]byte("pixels")) {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "planes/1/z0-c0-t0.png", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, rc, err := store.Get(ctx, "planes/1/z0-c0-t0.png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "pixels" || got.Metadata["plate"] != "1" {
		t.Fatalf("unexpected object %q %+v", data, got.Metadata)
	}
	if _, err := store.Put(ctx, "tables/2.json", bytes.NewReader([]byte("{}")), core.PutOptions{}); err != nil {
		t.Fatalf("put table: %v", err)
	}
	list, err := store.List(ctx, "planes/")
	if err != nil || len(list) != 1 || list[0].Key != "planes/1/z0-c0-t0.png" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
	all, _ := store.List(ctx, "")
	if len(all) != 2 || all[0].Key > all[1].Key {
		t.Fatalf("expected sorted listing, got %+v", all)
	}
	if ok, err := store.Delete(ctx, "tables/2.json"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("fail") }

func TestStorePutErrors(t *testing.T) {
	store := New()
	if store.Driver() != core.DriverMemory {
		t.Fatalf("expected memory driver")
	}
	if _, err := store.Put(context.Background(), "bad", failingReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read error")
	}
	if _, err := store.Put(context.Background(), " ", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, "k", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
