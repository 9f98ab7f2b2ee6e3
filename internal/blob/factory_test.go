package blob

import (
	"context"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fsStore, err := Open(ctx, Options{FSRoot: root})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	if fsStore.Driver() != DriverFilesystem {
		t.Fatalf("expected fs default, got %s", fsStore.Driver())
	}
	mem, err := Open(ctx, Options{Driver: DriverMemory})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("expected memory store: %v", err)
	}
	if _, err := Open(ctx, Options{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := Open(ctx, Options{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv("PLATEFLOW_BLOB_DRIVER", "s3")
	t.Setenv("PLATEFLOW_BLOB_S3_BUCKET", "plates")
	t.Setenv("PLATEFLOW_BLOB_S3_PATH_STYLE", "TRUE")
	opts := OptionsFromEnv()
	if opts.Driver != DriverS3 || opts.S3.Bucket != "plates" || !opts.S3.PathStyle {
		t.Fatalf("unexpected options %+v", opts)
	}
}
