// Command catalog-seed imports users, repositories and plates with synthetic
// pixel planes from a YAML manifest into the catalog named by PLATEFLOW_HOST.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"plateflow/internal/blob"
	"plateflow/internal/catalog"
	"plateflow/internal/gateway"
)

var exitFunc = os.Exit

func main() {
	code := cli(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("catalog-seed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var manifestPath, host string
	var insecure bool
	fs.StringVar(&manifestPath, "manifest", "plate.yaml", "path to the seed manifest")
	fs.StringVar(&host, "host", os.Getenv("PLATEFLOW_HOST"), "catalog URL (defaults to PLATEFLOW_HOST)")
	fs.BoolVar(&insecure, "allow-insecure", false, "permit clear-text database connections")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if host == "" {
		host = "sqlite://./plateflow.db"
	}
	if err := run(ctx, host, insecure, manifestPath, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "catalog-seed: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, host string, insecure bool, manifestPath string, stdout io.Writer) (err error) {
	manifest, err := readManifest(manifestPath)
	if err != nil {
		return err
	}
	store, err := catalog.Open(ctx, host, insecure)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close catalog: %w", cerr)
		}
	}()
	opts := blob.OptionsFromEnv()
	opts.S3.AllowInsecure = opts.S3.AllowInsecure || insecure
	blobs, err := blob.Open(ctx, opts)
	if err != nil {
		return err
	}
	res, err := gateway.Seed(ctx, store, blobs, manifest)
	if err != nil {
		return err
	}
	for _, p := range res.Plates {
		if _, err := fmt.Fprintf(stdout, "plate %d %q\n", p.ID, p.Name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(stdout, "seeded %d plates, %d images into %s (%s blobs)\n", len(res.Plates), res.Images, host, blobs.Driver())
	return err
}

func readManifest(path string) (gateway.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return gateway.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	defer func() { _ = f.Close() }()
	var m gateway.Manifest
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return gateway.Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}
