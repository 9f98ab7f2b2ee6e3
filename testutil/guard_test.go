package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred func(string) bool
		in   string
		want bool
	}{
		{DomainImportForbidden, "plateflow/pkg/domain", true},
		{DomainImportForbidden, "example.com/mod/pkg/domain@v1", true},
		{DomainImportForbidden, "plateflow/pkg/domainx", false},
		{InternalImportForbidden, "plateflow/internal/frame", true},
		{InternalImportForbidden, "example.com/mod/internal/x", true},
		{InternalImportForbidden, "plateflow/pkg/domain", false},
		{Under("plateflow/internal/gateway"), "plateflow/internal/gateway", true},
		{Under("plateflow/internal/gateway"), "plateflow/internal/gateway/sub", true},
		{Under("plateflow/internal/gateway"), "plateflow/internal/gatewayx", false},
	}
	for i, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Fatalf("case %d (%q): got %v want %v", i, c.in, got, c.want)
		}
	}
}

type recorder struct{ msg string }

func (r *recorder) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package tmp\nimport (\n\"fmt\"\n\"plateflow/internal/gateway\"\n)\nvar _ = fmt.Sprint\n")
	writeFile(t, dir, "a_test.go", "package tmp\nimport \"plateflow/internal/core\"\n")
	if err := os.Mkdir(filepath.Join(dir, "sub.go"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || !strings.Contains(viols[0], "gateway (in a.go)") {
		t.Fatalf("unexpected violations %v", viols)
	}
	AssertNoDirectImports(t, dir, func(string) bool { return false }, "none")

	writeFile(t, dir, "broken.go", "package")
	if _, err := directImportViolations(dir, InternalImportForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), InternalImportForbidden); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestTransitiveDependencyViolations(t *testing.T) {
	prev := loadPackages
	t.Cleanup(func() { loadPackages = prev })
	leaf := &packages.Package{PkgPath: "plateflow/internal/gateway", Imports: map[string]*packages.Package{}}
	mid := &packages.Package{PkgPath: "plateflow/internal/upload", Imports: map[string]*packages.Package{"plateflow/internal/gateway": leaf}}
	root := &packages.Package{PkgPath: "plateflow/internal/core", Imports: map[string]*packages.Package{"plateflow/internal/upload": mid}}
	loadPackages = func(string) ([]*packages.Package, error) { return []*packages.Package{root}, nil }

	viols, err := transitiveDependencyViolations(".", Under("plateflow/internal/gateway"))
	if err != nil {
		t.Fatalf("violations: %v", err)
	}
	if len(viols) != 1 || viols[0] != "plateflow/internal/gateway" {
		t.Fatalf("unexpected violations %v", viols)
	}
	AssertNoTransitiveDependency(t, ".", Under("plateflow/internal/tables"), "none")
}

func TestFailHelpers(t *testing.T) {
	r := &recorder{}
	failIfTransitiveViolations(r, "why", nil)
	failIfDirectViolations(r, "why", nil)
	if r.msg != "" {
		t.Fatalf("no violations must not fail")
	}
	failIfDirectViolations(r, "why", []string{"x (in a.go)"})
	if !strings.Contains(r.msg, "why") || !strings.Contains(r.msg, "x (in a.go)") {
		t.Fatalf("unexpected message %q", r.msg)
	}
	failIfTransitiveViolations(r, "because", []string{"y"})
	if !strings.Contains(r.msg, "because") {
		t.Fatalf("unexpected message %q", r.msg)
	}
}
