package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testMap = `
id:
  pk: true
  type: int
  store: true
name:
  type: str
  store: true
  serialize: public
age:
  type: int
  store: true
  default: 18
`

// run executes the root command in dir and returns its output.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := RootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"-C", dir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func setupProject(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	if _, err := run(t, dir, "init"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "maps", "User.yml"), []byte(testMap), 0644); err != nil {
		t.Fatalf("failed to write map: %v", err)
	}
	return dir
}

func TestInit_RefusesOverwrite(t *testing.T) {
	dir := setupProject(t)

	if _, err := run(t, dir, "init"); err == nil {
		t.Fatal("expected second init to fail")
	}
	if _, err := run(t, dir, "init", "--force"); err != nil {
		t.Fatalf("init --force failed: %v", err)
	}
}

func TestMapCheck(t *testing.T) {
	dir := setupProject(t)

	out, err := run(t, dir, "map", "check", "User")
	if err != nil {
		t.Fatalf("map check failed: %v", err)
	}
	for _, want := range []string{"User (pk: id)", "name", "public"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	if _, err := run(t, dir, "map", "check", "Missing"); err == nil {
		t.Error("expected map check of a missing class to fail")
	}
}

func TestObjectLifecycle(t *testing.T) {
	dir := setupProject(t)

	if _, err := run(t, dir, "object", "set", "User", "1", "name=jo", "--create"); err != nil {
		t.Fatalf("object set --create failed: %v", err)
	}
	if _, err := run(t, dir, "object", "set", "User", "1", "age=30"); err != nil {
		t.Fatalf("object set failed: %v", err)
	}

	out, err := run(t, dir, "object", "show", "User", "1", "--all")
	if err != nil {
		t.Fatalf("object show failed: %v", err)
	}
	for _, want := range []string{"id: 1", `name: "jo"`, "age: 30"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	out, err = run(t, dir, "object", "show", "User", "1", "--view", "public")
	if err != nil {
		t.Fatalf("object show --view failed: %v", err)
	}
	if strings.Contains(out, "age") {
		t.Errorf("expected age outside the public view:\n%s", out)
	}

	if _, err := run(t, dir, "object", "set", "User", "1", "age=old"); err == nil {
		t.Error("expected invalid age to fail")
	}

	if _, err := run(t, dir, "object", "delete", "User", "1"); err != nil {
		t.Fatalf("object delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "default", "1.json")); !os.IsNotExist(err) {
		t.Errorf("expected data file to be removed, got %v", err)
	}
}

func TestObjectSet_BadAssignment(t *testing.T) {
	dir := setupProject(t)

	if _, err := run(t, dir, "object", "set", "User", "1", "name"); err == nil {
		t.Error("expected error for assignment without =")
	}
}

func TestStorageCommands(t *testing.T) {
	dir := setupProject(t)

	out, err := run(t, dir, "storage", "list")
	if err != nil {
		t.Fatalf("storage list failed: %v", err)
	}
	if !strings.Contains(out, "default*") {
		t.Errorf("expected default marker in output:\n%s", out)
	}

	out, err = run(t, dir, "storage", "purge")
	if err != nil {
		t.Fatalf("storage purge failed: %v", err)
	}
	if !strings.Contains(out, "default: 0 removed") {
		t.Errorf("unexpected purge output:\n%s", out)
	}
}
