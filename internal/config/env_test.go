package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvParsesEntries(t *testing.T) {
	for _, key := range []string{"ARB_PLAIN", "ARB_QUOTED", "ARB_SINGLE", "ARB_EMPTY", "ARB_EXPORTED"} {
		clearEnv(t, key)
	}
	path := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# comment\n" +
		"ARB_PLAIN=bar\n" +
		"ARB_QUOTED=\"baz\"\n" +
		"ARB_SINGLE='qux'\n" +
		"ARB_EMPTY=\n" +
		"export ARB_EXPORTED=yes\n" +
		"not-a-pair\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	checks := map[string]string{
		"ARB_PLAIN":    "bar",
		"ARB_QUOTED":   "baz",
		"ARB_SINGLE":   "qux",
		"ARB_EMPTY":    "",
		"ARB_EXPORTED": "yes",
	}
	for key, want := range checks {
		if got := os.Getenv(key); got != want {
			t.Fatalf("%s expected %q, got %q", key, want, got)
		}
	}
}

func TestLoadEnvDoesNotOverrideExisting(t *testing.T) {
	t.Setenv("ARB_PLAIN", "existing")
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("ARB_PLAIN=bar\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("ARB_PLAIN"); got != "existing" {
		t.Fatalf("ARB_PLAIN expected existing, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
}

func clearEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
