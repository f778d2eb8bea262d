package rsyncdconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gokr-rsyncd.toml")
	const contents = `
listen = ":8730"

[[module]]
name = "pub"
path = "/srv/pub"
acl = ["allow 10.0.0.0/8", "deny all"]
writable = false
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := FromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8730" {
		t.Errorf("Listen = %q, want :8730", cfg.Listen)
	}
	if len(cfg.Modules) != 1 {
		t.Fatalf("Modules = %v, want 1 entry", cfg.Modules)
	}
	mod := cfg.Modules[0]
	if mod.Name != "pub" || mod.Path != "/srv/pub" || mod.Writable {
		t.Errorf("unexpected module: %+v", mod)
	}
	if len(mod.ACL) != 2 {
		t.Errorf("ACL = %v, want 2 entries", mod.ACL)
	}
}

func TestFromDefaultFilesMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := FromDefaultFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Modules) != 0 {
		t.Errorf("expected no modules for a missing config file, got %v", cfg.Modules)
	}
}
