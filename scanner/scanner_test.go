package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"desuid/config"
	"desuid/logger"
)

func init() {
	logger.Init("error")
}

func writeExecutable(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode()&(os.ModeSetuid|os.ModeSetgid) != mode&(os.ModeSetuid|os.ModeSetgid) {
		t.Skipf("filesystem stripped privilege bits on %s", path)
	}
}

func scanConfig(dir string) *config.Config {
	return &config.Config{
		StartPaths:     []string{dir},
		HashCandidates: true,
	}
}

func TestScanFindsPrivilegedExecutables(t *testing.T) {
	t.Setenv("DESUID_DISABLE_PROGRESS", "1")
	dir := t.TempDir()
	writeExecutable(t, filepath.Join(dir, "plain"), 0755)
	writeExecutable(t, filepath.Join(dir, "suid"), 0755|os.ModeSetuid)
	writeExecutable(t, filepath.Join(dir, "sgid"), 0755|os.ModeSetgid)

	candidates, err := Scan(context.Background(), scanConfig(dir))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(candidates))
	}
	byName := map[string]*Candidate{}
	for _, c := range candidates {
		byName[filepath.Base(c.Path)] = c
		if c.Inode == 0 {
			t.Errorf("candidate %s missing inode", c.Path)
		}
		if c.Fingerprint == "" {
			t.Errorf("candidate %s missing fingerprint", c.Path)
		}
	}
	if c := byName["suid"]; c == nil || !c.Setuid || c.Setgid {
		t.Fatalf("unexpected suid candidate: %+v", byName["suid"])
	}
	if c := byName["sgid"]; c == nil || c.Setuid || !c.Setgid {
		t.Fatalf("unexpected sgid candidate: %+v", byName["sgid"])
	}
}

func TestScanDeduplicatesSymlinkedPaths(t *testing.T) {
	t.Setenv("DESUID_DISABLE_PROGRESS", "1")
	dir := t.TempDir()
	target := filepath.Join(dir, "suid")
	writeExecutable(t, target, 0755|os.ModeSetuid)
	if err := os.Symlink(target, filepath.Join(dir, "alias")); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}

	candidates, err := Scan(context.Background(), scanConfig(dir))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1 after dedup", len(candidates))
	}
}

func TestScanHonorsExcludes(t *testing.T) {
	t.Setenv("DESUID_DISABLE_PROGRESS", "1")
	dir := t.TempDir()
	sub := filepath.Join(dir, "vendor")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeExecutable(t, filepath.Join(sub, "suid"), 0755|os.ModeSetuid)
	writeExecutable(t, filepath.Join(dir, "kept"), 0755|os.ModeSetuid)

	cfg := scanConfig(dir)
	cfg.ExcludePatterns = []string{"vendor"}
	candidates, err := Scan(context.Background(), cfg)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(candidates) != 1 || filepath.Base(candidates[0].Path) != "kept" {
		t.Fatalf("exclude not honored: %+v", candidates)
	}
}

func TestScanFailsWhenNoRootReadable(t *testing.T) {
	t.Setenv("DESUID_DISABLE_PROGRESS", "1")
	cfg := scanConfig(filepath.Join(t.TempDir(), "missing"))
	if _, err := Scan(context.Background(), cfg); err == nil {
		t.Fatal("expected error when the only start path does not exist")
	}
}

func TestScanCancellation(t *testing.T) {
	t.Setenv("DESUID_DISABLE_PROGRESS", "1")
	dir := t.TempDir()
	writeExecutable(t, filepath.Join(dir, "suid"), 0755|os.ModeSetuid)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Scan(ctx, scanConfig(dir)); err == nil {
		t.Fatal("expected context error")
	}
}
