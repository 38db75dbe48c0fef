package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"promohunter/internal/config"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return out.String()
}

func TestConfigCommand_WritesEffectiveConfig(t *testing.T) {
	t.Setenv("CRAWL_MAX_RETRIES", "7")
	dir := t.TempDir()
	out := filepath.Join(dir, "effective.json")

	execute(t, "config", out, "--config", filepath.Join(dir, "missing.json"))

	cfg, err := config.Load(out)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Crawl.MaxRetries != 7 {
		t.Errorf("env override not persisted: max_retries = %d", cfg.Crawl.MaxRetries)
	}
	if cfg.Crawl.DownloadDelay != 2500*time.Millisecond {
		t.Errorf("download_delay = %v", cfg.Crawl.DownloadDelay)
	}
}

func TestSeedsCommand_ListsSeeds(t *testing.T) {
	dir := t.TempDir()
	seedDir := filepath.Join(dir, "seeds")
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(seedDir, "viajes.txt"), []byte("https://bank.test/viajes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.App.SeedDir = seedDir
	cfgPath := filepath.Join(dir, "config.json")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}

	got := execute(t, "seeds", "--config", cfgPath)
	if strings.TrimSpace(got) != "viajes\thttps://bank.test/viajes" {
		t.Errorf("unexpected seeds output %q", got)
	}
}
