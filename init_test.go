package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phobologic/routetrace/internal/config"
)

// TestApplySectionCreate verifies that applySection on empty content wraps the
// section in sentinels with a trailing newline.
func TestApplySectionCreate(t *testing.T) {
	t.Parallel()
	section := sentinelStart + "\nbody\n" + sentinelEnd
	got := applySection("", section)
	if !strings.Contains(got, sentinelStart) {
		t.Error("missing sentinel start")
	}
	if !strings.Contains(got, sentinelEnd) {
		t.Error("missing sentinel end")
	}
	if !strings.Contains(got, "body") {
		t.Error("missing body")
	}
}

// TestApplySectionAppend verifies that existing content without a sentinel block
// is preserved and the section is appended.
func TestApplySectionAppend(t *testing.T) {
	t.Parallel()
	existing := "proxy:\n  listen_port: 9090\n"
	section := sentinelStart + "\n# new content\n" + sentinelEnd
	got := applySection(existing, section)

	if !strings.HasPrefix(got, existing) {
		t.Errorf("existing content should be preserved at start:\n%s", got)
	}
	if !strings.Contains(got, "new content") {
		t.Error("new content missing")
	}
}

// TestApplySectionUpdate verifies that an existing sentinel block is replaced
// precisely, leaving surrounding content intact.
func TestApplySectionUpdate(t *testing.T) {
	t.Parallel()
	before := "# local notes\n\n"
	after := "\n\nlog:\n  level: debug\n"
	old := before + sentinelStart + "\n# old content\n" + sentinelEnd + after

	section := sentinelStart + "\n# new content\n" + sentinelEnd
	got := applySection(old, section)

	if !strings.HasPrefix(got, before) {
		t.Errorf("content before sentinel should be preserved:\n%s", got)
	}
	if !strings.HasSuffix(got, after) {
		t.Errorf("content after sentinel should be preserved:\n%s", got)
	}
	if strings.Contains(got, "old content") {
		t.Error("old content should be replaced")
	}
	if !strings.Contains(got, "new content") {
		t.Error("new content missing")
	}
}

// TestInitCreatesFile verifies that init writes a loadable config with the
// usage block on top.
func TestInitCreatesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".routetrace.yaml")

	var stdout, stderr bytes.Buffer
	if err := run([]string{"init", path}, &stdout, &stderr); err != nil {
		t.Fatalf("init: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("file not created: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, sentinelStart) {
		t.Error("file should start with the usage block")
	}
	if !strings.Contains(content, sentinelEnd) {
		t.Error("sentinel end missing from created file")
	}
	if !strings.Contains(content, "listen_port: 8080") {
		t.Errorf("default settings missing:\n%s", content)
	}
	if !strings.Contains(stderr.String(), path) {
		t.Errorf("stderr = %q", stderr.String())
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Proxy.ListenPort != config.Default().Proxy.ListenPort {
		t.Errorf("ListenPort = %d", cfg.Proxy.ListenPort)
	}
}

// TestInitKeepsSettings verifies that re-running init on an edited file
// refreshes the usage block but leaves the settings alone.
func TestInitKeepsSettings(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".routetrace.yaml")
	existing := sentinelStart + "\n# stale usage\n" + sentinelEnd + "\n\nproxy:\n  listen_port: 9191\n"
	if err := os.WriteFile(path, []byte(existing), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := run([]string{"init", path}, &buf, &buf); err != nil {
		t.Fatalf("init: %v", err)
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if strings.Contains(content, "stale usage") {
		t.Error("usage block should be refreshed")
	}
	if !strings.HasSuffix(content, "proxy:\n  listen_port: 9191\n") {
		t.Errorf("settings should be untouched:\n%s", content)
	}
	if strings.Contains(content, "listen_port: 8080") {
		t.Error("defaults must not be added to an existing file")
	}
}

// TestInitDryRun verifies that --dry-run prints the full would-be file content
// to stdout and does not create or modify the target file.
func TestInitDryRun(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".routetrace.yaml")

	var stdout, stderr bytes.Buffer
	if err := run([]string{"init", "--dry-run", path}, &stdout, &stderr); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := os.Stat(path); err == nil {
		t.Error("--dry-run should not create the file")
	}
	out := stdout.String()
	if !strings.HasPrefix(out, sentinelStart) {
		t.Error("dry-run output missing sentinel start")
	}
	if !strings.Contains(out, "source:") {
		t.Error("dry-run output missing default settings")
	}
}

// TestInitDryRunShowsFullFile verifies that --dry-run on an existing file
// shows the complete would-be file content, including surrounding text.
func TestInitDryRunShowsFullFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".routetrace.yaml")

	existing := "log:\n  level: info\n"
	if err := os.WriteFile(path, []byte(existing), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if err := run([]string{"init", "--dry-run", path}, &stdout, &stderr); err != nil {
		t.Fatalf("init: %v", err)
	}

	out := stdout.String()
	if !strings.HasPrefix(out, existing) {
		t.Error("dry-run output missing existing file content")
	}
	if !strings.Contains(out, sentinelStart) {
		t.Error("dry-run output missing sentinel start")
	}
	data, _ := os.ReadFile(path)
	if string(data) != existing {
		t.Error("--dry-run must not modify the file")
	}
}

// TestInitIdempotent verifies that running init twice produces identical output.
func TestInitIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".routetrace.yaml")

	var buf bytes.Buffer
	if err := run([]string{"init", path}, &buf, &buf); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := os.ReadFile(path)

	if err := run([]string{"init", path}, &buf, &buf); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, _ := os.ReadFile(path)

	if string(first) != string(second) {
		t.Errorf("init is not idempotent:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}

// TestInitSectionContainsExamples verifies the usage block lists the
// subcommands and points to --help.
func TestInitSectionContainsExamples(t *testing.T) {
	t.Parallel()
	section := generateSection()

	for _, ex := range []string{
		"routetrace routes",
		"--json",
		"routetrace map",
		"routetrace proxy",
		"--help",
		"routetrace-ca.pem",
	} {
		if !strings.Contains(section, ex) {
			t.Errorf("generated section missing %q", ex)
		}
	}
	for _, line := range strings.Split(section, "\n") {
		if !strings.HasPrefix(line, "#") {
			t.Errorf("section line %q is not a YAML comment", line)
		}
	}
}
