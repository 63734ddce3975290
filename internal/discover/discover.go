// Package discover finds source files, template directories and client-side
// assets in a target application tree.
package discover

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/phobologic/routetrace/internal/lang"
)

// FileEntry represents a discovered source file.
type FileEntry struct {
	Path     string // Relative to repo root
	Language string
}

// dependencyDirs hold third-party or generated code. They are never
// searched, not even for assets.
var dependencyDirs = setOf(
	"node_modules", "bower_components", "vendor",
	"venv", ".venv", "env", "virtualenv", "site-packages", "__pycache__",
	".git", ".hg", ".svn",
	".tox", ".nox", ".eggs", ".mypy_cache", ".ruff_cache", ".pytest_cache",
	".idea", ".vscode", ".phpunit.cache", ".cache",
	".next", ".nuxt", ".parcel-cache", ".svelte-kit", ".yarn",
)

// sourceOnlySkip adds build output, which may hold assets but never holds
// route declarations.
var sourceOnlySkip = setOf("build", "dist")

func setOf(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// IsDependencyDir reports whether a directory name is excluded from every
// search.
func IsDependencyDir(name string) bool {
	_, ok := dependencyDirs[name]
	return ok || strings.HasSuffix(name, ".egg-info")
}

// Files discovers parseable source files under root.
// If languages is non-empty, only files matching one of the listed languages are returned.
func Files(root string, languages []string) ([]FileEntry, error) {
	langSet := make(map[string]struct{}, len(languages))
	for _, l := range languages {
		langSet[l] = struct{}{}
	}
	gitFiles := gitLsFiles(root)
	var gi *ignore.GitIgnore
	if gitFiles == nil {
		gi = loadGitignore(root)
	}

	var results []FileEntry

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil // skip errors
		}

		name := d.Name()

		if d.IsDir() {
			if path == root {
				return nil
			}
			if _, skip := sourceOnlySkip[name]; skip || IsDependencyDir(name) || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}

		// Skip symlinks
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		if gitFiles != nil {
			if _, ok := gitFiles[filepath.ToSlash(rel)]; !ok {
				return nil
			}
		} else if gi != nil && gi.MatchesPath(rel) {
			return nil
		}

		langName := lang.ForExtension(filepath.Ext(name))
		if langName == "" {
			return nil
		}

		if len(langSet) > 0 {
			if _, ok := langSet[langName]; !ok {
				return nil
			}
		}

		results = append(results, FileEntry{Path: rel, Language: langName})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})

	return results, nil
}

// Dirs returns every directory under root whose base name is one of names,
// in lexical walk order. Dependency directories are not descended into.
func Dirs(root string, names ...string) []string {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}

	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && IsDependencyDir(d.Name()) {
			return filepath.SkipDir
		}
		if _, ok := want[d.Name()]; ok && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs
}

// FindByBase returns absolute paths of regular files under root whose base
// name is exactly base, sorted. Dependency directories are not descended
// into.
func FindByBase(root, base string) []string {
	rels := findByBase(os.DirFS(root), base)
	if rels == nil {
		return nil
	}
	out := make([]string, len(rels))
	for i, rel := range rels {
		out[i] = filepath.Join(root, filepath.FromSlash(rel))
	}
	sort.Strings(out)
	return out
}

func findByBase(fsys fs.FS, base string) []string {
	if base == "" || strings.ContainsAny(base, `*?[]{}\/`) {
		return nil
	}
	var out []string
	_ = fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != "." && IsDependencyDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && d.Name() == base {
			out = append(out, path)
		}
		return nil
	})
	return out
}

// ExactFile reports whether path names an existing regular file whose base
// name matches byte for byte, also on case-insensitive filesystems.
func ExactFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return false
	}
	base := filepath.Base(path)
	for _, e := range entries {
		if e.Name() == base {
			return true
		}
	}
	return false
}

// CountLines returns the number of lines in a file, counting a final line
// without a trailing newline. Unreadable or empty files count as one line.
func CountLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return 1
	}
	n := strings.Count(string(data), "\n")
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// IsTestFile reports whether a repo-relative path looks like test code.
// Route declarations in tests are fixtures, not application routes.
func IsTestFile(rel string) bool {
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")
	for _, p := range parts[:len(parts)-1] {
		switch p {
		case "tests", "test", "spec", "__tests__":
			return true
		}
	}
	name := parts[len(parts)-1]
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	switch {
	case strings.HasPrefix(name, "test_"):
		return true
	case strings.HasSuffix(stem, "_test"), strings.HasSuffix(stem, "_spec"):
		return true
	case strings.HasSuffix(stem, ".test"), strings.HasSuffix(stem, ".spec"):
		return true
	case strings.HasSuffix(stem, "Test") && strings.HasSuffix(name, ".php"):
		return true
	}
	return false
}

func gitLsFiles(root string) map[string]struct{} {
	gitDir := filepath.Join(root, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	files := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			files[line] = struct{}{}
		}
	}
	return files
}

func loadGitignore(root string) *ignore.GitIgnore {
	path := filepath.Join(root, ".gitignore")
	gi, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		return nil
	}
	return gi
}
