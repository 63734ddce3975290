// Package extract builds a RouteIndex from an application's source tree.
//
// Extraction is framework-aware. A Framework value selects a Variant, which
// knows how to find group prefixes, route declarations and template
// references in that framework's code. The shared driver enumerates files,
// parses them with tree-sitter, runs the variant's passes and registers the
// results in declaration order.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/routetrace/internal/discover"
	"github.com/phobologic/routetrace/internal/lang"
	"github.com/phobologic/routetrace/internal/logging"
	"github.com/phobologic/routetrace/internal/model"
	"github.com/phobologic/routetrace/internal/routes"
)

// DefaultMaxFileSize is the size above which source files are skipped.
const DefaultMaxFileSize = 1_000_000 // 1 MB

var (
	// ErrUnsupportedFramework is returned for an unknown framework name.
	ErrUnsupportedFramework = errors.New("unsupported framework")
	// ErrInvalidRoot is returned when the root path is not a readable directory.
	ErrInvalidRoot = errors.New("invalid root path")
)

// Framework names a supported backend framework.
type Framework string

const (
	Flask   Framework = "flask"
	FastAPI Framework = "fastapi"
	Laravel Framework = "laravel"
)

// Frameworks lists the supported frameworks.
func Frameworks() []Framework {
	return []Framework{Flask, FastAPI, Laravel}
}

// ParseFramework converts a framework name, case-insensitively.
func ParseFramework(name string) (Framework, error) {
	fw := Framework(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Frameworks() {
		if fw == known {
			return fw, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFramework, name)
}

// VariantFor returns the extractor variant for a framework.
func VariantFor(fw Framework) (Variant, error) {
	switch fw {
	case Flask:
		return newFlask(), nil
	case FastAPI:
		return newFastAPI(), nil
	case Laravel:
		return newLaravel(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFramework, string(fw))
}

// File is a parsed source file.
type File struct {
	Path   string // absolute
	Rel    string // relative to the root, slash separated
	Source []byte
	Tree   *sitter.Tree
}

// Body is the code that implements a handler. Tree-based variants set Node;
// text-based ones leave it nil and set Source to the handler text only.
type Body struct {
	Node   *sitter.Node
	Source []byte
}

// Declaration is one route declaration found by a variant.
type Declaration struct {
	Pattern  string
	Methods  model.Methods
	Handler  string
	Prefix   string          // group prefix, "" when the route is not grouped
	Location *model.Location // nil until the handler is located
	Body     Body
	Template string

	target string // controller reference resolved in the third pass
}

// Groups resolves the prefix of a named group as seen from a file.
type Groups interface {
	Prefix(f *File, name string) (string, bool)
}

// Variant is the framework-specific half of extraction.
type Variant interface {
	Framework() Framework
	// Language is the lang registry name of the framework's source files.
	Language() string
	// Accept reports whether a root-relative source file can declare routes.
	Accept(rel string) bool
	// FindGroupPrefixes collects group/blueprint/router prefixes across all
	// files. Only literal prefixes are recorded.
	FindGroupPrefixes(files []*File) Groups
	// FindRouteDeclarations returns the routes declared in one file, in
	// source order.
	FindRouteDeclarations(f *File, groups Groups) []Declaration
	// FindTemplateRef returns the first literal template passed to a
	// render call in a handler body.
	FindTemplateRef(b Body) string
	// ResolveHandler locates handler code declared outside the routing file.
	ResolveHandler(root string, d *Declaration)
	// TemplateDirs lists the directories templates are searched in, in
	// priority order.
	TemplateDirs(root string) []string
	// TemplateFile maps a template reference to a path relative to a
	// template directory.
	TemplateFile(ref string) string
}

// Options tunes an extraction run.
type Options struct {
	Logger       *slog.Logger
	MaxFileSize  int64 // 0 means DefaultMaxFileSize
	IncludeTests bool
}

// Extract walks root and returns the RouteIndex for the given framework.
// Unparsable files, missing controllers and unresolved templates are logged
// and skipped; only an invalid root or framework fails the run.
func Extract(ctx context.Context, root string, fw Framework, opts Options) (*routes.Index, error) {
	v, err := VariantFor(fw)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	root, err = ValidateRoot(root)
	if err != nil {
		return nil, err
	}

	entries, err := discover.Files(root, []string{v.Language()})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	entries = selectFiles(root, entries, v, opts.IncludeTests, maxSize, log)

	l := lang.Languages[v.Language()]
	files, err := parseFilesConcurrent(ctx, root, entries, l, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, f := range files {
			f.Tree.Close()
		}
	}()

	groups := v.FindGroupPrefixes(files)

	var decls []Declaration
	for _, f := range files {
		decls = append(decls, v.FindRouteDeclarations(f, groups)...)
	}

	templateDirs := v.TemplateDirs(root)
	ix := routes.New(root, string(fw))
	for i := range decls {
		d := &decls[i]
		if d.Location == nil {
			v.ResolveHandler(root, d)
			if d.Location == nil {
				log.Debug("handler not located", "pattern", d.Pattern, "handler", d.Handler)
			}
		}
		if d.Template == "" && (d.Body.Node != nil || len(d.Body.Source) > 0) {
			d.Template = v.FindTemplateRef(d.Body)
		}
		var tplAt *model.Location
		if d.Template != "" {
			tplAt = resolveTemplate(templateDirs, v.TemplateFile(d.Template))
			if tplAt == nil {
				log.Debug("template not found", "template", d.Template, "pattern", d.Pattern)
			}
		}
		register(ix, d, d.Pattern, "", tplAt, log)
		if d.Prefix != "" {
			register(ix, d, JoinPrefix(d.Prefix, d.Pattern), d.Prefix, tplAt, log)
		}
	}

	log.Info("routes extracted", "framework", string(fw), "files", len(files), "routes", ix.Len())
	return ix, nil
}

// ValidateRoot returns the absolute form of root, or ErrInvalidRoot.
func ValidateRoot(root string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidRoot)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s: not a directory", ErrInvalidRoot, abs)
	}
	return abs, nil
}

// JoinPrefix combines a group prefix and a route path: the prefix loses its
// trailing separator, the path its leading one, and the result its trailing
// one.
func JoinPrefix(prefix, path string) string {
	joined := strings.TrimRight(strings.TrimRight(prefix, "/")+"/"+strings.TrimLeft(path, "/"), "/")
	if joined == "" {
		return "/"
	}
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

func register(ix *routes.Index, d *Declaration, pattern, group string, tplAt *model.Location, log *slog.Logger) {
	r := &model.Route{
		Pattern:    pattern,
		Methods:    d.Methods,
		Location:   d.Location,
		Handler:    d.Handler,
		Group:      group,
		Template:   d.Template,
		TemplateAt: tplAt,
	}
	added, err := ix.Add(r)
	if err != nil {
		log.Warn("skipping route", "pattern", pattern, "err", err)
		return
	}
	if !added {
		log.Debug("duplicate route", "pattern", pattern, "methods", d.Methods.String())
	}
}

// resolveTemplate returns the whole-file location of the first template
// directory holding file, matched case-sensitively.
func resolveTemplate(dirs []string, file string) *model.Location {
	if file == "" || filepath.IsAbs(file) {
		return nil
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, filepath.FromSlash(file))
		if discover.ExactFile(candidate) {
			return &model.Location{Path: candidate, Start: 1, End: discover.CountLines(candidate)}
		}
	}
	return nil
}

func selectFiles(root string, entries []discover.FileEntry, v Variant, includeTests bool, maxSize int64, log *slog.Logger) []discover.FileEntry {
	var kept []discover.FileEntry
	for _, e := range entries {
		rel := filepath.ToSlash(e.Path)
		if !v.Accept(rel) {
			continue
		}
		if !includeTests && discover.IsTestFile(rel) {
			continue
		}
		fi, err := os.Stat(filepath.Join(root, e.Path))
		if err == nil && fi.Size() > maxSize {
			log.Warn("skipped large file", "file", e.Path, "limit", maxSize)
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// parseFilesConcurrent reads and parses files on a worker pool. Files that
// cannot be read or contain syntax errors are skipped. Results keep the
// input order.
func parseFilesConcurrent(ctx context.Context, root string, entries []discover.FileEntry, l *lang.Language, log *slog.Logger) ([]*File, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	type result struct {
		index int
		file  *File
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > len(entries) {
		numWorkers = len(entries)
	}

	work := make(chan int, len(entries))
	results := make(chan result, len(entries))

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Each goroutine gets its own parser
			parser := l.NewParser()
			defer parser.Close()

			for idx := range work {
				if ctx.Err() != nil {
					continue
				}
				e := entries[idx]
				abs := filepath.Join(root, e.Path)
				source, err := os.ReadFile(abs)
				if err != nil {
					log.Warn("failed to read file", "file", e.Path, "err", err)
					continue
				}
				tree, err := lang.Parse(ctx, parser, source)
				if err != nil {
					log.Warn("skipping unparsable file", "file", e.Path, "err", err)
					continue
				}
				results <- result{
					index: idx,
					file: &File{
						Path:   abs,
						Rel:    filepath.ToSlash(e.Path),
						Source: source,
						Tree:   tree,
					},
				}
			}
		}()
	}

	for i := range entries {
		work <- i
	}
	close(work)

	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect results in original order
	indexed := make([]*File, len(entries))
	for r := range results {
		indexed[r.index] = r.file
	}

	var files []*File
	for _, f := range indexed {
		if f != nil {
			files = append(files, f)
		}
	}

	if err := ctx.Err(); err != nil {
		for _, f := range files {
			f.Tree.Close()
		}
		return nil, err
	}
	return files, nil
}
