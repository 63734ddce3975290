// Package lang provides a registry of the target-application languages
// routetrace can parse, mapping file extensions to tree-sitter languages and
// their embedded query files.
package lang

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

//go:embed queries/*.scm
var queryFS embed.FS

// ErrSyntax is returned by Parse when the source does not parse cleanly.
var ErrSyntax = errors.New("syntax error")

// Language holds tree-sitter configuration for a supported language.
type Language struct {
	Name       string
	Extensions []string
	lang       *sitter.Language

	mu      sync.Mutex
	queries map[string]*sitter.Query
}

// GetLanguage returns the tree-sitter Language pointer.
func (l *Language) GetLanguage() *sitter.Language {
	return l.lang
}

// NewParser creates a fresh tree-sitter parser for this language.
// Each goroutine must use its own parser (not thread-safe).
func (l *Language) NewParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(l.lang)
	return p
}

// Query returns the compiled query queries/<lang>-<kind>.scm. Compiled
// queries are cached and safe to share across goroutines.
func (l *Language) Query(kind string) (*sitter.Query, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if q, ok := l.queries[kind]; ok {
		return q, nil
	}
	data, err := queryFS.ReadFile(fmt.Sprintf("queries/%s-%s.scm", l.Name, kind))
	if err != nil {
		return nil, fmt.Errorf("reading query file: %w", err)
	}
	q, err := sitter.NewQuery(data, l.lang)
	if err != nil {
		return nil, fmt.Errorf("compiling query: %w", err)
	}
	if l.queries == nil {
		l.queries = make(map[string]*sitter.Query)
	}
	l.queries[kind] = q
	return q, nil
}

// Parse parses source and rejects trees that contain error or missing
// nodes. The caller owns the returned tree and must Close it.
func Parse(ctx context.Context, parser *sitter.Parser, source []byte) (*sitter.Tree, error) {
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, err
	}
	if tree.RootNode().HasError() {
		tree.Close()
		return nil, ErrSyntax
	}
	return tree, nil
}

// Captures runs a query against root and calls fn once per match with the
// captured nodes keyed by capture name.
func Captures(query *sitter.Query, root *sitter.Node, source []byte, fn func(map[string]*sitter.Node)) {
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, root)

	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		match = qc.FilterPredicates(match, source)
		if len(match.Captures) == 0 {
			continue
		}
		nodes := make(map[string]*sitter.Node, len(match.Captures))
		for _, c := range match.Captures {
			nodes[query.CaptureNameForId(c.Index)] = c.Node
		}
		fn(nodes)
	}
}

// Walk visits node and its named descendants depth-first. Returning false
// from fn skips the node's children.
func Walk(node *sitter.Node, fn func(*sitter.Node) bool) {
	if node == nil || !fn(node) {
		return
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		Walk(node.NamedChild(i), fn)
	}
}

// Languages maps language names to their configuration.
// Populated by init() functions in per-language files.
var Languages = map[string]*Language{}

// extensionMap is built lazily after all init() functions have run.
var extensionMap map[string]string
var extensionOnce sync.Once

func getExtensionMap() map[string]string {
	extensionOnce.Do(func() {
		extensionMap = make(map[string]string)
		for _, l := range Languages {
			for _, ext := range l.Extensions {
				extensionMap[ext] = l.Name
			}
		}
	})
	return extensionMap
}

// ForExtension returns the language name for a file extension, or "" if unsupported.
func ForExtension(ext string) string {
	return getExtensionMap()[ext]
}

// NodeText returns the source text of a tree-sitter node.
func NodeText(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

// StartLine returns the 1-indexed line a node starts on.
func StartLine(node *sitter.Node) int {
	return int(node.StartPoint().Row) + 1
}

// EndLine returns the 1-indexed line a node ends on.
func EndLine(node *sitter.Node) int {
	return int(node.EndPoint().Row) + 1
}

// unquote strips one of the given quote delimiters from both ends of s.
func unquote(s string, delims ...string) (string, bool) {
	for _, q := range delims {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)], true
		}
	}
	return "", false
}
