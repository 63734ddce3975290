// Package routes holds the RouteIndex: an ordered set of route definitions
// with compiled matchers, shared by static API-call resolution and live
// traffic correlation.
package routes

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/phobologic/routetrace/internal/model"
)

// placeholderRe matches Flask/Werkzeug converters (<id>, <int:id>) and
// Laravel/FastAPI parameters ({id}, {id?}, {path:path}).
var placeholderRe = regexp.MustCompile(`<[^<>/]*>|\{[^{}/]*\}`)

// Compile builds the anchored matcher for a route pattern. Each placeholder
// becomes a single non-empty path segment; everything else is literal.
func Compile(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range placeholderRe.FindAllStringIndex(pattern, -1) {
		b.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		b.WriteString(`[^/]+`)
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(pattern[last:]))
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	return re, nil
}

// Index is an ordered collection of route definitions. Insertion order is
// preserved and decides ambiguous matches.
//
// An Index is built by a single goroutine. Once construction is complete it
// may be read concurrently.
type Index struct {
	Root      string
	Framework string

	routes []*model.Route
	seen   map[string]struct{}
}

// New returns an empty index for the application at root.
func New(root, framework string) *Index {
	return &Index{
		Root:      root,
		Framework: framework,
		seen:      make(map[string]struct{}),
	}
}

// Add registers r, compiling its matcher if needed. It returns false when
// the (pattern, methods) pair is already registered; the first registration
// wins.
func (ix *Index) Add(r *model.Route) (bool, error) {
	key := r.Pattern + " " + r.Methods.Key()
	if _, dup := ix.seen[key]; dup {
		return false, nil
	}
	if r.Matcher == nil {
		re, err := Compile(r.Pattern)
		if err != nil {
			return false, err
		}
		r.Matcher = re
	}
	ix.seen[key] = struct{}{}
	ix.routes = append(ix.routes, r)
	return true, nil
}

// Routes returns the registered routes in insertion order. The slice must
// not be modified.
func (ix *Index) Routes() []*model.Route {
	return ix.routes
}

// Len returns the number of registered routes.
func (ix *Index) Len() int {
	return len(ix.routes)
}

// Match finds the route serving path for the given method. The query string
// is ignored. The first route accepting both path and method wins; when no
// route accepts the method, the first route accepting the path is returned.
// A nil result means no definition was found.
func (ix *Index) Match(path, method string) *model.Route {
	path = StripQuery(path)
	var fallback *model.Route
	for _, r := range ix.routes {
		if !r.Matcher.MatchString(path) {
			continue
		}
		if r.Methods.Allows(method) {
			return r
		}
		if fallback == nil {
			fallback = r
		}
	}
	return fallback
}

// StripQuery removes a query string and fragment from a request path.
func StripQuery(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		return path[:i]
	}
	return path
}
