// Package model defines core data structures for routetrace.
package model

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// AnyMethod is the sentinel for a route that accepts every HTTP verb.
const AnyMethod = "ANY"

// Location identifies a piece of code: a file and an inclusive, 1-indexed
// line range. Its textual form is "path#start-end".
type Location struct {
	Path  string
	Start int
	End   int
}

// String renders the location as "path#start-end".
func (l Location) String() string {
	return fmt.Sprintf("%s#%d-%d", l.Path, l.Start, l.End)
}

// ParseLocation parses "path#start-end". The range is split off at the last
// '#', so paths that themselves contain '#' survive a round trip.
func ParseLocation(s string) (Location, error) {
	i := strings.LastIndex(s, "#")
	if i <= 0 {
		return Location{}, fmt.Errorf("location %q: missing #start-end", s)
	}
	start, end, ok := strings.Cut(s[i+1:], "-")
	if !ok {
		return Location{}, fmt.Errorf("location %q: malformed line range", s)
	}
	a, err := strconv.Atoi(start)
	if err != nil {
		return Location{}, fmt.Errorf("location %q: start line: %w", s, err)
	}
	b, err := strconv.Atoi(end)
	if err != nil {
		return Location{}, fmt.Errorf("location %q: end line: %w", s, err)
	}
	if a < 1 || b < a {
		return Location{}, fmt.Errorf("location %q: invalid range %d-%d", s, a, b)
	}
	return Location{Path: s[:i], Start: a, End: b}, nil
}

// Methods is the set of HTTP verbs a route declares. An empty set means ANY.
type Methods []string

// NewMethods upper-cases and de-duplicates verbs. A set containing ANY
// collapses to the empty (ANY) set.
func NewMethods(verbs ...string) Methods {
	seen := make(map[string]struct{}, len(verbs))
	var out Methods
	for _, v := range verbs {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if v == AnyMethod {
			return nil
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// IsAny reports whether the set is the ANY sentinel.
func (m Methods) IsAny() bool {
	return len(m) == 0
}

// Allows reports whether a request with the given verb satisfies the set.
// An observed method of ANY is satisfied by every set.
func (m Methods) Allows(method string) bool {
	if m.IsAny() || method == "" || strings.EqualFold(method, AnyMethod) {
		return true
	}
	for _, v := range m {
		if strings.EqualFold(v, method) {
			return true
		}
	}
	return false
}

// Key returns a canonical, order-independent form used for uniqueness.
func (m Methods) Key() string {
	if m.IsAny() {
		return AnyMethod
	}
	sorted := append([]string(nil), m...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func (m Methods) String() string {
	if m.IsAny() {
		return AnyMethod
	}
	return strings.Join(m, " ")
}

// Route is one route definition discovered in source.
//
// Everything except the API-call references is fixed once the route is
// registered in an index. API-call references only ever grow.
type Route struct {
	Pattern    string
	Matcher    *regexp.Regexp
	Methods    Methods
	Location   *Location // nil when the implementing code could not be located
	Handler    string
	Group      string    // group/blueprint/namespace prefix that produced this entry, if any
	Template   string    // template reference as written in the handler
	TemplateAt *Location // resolved template file, whole-file range

	mu       sync.RWMutex
	apiCalls []APICallRef
}

// APICallRef links an outbound URL found in a template or script to the
// route that serves it.
type APICallRef struct {
	URL   string
	Route *Route
}

// AddAPICall records a reference. It returns false when the URL is already
// recorded for this route.
func (r *Route) AddAPICall(url string, target *Route) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range r.apiCalls {
		if ref.URL == url {
			return false
		}
	}
	r.apiCalls = append(r.apiCalls, APICallRef{URL: url, Route: target})
	return true
}

// APICalls returns a snapshot of the recorded references.
func (r *Route) APICalls() []APICallRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]APICallRef(nil), r.apiCalls...)
}

// LocationString returns the "path#start-end" form, or "" when unknown.
func (r *Route) LocationString() string {
	if r.Location == nil {
		return ""
	}
	return r.Location.String()
}

// Files lists the code behind the route: its source location, then its
// template when one was resolved.
func (r *Route) Files() []string {
	files := []string{}
	if r.Location != nil {
		files = append(files, r.Location.String())
	}
	if r.TemplateAt != nil {
		files = append(files, r.TemplateAt.String())
	}
	return files
}

// CallEdge is a route-level edge: a page served by Caller issues a request
// that is handled by Callee.
type CallEdge struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
	URL    string `json:"url"`
}

// RouteRef is the serialized view of a matched route inside an event.
type RouteRef struct {
	Pattern  string   `json:"pattern"`
	Methods  []string `json:"methods"`
	Handler  string   `json:"handler,omitempty"`
	Location string   `json:"location,omitempty"`
}

// APICallCorrelation is one resolved outbound call reported in an event.
type APICallCorrelation struct {
	URL           string    `json:"url"`
	ResolvedRoute *RouteRef `json:"resolved_route"`
}

// Event is a correlation event: one observed exchange linked to the code
// that served it.
type Event struct {
	ID             string               `json:"id"`
	Session        string               `json:"session,omitempty"`
	ObservedPath   string               `json:"observed_path"`
	ObservedMethod string               `json:"observed_method"`
	Host           string               `json:"host,omitempty"`
	Status         int                  `json:"status,omitempty"`
	MatchedRoute   *RouteRef            `json:"matched_route"`
	FilesInvolved  []string             `json:"files_involved"`
	APICalls       []APICallCorrelation `json:"api_call_correlations"`
}

// Ref builds the serialized view of a route.
func Ref(r *Route) *RouteRef {
	if r == nil {
		return nil
	}
	methods := []string(r.Methods)
	if r.Methods.IsAny() {
		methods = []string{AnyMethod}
	}
	return &RouteRef{
		Pattern:  r.Pattern,
		Methods:  methods,
		Handler:  r.Handler,
		Location: r.LocationString(),
	}
}
