// Package assets resolves client-side API calls back to server routes. It
// reads a route's template, follows the scripts the template references and
// matches every outbound URL literal against the RouteIndex.
package assets

import (
	"log/slog"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/phobologic/routetrace/internal/discover"
	"github.com/phobologic/routetrace/internal/logging"
	"github.com/phobologic/routetrace/internal/model"
	"github.com/phobologic/routetrace/internal/routes"
)

// DefaultMaxFileSize bounds the size of a template or script that is read.
const DefaultMaxFileSize = 5_000_000

const quote = "[\"'`]"

// callPatterns find outbound request literals. Each has a "url" group and
// optionally a "method" group.
var callPatterns = []*regexp.Regexp{
	regexp.MustCompile(`fetch\s*\(\s*` + quote + `(?P<url>[^"'` + "`" + `\s]+)` + quote),
	regexp.MustCompile(`\$\s*\.\s*ajax\s*\(\s*\{[^}]*?\burl\s*:\s*` + quote + `(?P<url>[^"'` + "`" + `\s]+)` + quote),
	regexp.MustCompile(`\$\s*\.\s*(?:(?P<method>get|post)|getJSON|ajax)\s*\(\s*` + quote + `(?P<url>[^"'` + "`" + `\s]+)` + quote),
	regexp.MustCompile(`axios\s*\.\s*(?P<method>get|post|put|patch|delete|head|options)\s*\(\s*` + quote + `(?P<url>[^"'` + "`" + `\s]+)` + quote),
	regexp.MustCompile(`axios\s*\(\s*` + quote + `(?P<url>[^"'` + "`" + `\s]+)` + quote),
	regexp.MustCompile(`axios\s*\(\s*\{[^}]*?\burl\s*:\s*` + quote + `(?P<url>[^"'` + "`" + `\s]+)` + quote),
	regexp.MustCompile(`\.open\s*\(\s*["'](?P<method>[A-Za-z]+)["']\s*,\s*` + quote + `(?P<url>[^"'` + "`" + `\s]+)` + quote),
}

// scriptPatterns find referenced script files.
var scriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`<script\b[^>]*\bsrc\s*=\s*["']([^"']+?\.m?js)(?:\?[^"']*)?["']`),
	regexp.MustCompile(`\bimport\s+(?:[^;'"]*?\s+from\s+)?["']([^"']+?\.m?js)["']`),
	regexp.MustCompile(`url_for\(\s*["']static["']\s*,\s*filename\s*=\s*["']([^"']+?\.m?js)["']`),
	regexp.MustCompile(`\basset\(\s*["']([^"']+?\.m?js)["']`),
}

// Call is an outbound request literal found in an asset.
type Call struct {
	URL    string // trimmed of query string, fragment and trailing slash
	Method string // upper-case verb when the call names one
}

// Calls extracts outbound request literals from content, in order of
// appearance per pattern. Duplicates are dropped.
func Calls(content []byte) []Call {
	var out []Call
	seen := make(map[Call]struct{})
	for _, re := range callPatterns {
		ui := re.SubexpIndex("url")
		mi := re.SubexpIndex("method")
		for _, m := range re.FindAllSubmatch(content, -1) {
			c := Call{URL: TrimURL(string(m[ui]))}
			if mi >= 0 && len(m[mi]) > 0 {
				c.Method = strings.ToUpper(string(m[mi]))
			}
			if c.URL == "" {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// ScriptRefs extracts the basenames of local scripts referenced by content.
// External (http, https and protocol-relative) references are skipped.
func ScriptRefs(content []byte) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, re := range scriptPatterns {
		for _, m := range re.FindAllSubmatch(content, -1) {
			ref := string(m[1])
			if isExternal(ref) {
				continue
			}
			base := path.Base(ref)
			if _, dup := seen[base]; dup || base == "." || base == "/" {
				continue
			}
			seen[base] = struct{}{}
			out = append(out, base)
		}
	}
	return out
}

func isExternal(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "//")
}

// TrimURL strips the query string, fragment and trailing slash.
func TrimURL(raw string) string {
	raw = routes.StripQuery(strings.TrimSpace(raw))
	if len(raw) > 1 {
		raw = strings.TrimRight(raw, "/")
		if raw == "" {
			raw = "/"
		}
	}
	return raw
}

// matchPath returns the path to match for a URL: the path of an absolute
// URL, or the URL itself when it is site-relative.
func matchPath(raw string) (string, bool) {
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return raw, true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	if u.Path == "" {
		return "/", true
	}
	return u.Path, true
}

// Options tunes a Scanner.
type Options struct {
	Logger      *slog.Logger
	MaxFileSize int64 // 0 means DefaultMaxFileSize
}

// Scanner resolves API calls for routes of one index. Script lookups are
// memoised per basename. A Scanner is not safe for concurrent use.
type Scanner struct {
	index   *routes.Index
	log     *slog.Logger
	maxSize int64
	found   map[string][]string
	assets  map[string]asset
}

type asset struct {
	calls   []Call
	scripts []string
}

// NewScanner returns a scanner over ix.
func NewScanner(ix *routes.Index, opts Options) *Scanner {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &Scanner{
		index:   ix,
		log:     log,
		maxSize: maxSize,
		found:   make(map[string][]string),
		assets:  make(map[string]asset),
	}
}

// Scan collects the API calls of r's resolved template and the scripts it
// references, transitively, and records every call that matches a route in
// r. Unmatched calls are dropped. It returns r's references.
func (s *Scanner) Scan(r *model.Route) []model.APICallRef {
	if r.TemplateAt == nil {
		return r.APICalls()
	}
	for _, c := range s.collect(r.TemplateAt.Path) {
		p, ok := matchPath(c.URL)
		if !ok {
			continue
		}
		target := s.index.Match(p, c.Method)
		if target == nil {
			s.log.Debug("unmatched api call", "url", c.URL, "template", r.TemplateAt.Path)
			continue
		}
		r.AddAPICall(c.URL, target)
	}
	return r.APICalls()
}

// ScanAll scans every route that has a resolved template and returns the
// number of references recorded.
func (s *Scanner) ScanAll() int {
	n := 0
	for _, r := range s.index.Routes() {
		n += len(s.Scan(r))
	}
	return n
}

// collect returns the calls in a template and in every script reachable
// from it.
func (s *Scanner) collect(template string) []Call {
	var out []Call
	visited := map[string]struct{}{template: {}}
	queue := []string{template}
	for len(queue) > 0 {
		file := queue[0]
		queue = queue[1:]

		calls, refs := s.read(file)
		out = append(out, calls...)
		for _, base := range refs {
			for _, script := range s.lookup(base) {
				if _, ok := visited[script]; ok {
					continue
				}
				visited[script] = struct{}{}
				queue = append(queue, script)
			}
		}
	}
	return out
}

func (s *Scanner) read(file string) ([]Call, []string) {
	if a, ok := s.assets[file]; ok {
		return a.calls, a.scripts
	}
	var a asset
	defer func() { s.assets[file] = a }()

	info, err := os.Stat(file)
	if err != nil {
		s.log.Debug("unreadable asset", "file", file, "err", err)
		return nil, nil
	}
	if info.Size() > s.maxSize {
		s.log.Warn("skipped large asset", "file", file, "limit", s.maxSize)
		return nil, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		s.log.Debug("unreadable asset", "file", file, "err", err)
		return nil, nil
	}
	a = asset{calls: Calls(data), scripts: ScriptRefs(data)}
	return a.calls, a.scripts
}

func (s *Scanner) lookup(base string) []string {
	if paths, ok := s.found[base]; ok {
		return paths
	}
	paths := discover.FindByBase(s.index.Root, base)
	s.found[base] = paths
	return paths
}
