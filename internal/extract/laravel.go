package extract

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/routetrace/internal/discover"
	"github.com/phobologic/routetrace/internal/lang"
	"github.com/phobologic/routetrace/internal/model"
)

const controllerNamespace = `App\Http\Controllers\`

var (
	laravelVerbs = map[string]string{
		"get":     "GET",
		"post":    "POST",
		"put":     "PUT",
		"patch":   "PATCH",
		"delete":  "DELETE",
		"options": "OPTIONS",
		"any":     model.AnyMethod,
		"view":    "GET",
	}

	prefixCallRe  = regexp.MustCompile(`prefix\(\s*['"]([^'"]*)['"]\s*\)`)
	prefixKeyRe   = regexp.MustCompile(`['"]prefix['"]\s*=>\s*['"]([^'"]*)['"]`)
	closureRe     = regexp.MustCompile(`^(?:static\s+)?(?:function|fn)\b`)
	actionArrayRe = regexp.MustCompile(`^\[\s*\\?([\w\\]+)::class\s*,\s*['"](\w+)['"]\s*\]$`)
	invokableRe   = regexp.MustCompile(`^\\?([\w\\]+)::class$`)
	stringListRe  = regexp.MustCompile(`['"](\w+)['"]`)
	viewCallRe    = regexp.MustCompile(`\bview\(\s*['"]([^'"]+)['"]`)
	methodDeclRe  = regexp.MustCompile(`^\s*(?:(?:public|protected|private|static|final|abstract)\s+)*function\s+&?(\w+)\s*\(`)
)

// laravelVariant reads the fluent Route:: facade in routes/*.php. Handler
// code usually lives in a controller and is located in a third pass.
type laravelVariant struct{}

func newLaravel() *laravelVariant { return &laravelVariant{} }

func (laravelVariant) Framework() Framework { return Laravel }
func (laravelVariant) Language() string     { return "php" }

func (laravelVariant) Accept(rel string) bool {
	return path.Dir(rel) == "routes"
}

func (laravelVariant) TemplateDirs(root string) []string {
	dir := filepath.Join(root, "resources", "views")
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return []string{dir}
	}
	return nil
}

// TemplateFile maps a dotted view name to its Blade file: "auth.login" is
// auth/login.blade.php.
func (laravelVariant) TemplateFile(ref string) string {
	return strings.ReplaceAll(ref, ".", "/") + ".blade.php"
}

// laravelGroups holds the literal prefix of every Route group call, keyed
// by file, byte range and node type. routes/api.php is keyed by its path
// alone.
type laravelGroups map[string]string

// nodeKey identifies n within f. A statement starts at the same byte as the
// call it wraps, so the range end and type are part of the key.
func nodeKey(f *File, n *sitter.Node) string {
	return fmt.Sprintf("%s@%d-%d:%s", f.Rel, n.StartByte(), n.EndByte(), n.Type())
}

func (g laravelGroups) Prefix(f *File, name string) (string, bool) {
	p, ok := g[name]
	return p, ok
}

func (laravelVariant) FindGroupPrefixes(files []*File) Groups {
	g := make(laravelGroups)
	for _, f := range files {
		if f.Rel == "routes/api.php" {
			g[f.Rel] = "/api"
		}
		lang.Walk(f.Tree.RootNode(), func(n *sitter.Node) bool {
			if p, ok := groupPrefix(n, f.Source); ok {
				g[nodeKey(f, n)] = p
			}
			return true
		})
	}
	return g
}

// groupPrefix reads Route::prefix('p')->group(...) chains and
// Route::group(['prefix' => 'p'], ...).
func groupPrefix(n *sitter.Node, src []byte) (string, bool) {
	if n.Type() != "member_call_expression" && n.Type() != "scoped_call_expression" {
		return "", false
	}
	name := n.ChildByFieldName("name")
	args := n.ChildByFieldName("arguments")
	if name == nil || args == nil || lang.NodeText(name, src) != "group" {
		return "", false
	}
	head := string(src[n.StartByte():args.StartByte()])
	if m := prefixCallRe.FindStringSubmatch(head); m != nil {
		return m[1], true
	}
	if args.NamedChildCount() > 0 {
		if m := prefixKeyRe.FindStringSubmatch(lang.NodeText(args.NamedChild(0), src)); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func (laravelVariant) FindRouteDeclarations(f *File, groups Groups) []Declaration {
	q, err := lang.Languages["php"].Query("routes")
	if err != nil {
		return nil
	}
	var decls []Declaration
	lang.Captures(q, f.Tree.RootNode(), f.Source, func(c map[string]*sitter.Node) {
		n := c["route"]
		if n == nil {
			return
		}
		d, ok := laravelDeclaration(n, f)
		if !ok {
			return
		}
		d.Prefix = joinPrefixes(enclosingPrefix(f, n, groups), d.Prefix)
		decls = append(decls, d)
	})
	return decls
}

func laravelDeclaration(n *sitter.Node, f *File) (Declaration, bool) {
	name := n.ChildByFieldName("name")
	args := n.ChildByFieldName("arguments")
	if name == nil || args == nil {
		return Declaration{}, false
	}
	chained, ok := routeFacade(n, f.Source)
	if !ok {
		return Declaration{}, false
	}
	verb := lang.NodeText(name, f.Source)

	var argv []string
	for i := 0; i < int(args.NamedChildCount()); i++ {
		if a := args.NamedChild(i); a.Type() != "comment" {
			argv = append(argv, strings.TrimSpace(lang.NodeText(a, f.Source)))
		}
	}

	var methods model.Methods
	switch {
	case verb == "match":
		if len(argv) < 2 {
			return Declaration{}, false
		}
		var verbs []string
		for _, m := range stringListRe.FindAllStringSubmatch(argv[0], -1) {
			verbs = append(verbs, m[1])
		}
		methods = model.NewMethods(verbs...)
		argv = argv[1:]
	case laravelVerbs[verb] != "":
		methods = model.NewMethods(laravelVerbs[verb])
	default:
		return Declaration{}, false
	}
	if len(argv) == 0 {
		return Declaration{}, false
	}
	uri, ok := phpString(argv[0])
	if !ok {
		return Declaration{}, false
	}

	d := Declaration{
		Pattern: "/" + strings.TrimLeft(uri, "/"),
		Methods: methods,
	}
	// Route::prefix('p')->get(...) carries its own prefix.
	if chained {
		head := string(f.Source[n.StartByte():name.StartByte()])
		if m := prefixCallRe.FindStringSubmatch(head); m != nil {
			d.Prefix = m[1]
		}
	}
	here := &model.Location{Path: f.Path, Start: lang.StartLine(n), End: lang.EndLine(n)}

	var action string
	if len(argv) > 1 {
		action = argv[1]
	}
	switch {
	case verb == "view":
		if tpl, ok := phpString(action); ok {
			d.Template = tpl
		}
		d.Handler = "view"
		d.Location = here
	case closureRe.MatchString(action):
		d.Handler = "closure"
		d.Location = here
		d.Body = Body{Source: []byte(lang.NodeText(n, f.Source))}
	default:
		d.target = controllerAction(action)
		if d.target == "" {
			return Declaration{}, false
		}
		d.Handler = d.target
	}
	return d, true
}

// routeFacade reports whether n is a call on the Route facade: either
// Route::verb(...) or a fluent chain rooted at one, such as
// Route::middleware('auth')->get(...). chained is true for the latter.
func routeFacade(n *sitter.Node, src []byte) (chained, ok bool) {
	for n.Type() == "member_call_expression" {
		n = n.ChildByFieldName("object")
		if n == nil {
			return false, false
		}
		chained = true
	}
	if n.Type() != "scoped_call_expression" {
		return false, false
	}
	scope := n.ChildByFieldName("scope")
	if scope == nil {
		return false, false
	}
	return chained, lastSegment(strings.ReplaceAll(lang.NodeText(scope, src), `\`, ".")) == "Route"
}

// controllerAction normalises the supported action forms to
// "Class@method".
func controllerAction(action string) string {
	if m := actionArrayRe.FindStringSubmatch(action); m != nil {
		return m[1] + "@" + m[2]
	}
	if m := invokableRe.FindStringSubmatch(action); m != nil {
		return m[1] + "@__invoke"
	}
	if s, ok := phpString(action); ok && strings.Count(s, "@") == 1 {
		return strings.TrimPrefix(s, `\`)
	}
	return ""
}

// joinPrefixes combines an outer and an inner group prefix.
func joinPrefixes(outer, inner string) string {
	var segs []string
	for _, p := range []string{outer, inner} {
		if s := strings.Trim(p, "/"); s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 {
		return ""
	}
	return "/" + strings.Join(segs, "/")
}

// enclosingPrefix joins the prefixes of every group the route is nested
// in, outermost first, under the file's own prefix.
func enclosingPrefix(f *File, n *sitter.Node, groups Groups) string {
	prefix := ""
	for p := n.Parent(); p != nil; p = p.Parent() {
		if outer, ok := groups.Prefix(f, nodeKey(f, p)); ok {
			prefix = joinPrefixes(outer, prefix)
		}
	}
	if outer, ok := groups.Prefix(f, f.Rel); ok {
		prefix = joinPrefixes(outer, prefix)
	}
	return prefix
}

// ResolveHandler finds the controller file for d's Class@method and the
// method's line range in it. A missing controller or method leaves the
// location empty.
func (laravelVariant) ResolveHandler(root string, d *Declaration) {
	class, method, ok := strings.Cut(d.target, "@")
	if !ok {
		return
	}
	file := controllerFile(root, class)
	if file == "" {
		return
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return
	}
	start, end, ok := methodLines(data, method)
	if !ok {
		return
	}
	d.Location = &model.Location{Path: file, Start: start, End: end}
	d.Body = Body{Source: sliceLines(data, start, end)}
}

// controllerFile maps a class name to app/Http/Controllers by namespace,
// then falls back to the first file with the class's basename.
func controllerFile(root, class string) string {
	class = strings.TrimPrefix(class, `\`)
	class = strings.TrimPrefix(class, controllerNamespace)
	rel := filepath.FromSlash(strings.ReplaceAll(class, `\`, "/")) + ".php"
	candidate := filepath.Join(root, "app", "Http", "Controllers", rel)
	if discover.ExactFile(candidate) {
		return candidate
	}
	base := filepath.Base(rel)
	if matches := discover.FindByBase(root, base); len(matches) > 0 {
		return matches[0]
	}
	return ""
}

// methodLines scans line by line for the named method and returns its
// range, which ends before the next function declaration or at EOF.
func methodLines(data []byte, method string) (int, int, bool) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	start, line := 0, 0
	for sc.Scan() {
		line++
		m := methodDeclRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		if start > 0 {
			return start, line - 1, true
		}
		if m[1] == method {
			start = line
		}
	}
	if start > 0 {
		return start, line, true
	}
	return 0, 0, false
}

func sliceLines(data []byte, start, end int) []byte {
	lines := bytes.SplitAfter(data, []byte("\n"))
	if start < 1 || start > len(lines) {
		return nil
	}
	if end > len(lines) {
		end = len(lines)
	}
	return bytes.Join(lines[start-1:end], nil)
}

func (laravelVariant) FindTemplateRef(b Body) string {
	if m := viewCallRe.FindSubmatch(b.Source); m != nil {
		return string(m[1])
	}
	return ""
}

// phpString unquotes a constant PHP string literal. Double-quoted strings
// with interpolation are dynamic and rejected.
func phpString(s string) (string, bool) {
	if len(s) < 2 {
		return "", false
	}
	q := s[0]
	if (q != '\'' && q != '"') || s[len(s)-1] != q {
		return "", false
	}
	body := s[1 : len(s)-1]
	if q == '"' && strings.Contains(body, "$") {
		return "", false
	}
	if strings.ContainsRune(body, rune(q)) {
		return "", false
	}
	return body, true
}
