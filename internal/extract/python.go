package extract

import (
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/routetrace/internal/discover"
	"github.com/phobologic/routetrace/internal/lang"
	"github.com/phobologic/routetrace/internal/model"
)

// pythonVariant implements the decorator-based Python frameworks. Flask
// and FastAPI differ only in names and in how mount prefixes combine.
type pythonVariant struct {
	fw Framework

	groupConstructor string // Blueprint, APIRouter
	groupKeyword     string // url_prefix, prefix
	mountMethod      string // register_blueprint, include_router
	mountKeyword     string // url_prefix, prefix
	stackMounts      bool   // mount prefix is prepended to the group's own

	routeMethods map[string]bool // decorators that take methods=[...]
	verbMethods  map[string]bool // decorators named after one verb

	templateCalls []string // render call names; matched on the last dotted segment
}

func (v *pythonVariant) Framework() Framework { return v.fw }
func (v *pythonVariant) Language() string     { return "python" }
func (v *pythonVariant) Accept(string) bool   { return true }

// ResolveHandler is a no-op: decorated handlers are located in place.
func (v *pythonVariant) ResolveHandler(string, *Declaration) {}

func (v *pythonVariant) TemplateDirs(root string) []string {
	return discover.Dirs(root, "templates")
}

func (v *pythonVariant) TemplateFile(ref string) string {
	return strings.TrimPrefix(ref, "/")
}

// pythonGroups records group assignments per file and mounts by name.
type pythonGroups struct {
	declared map[string]string  // file\x00name -> prefix ("" when assigned without one)
	global   map[string]string  // name -> first literal prefix in any file
	mounts   map[string][]mount // name -> mount prefixes in file order
	stack    bool
}

type mount struct {
	module string // dotted owner, "" for a bare name
	prefix string
}

func groupKey(rel, name string) string { return rel + "\x00" + name }

// Prefix resolves the prefix of the group bound to name in f. A name
// assigned in f uses that assignment; an imported name falls back to the
// first literal declaration elsewhere.
func (g *pythonGroups) Prefix(f *File, name string) (string, bool) {
	declared, local := g.declared[groupKey(f.Rel, name)]
	if !local {
		declared = g.global[name]
	}

	mounted := ""
	stem := moduleStem(f.Rel)
	for _, m := range g.mounts[name] {
		if m.module == "" || m.module == stem {
			mounted = m.prefix
			break
		}
	}

	var prefix string
	switch {
	case mounted != "" && g.stack:
		prefix = strings.TrimRight(mounted, "/") + "/" + strings.TrimLeft(declared, "/")
	case mounted != "":
		prefix = mounted
	default:
		prefix = declared
	}
	prefix = strings.TrimRight(prefix, "/")
	return prefix, prefix != ""
}

// moduleStem is the module name a file is imported as: "auth" for
// app/auth.py and app/auth/__init__.py.
func moduleStem(rel string) string {
	base := strings.TrimSuffix(path.Base(rel), ".py")
	if base == "__init__" {
		return path.Base(path.Dir(rel))
	}
	return base
}

func (v *pythonVariant) FindGroupPrefixes(files []*File) Groups {
	g := &pythonGroups{
		declared: make(map[string]string),
		global:   make(map[string]string),
		mounts:   make(map[string][]mount),
		stack:    v.stackMounts,
	}
	q, err := lang.Languages["python"].Query("groups")
	if err != nil {
		return g
	}

	for _, f := range files {
		root := f.Tree.RootNode()
		lang.Captures(q, root, f.Source, func(c map[string]*sitter.Node) {
			name, ctor, args := c["name"], c["constructor"], c["arguments"]
			if name == nil || ctor == nil || args == nil {
				return
			}
			if lastSegment(lang.NodeText(ctor, f.Source)) != v.groupConstructor {
				return
			}
			_, kw := lang.PythonArguments(args.Parent(), f.Source)
			prefix, _ := lang.PythonString(kw[v.groupKeyword], f.Source)
			n := lang.NodeText(name, f.Source)
			key := groupKey(f.Rel, n)
			if _, seen := g.declared[key]; !seen {
				g.declared[key] = prefix
			}
			if _, seen := g.global[n]; !seen && prefix != "" {
				g.global[n] = prefix
			}
		})

		lang.Walk(root, func(n *sitter.Node) bool {
			if n.Type() != "call" || lastSegment(lang.PythonCallName(n, f.Source)) != v.mountMethod {
				return true
			}
			pos, kw := lang.PythonArguments(n, f.Source)
			prefix, ok := lang.PythonString(kw[v.mountKeyword], f.Source)
			if !ok || prefix == "" || len(pos) == 0 {
				return true
			}
			var m mount
			var name string
			switch pos[0].Type() {
			case "identifier":
				name = lang.NodeText(pos[0], f.Source)
			case "attribute":
				full := lang.NodeText(pos[0], f.Source)
				name = lastSegment(full)
				m.module = lastSegment(strings.TrimSuffix(full, "."+name))
			default:
				return true
			}
			m.prefix = prefix
			g.mounts[name] = append(g.mounts[name], m)
			return true
		})
	}
	return g
}

func (v *pythonVariant) FindRouteDeclarations(f *File, groups Groups) []Declaration {
	var decls []Declaration
	lang.Walk(f.Tree.RootNode(), func(n *sitter.Node) bool {
		if n.Type() != "decorated_definition" {
			return true
		}
		def := n.ChildByFieldName("definition")
		if def == nil || def.Type() != "function_definition" {
			return true
		}
		fname := def.ChildByFieldName("name")
		if fname == nil {
			return true
		}
		loc := &model.Location{Path: f.Path, Start: lang.StartLine(n), End: lang.EndLine(def)}
		body := Body{Node: def.ChildByFieldName("body"), Source: f.Source}

		for i := 0; i < int(n.NamedChildCount()); i++ {
			dec := n.NamedChild(i)
			if dec.Type() != "decorator" {
				continue
			}
			d, ok := v.declaration(dec, f)
			if !ok {
				continue
			}
			d.Handler = lang.NodeText(fname, f.Source)
			d.Location = loc
			d.Body = body
			if p, ok := groups.Prefix(f, d.target); ok {
				d.Prefix = p
			}
			d.target = ""
			decls = append(decls, d)
		}
		// Nested definitions can carry their own decorators.
		return true
	})
	return decls
}

// declaration reads one decorator. The owner object name is returned in
// target for group lookup.
func (v *pythonVariant) declaration(dec *sitter.Node, f *File) (Declaration, bool) {
	var call *sitter.Node
	for i := 0; i < int(dec.NamedChildCount()); i++ {
		if c := dec.NamedChild(i); c.Type() == "call" {
			call = c
			break
		}
	}
	if call == nil {
		return Declaration{}, false
	}
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "attribute" {
		return Declaration{}, false
	}
	attr := fn.ChildByFieldName("attribute")
	obj := fn.ChildByFieldName("object")
	if attr == nil || obj == nil {
		return Declaration{}, false
	}
	method := lang.NodeText(attr, f.Source)
	if !v.routeMethods[method] && !v.verbMethods[method] {
		return Declaration{}, false
	}

	pos, kw := lang.PythonArguments(call, f.Source)
	if len(pos) == 0 {
		return Declaration{}, false
	}
	pattern, ok := lang.PythonString(pos[0], f.Source)
	if !ok {
		return Declaration{}, false
	}

	d := Declaration{Pattern: pattern, target: lastSegment(lang.NodeText(obj, f.Source))}
	if v.verbMethods[method] {
		d.Methods = model.NewMethods(method)
	} else {
		d.Methods = model.NewMethods(lang.PythonStringList(kw["methods"], f.Source)...)
	}
	return d, true
}

// FindTemplateRef walks the handler body for the first render call with a
// literal template name.
func (v *pythonVariant) FindTemplateRef(b Body) string {
	var ref string
	lang.Walk(b.Node, func(n *sitter.Node) bool {
		if ref != "" {
			return false
		}
		if n.Type() != "call" || !v.isTemplateCall(lang.PythonCallName(n, b.Source)) {
			return true
		}
		pos, kw := lang.PythonArguments(n, b.Source)
		if s, ok := lang.PythonString(kw["name"], b.Source); ok {
			ref = s
			return false
		}
		// TemplateResponse(request, "x.html") puts the name second.
		for i := 0; i < len(pos) && i < 2; i++ {
			if s, ok := lang.PythonString(pos[i], b.Source); ok {
				ref = s
				return false
			}
		}
		return true
	})
	return ref
}

func (v *pythonVariant) isTemplateCall(name string) bool {
	if name == "" {
		return false
	}
	last := lastSegment(name)
	for _, c := range v.templateCalls {
		if last == c {
			return true
		}
	}
	return false
}

func lastSegment(dotted string) string {
	if i := strings.LastIndex(dotted, "."); i >= 0 {
		return dotted[i+1:]
	}
	return dotted
}

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
