package lang

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

func init() {
	Languages["python"] = &Language{
		Name:       "python",
		Extensions: []string{".py"},
		lang:       python.GetLanguage(),
	}
}

// PythonString returns the value of a constant string literal. Plain, raw,
// byte and unicode literals are accepted; f-strings and implicit
// concatenations are dynamic and rejected.
func PythonString(node *sitter.Node, source []byte) (string, bool) {
	if node == nil || node.Type() != "string" {
		return "", false
	}
	s := NodeText(node, source)
	i := 0
	for i < len(s) && strings.IndexByte("rRbBuU", s[i]) >= 0 {
		i++
	}
	if i < len(s) && (s[i] == 'f' || s[i] == 'F') {
		return "", false
	}
	return unquote(s[i:], `"""`, `'''`, `"`, `'`)
}

// PythonCallName returns the dotted callee of a call node, e.g.
// "bp.route" or "render_template". Returns "" for non-call nodes.
func PythonCallName(call *sitter.Node, source []byte) string {
	if call == nil || call.Type() != "call" {
		return ""
	}
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier", "attribute":
		return NodeText(fn, source)
	}
	return ""
}

// PythonArguments splits a call's argument list into positional arguments
// and keyword arguments.
func PythonArguments(call *sitter.Node, source []byte) (positional []*sitter.Node, keywords map[string]*sitter.Node) {
	keywords = make(map[string]*sitter.Node)
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return nil, keywords
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		switch arg.Type() {
		case "keyword_argument":
			name := arg.ChildByFieldName("name")
			value := arg.ChildByFieldName("value")
			if name != nil && value != nil {
				keywords[NodeText(name, source)] = value
			}
		case "comment":
		default:
			positional = append(positional, arg)
		}
	}
	return positional, keywords
}

// PythonStringList returns the constant members of a list or tuple literal.
// Non-constant members are skipped.
func PythonStringList(node *sitter.Node, source []byte) []string {
	if node == nil || (node.Type() != "list" && node.Type() != "tuple") {
		return nil
	}
	var out []string
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if v, ok := PythonString(node.NamedChild(i), source); ok {
			out = append(out, v)
		}
	}
	return out
}
