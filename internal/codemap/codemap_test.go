package codemap

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/phobologic/routetrace/internal/extract"
)

const app = `from flask import Flask, render_template

app = Flask(__name__)


@app.route("/")
def index():
    return render_template("index.html")


@app.route("/api/users")
def users():
    return "[]"
`

func fixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "app.py", app)
	writeFile(t, dir, "templates/index.html", "<html>\n<script>fetch(\"/api/users\")</script>\n</html>\n")
	return dir
}

func TestMapEndpointResolvesAPICalls(t *testing.T) {
	t.Parallel()

	dir := fixture(t)
	ix, err := ExtractRoutes(context.Background(), dir, extract.Flask, Options{})
	if err != nil {
		t.Fatalf("ExtractRoutes: %v", err)
	}

	m, ok := MapEndpoint(ix, "/")
	if !ok {
		t.Fatal("expected / to match")
	}
	appPy := filepath.Join(dir, "app.py")
	if m.Location != appPy+"#6-8" {
		t.Errorf("Location = %q", m.Location)
	}
	if want := filepath.Join(dir, "templates", "index.html") + "#1-3"; m.Template != want {
		t.Errorf("Template = %q, want %q", m.Template, want)
	}
	if len(m.APICalls) != 1 {
		t.Fatalf("APICalls = %+v", m.APICalls)
	}
	call := m.APICalls[0]
	if call.URL != "/api/users" || call.Pattern != "/api/users" || call.Location != appPy+"#11-13" {
		t.Errorf("APICall = %+v", call)
	}
}

func TestMapEndpointScansOnDemand(t *testing.T) {
	t.Parallel()

	dir := fixture(t)
	ix, err := ExtractRoutes(context.Background(), dir, extract.Flask, Options{SkipAssets: true})
	if err != nil {
		t.Fatalf("ExtractRoutes: %v", err)
	}
	if refs := ix.Routes()[0].APICalls(); len(refs) != 0 {
		t.Fatalf("SkipAssets still scanned: %v", refs)
	}

	m, ok := MapEndpoint(ix, "GET http://localhost:5000/?tab=1")
	if !ok {
		t.Fatal("expected match")
	}
	if len(m.APICalls) != 1 || m.APICalls[0].Pattern != "/api/users" {
		t.Errorf("APICalls = %+v", m.APICalls)
	}
}

func TestMapEndpointNoMatch(t *testing.T) {
	t.Parallel()

	ix, err := ExtractRoutes(context.Background(), fixture(t), extract.Flask, Options{})
	if err != nil {
		t.Fatalf("ExtractRoutes: %v", err)
	}
	m, ok := MapEndpoint(ix, "/missing")
	if ok || m.Route != nil || m.Location != "" {
		t.Fatalf("unexpected mapping %+v", m)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"endpoint":"/missing","route":null,"api_call_references":[]}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestSplitEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, method, path string }{
		{"/users", "", "/users"},
		{"POST /users", "POST", "/users"},
		{"https://example.com", "", "/"},
		{"DELETE https://example.com/a/b?c=d", "DELETE", "/a/b"},
		{"/1 2", "", "/1 2"},
	}
	for _, tc := range cases {
		method, path := splitEndpoint(tc.in)
		if method != tc.method || path != tc.path {
			t.Errorf("splitEndpoint(%q) = %q, %q; want %q, %q", tc.in, method, path, tc.method, tc.path)
		}
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
