package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/phobologic/routetrace/internal/routes"
)

const flaskUsers = `from flask import Blueprint, render_template, jsonify

bp = Blueprint("users", __name__, url_prefix="/api")


@bp.route("/users", methods=["GET", "POST"])
def list_users():
    return jsonify([])


@bp.get("/users/<int:uid>")
def get_user(uid):
    return render_template("user.html", uid=uid)
`

func TestParseFramework(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"flask", "FastAPI", " laravel "} {
		if _, err := ParseFramework(name); err != nil {
			t.Errorf("ParseFramework(%q): %v", name, err)
		}
	}
	if _, err := ParseFramework("django"); !errors.Is(err, ErrUnsupportedFramework) {
		t.Errorf("ParseFramework(django) = %v, want ErrUnsupportedFramework", err)
	}
}

func TestExtractInvalidInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "file.py", "pass")

	if _, err := Extract(ctx, filepath.Join(dir, "missing"), Flask, Options{}); !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("missing root: got %v, want ErrInvalidRoot", err)
	}
	if _, err := Extract(ctx, filepath.Join(dir, "file.py"), Flask, Options{}); !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("file root: got %v, want ErrInvalidRoot", err)
	}
	if _, err := Extract(ctx, dir, Framework("rails"), Options{}); !errors.Is(err, ErrUnsupportedFramework) {
		t.Errorf("unknown framework: got %v, want ErrUnsupportedFramework", err)
	}
}

func TestExtractFlaskBlueprint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "app/users.py", flaskUsers)
	writeFile(t, dir, "app/templates/user.html", "<html>\n<body></body>\n</html>\n")

	ix, err := Extract(context.Background(), dir, Flask, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	file := filepath.Join(dir, "app", "users.py")
	want := []struct {
		pattern, methods, group, loc string
	}{
		{"/users", "GET POST", "", file + "#6-8"},
		{"/api/users", "GET POST", "/api", file + "#6-8"},
		{"/users/<int:uid>", "GET", "", file + "#11-13"},
		{"/api/users/<int:uid>", "GET", "/api", file + "#11-13"},
	}
	got := ix.Routes()
	if len(got) != len(want) {
		t.Fatalf("got %d routes, want %d: %v", len(got), len(want), patterns(ix))
	}
	for i, w := range want {
		r := got[i]
		if r.Pattern != w.pattern || r.Methods.String() != w.methods || r.Group != w.group || r.LocationString() != w.loc {
			t.Errorf("route %d = {%s %s %q %s}, want %+v", i, r.Pattern, r.Methods, r.Group, r.LocationString(), w)
		}
	}

	// bare and prefixed entries share one location
	if got[0].Location != got[1].Location {
		t.Error("prefixed route should share the bare route's location")
	}

	user := got[2]
	if user.Handler != "get_user" || user.Template != "user.html" {
		t.Errorf("handler/template = %q/%q", user.Handler, user.Template)
	}
	wantTpl := filepath.Join(dir, "app", "templates", "user.html") + "#1-3"
	if user.TemplateAt == nil || user.TemplateAt.String() != wantTpl {
		t.Errorf("TemplateAt = %v, want %s", user.TemplateAt, wantTpl)
	}
}

func TestExtractFlaskRegisterPrefix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "shop/__init__.py", `from flask import Flask
from shop import orders

app = Flask(__name__)
app.register_blueprint(orders.bp, url_prefix="/shop")
`)
	writeFile(t, dir, "shop/orders.py", `from flask import Blueprint

bp = Blueprint("orders", __name__, url_prefix="/ignored")


@bp.route("/orders")
def orders():
    return "[]"
`)
	writeFile(t, dir, "shop/admin.py", `from flask import Blueprint

bp = Blueprint("admin", __name__)


@bp.route("/dashboard")
def dashboard():
    return "ok"
`)

	ix, err := Extract(context.Background(), dir, Flask, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	got := strings.Join(patterns(ix), ",")
	want := "/dashboard,/orders,/shop/orders"
	if got != want {
		t.Errorf("patterns = %s, want %s", got, want)
	}
}

func TestExtractStackedDecorators(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "app.py", `@app.route("/a")
@app.route("/b", methods=["POST"])
def ab():
    pass


@app.route(BASE + "/dynamic")
def dynamic():
    pass


def create_app():
    @app.route("/nested")
    def nested():
        pass
`)

	ix, err := Extract(context.Background(), dir, Flask, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	rs := ix.Routes()
	if got := strings.Join(patterns(ix), ","); got != "/a,/b,/nested" {
		t.Fatalf("patterns = %s", got)
	}
	for _, r := range rs[:2] {
		if r.LocationString() != filepath.Join(dir, "app.py")+"#1-4" {
			t.Errorf("%s location = %s", r.Pattern, r.LocationString())
		}
	}
	if !rs[0].Methods.IsAny() {
		t.Errorf("/a methods = %v, want ANY", rs[0].Methods)
	}
	if rs[2].LocationString() != filepath.Join(dir, "app.py")+"#13-15" {
		t.Errorf("/nested location = %s", rs[2].LocationString())
	}
}

func TestExtractSkipsSyntaxErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for i := range 9 {
		writeFile(t, dir, fmt.Sprintf("views/page%d.py", i), fmt.Sprintf(`@app.route("/page%d")
def page%d():
    return "ok"
`, i, i))
	}
	writeFile(t, dir, "views/broken.py", `@app.route("/broken")
def broken(:
    return "nope"
`)

	ix, err := Extract(context.Background(), dir, Flask, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if ix.Len() != 9 {
		t.Fatalf("got %d routes, want 9: %v", ix.Len(), patterns(ix))
	}
	for _, r := range ix.Routes() {
		if r.Pattern == "/broken" {
			t.Error("route from unparsable file registered")
		}
	}
}

func TestExtractSkipsTestsAndLargeFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "app.py", "@app.route(\"/real\")\ndef real():\n    pass\n")
	writeFile(t, dir, "tests/test_app.py", "@app.route(\"/fixture\")\ndef fixture():\n    pass\n")
	writeFile(t, dir, "big.py", "@app.route(\"/big\")\ndef big():\n    pass\n"+strings.Repeat("# padding\n", 100))

	ix, err := Extract(context.Background(), dir, Flask, Options{MaxFileSize: 500})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := strings.Join(patterns(ix), ","); got != "/real" {
		t.Errorf("patterns = %s, want /real", got)
	}

	ix, err = Extract(context.Background(), dir, Flask, Options{IncludeTests: true})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := strings.Join(patterns(ix), ","); got != "/real,/big,/fixture" {
		t.Errorf("patterns with tests = %s", got)
	}
}

func TestExtractFastAPI(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "main.py", `from fastapi import APIRouter, FastAPI, Request
from fastapi.templating import Jinja2Templates

router = APIRouter(prefix="/items")
app = FastAPI()
templates = Jinja2Templates(directory="templates")


@router.get("/{item_id}")
async def read_item(item_id: int):
    return {"id": item_id}


@app.api_route("/ping", methods=["GET", "HEAD"])
def ping():
    return "pong"


@app.get("/")
def home(request: Request):
    return templates.TemplateResponse(request, "home.html", {})


app.include_router(router, prefix="/v1")
`)
	writeFile(t, dir, "templates/home.html", "<h1>home</h1>\n")

	ix, err := Extract(context.Background(), dir, FastAPI, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := strings.Join(patterns(ix), ","); got != "/{item_id},/v1/items/{item_id},/ping,/" {
		t.Fatalf("patterns = %s", got)
	}
	rs := ix.Routes()
	if rs[2].Methods.String() != "GET HEAD" {
		t.Errorf("/ping methods = %s", rs[2].Methods)
	}
	if rs[3].Template != "home.html" || rs[3].TemplateAt == nil {
		t.Errorf("home template = %q at %v", rs[3].Template, rs[3].TemplateAt)
	}
	if r := ix.Match("/v1/items/7", "GET"); r == nil || r.Handler != "read_item" {
		t.Errorf("Match(/v1/items/7) = %v", r)
	}
}

func TestExtractLaravel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "routes/web.php", `<?php

use App\Http\Controllers\UserController;
use Illuminate\Support\Facades\Route;

Route::get('/', function () {
    return view('welcome');
});

Route::get('/users/{id}', [UserController::class, 'show']);

Route::prefix('admin')->group(function () {
    Route::post('reports', 'Admin\ReportController@store');
});

Route::match(['get', 'post'], '/search', [UserController::class, 'search']);

Route::get('/missing', [GhostController::class, 'index']);
`)
	writeFile(t, dir, "routes/api.php", `<?php

use Illuminate\Support\Facades\Route;

Route::get('status', fn () => response()->json(['ok' => true]));
`)
	writeFile(t, dir, "app/Http/Controllers/UserController.php", `<?php

namespace App\Http\Controllers;

class UserController extends Controller
{
    public function show($id)
    {
        return view('users.show', ['id' => $id]);
    }

    public function search()
    {
        return response()->json([]);
    }
}
`)
	writeFile(t, dir, "app/Http/Controllers/Admin/ReportController.php", `<?php

namespace App\Http\Controllers\Admin;

class ReportController
{
    public function store()
    {
        return redirect('/');
    }
}
`)
	writeFile(t, dir, "resources/views/users/show.blade.php", "<div>{{ $id }}</div>\n<script src=\"/js/users.js\"></script>\n")

	ix, err := Extract(context.Background(), dir, Laravel, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	api := filepath.Join(dir, "routes", "api.php")
	web := filepath.Join(dir, "routes", "web.php")
	users := filepath.Join(dir, "app", "Http", "Controllers", "UserController.php")
	reports := filepath.Join(dir, "app", "Http", "Controllers", "Admin", "ReportController.php")

	want := []struct {
		pattern, methods, handler, loc string
	}{
		{"/status", "GET", "closure", api + "#5-5"},
		{"/api/status", "GET", "closure", api + "#5-5"},
		{"/", "GET", "closure", web + "#6-8"},
		{"/users/{id}", "GET", "UserController@show", users + "#7-11"},
		{"/reports", "POST", `Admin\ReportController@store`, reports + "#7-11"},
		{"/admin/reports", "POST", `Admin\ReportController@store`, reports + "#7-11"},
		{"/search", "GET POST", "UserController@search", users + "#12-16"},
		{"/missing", "GET", "GhostController@index", ""},
	}
	got := ix.Routes()
	if len(got) != len(want) {
		t.Fatalf("got %d routes, want %d: %v", len(got), len(want), patterns(ix))
	}
	for i, w := range want {
		r := got[i]
		if r.Pattern != w.pattern || r.Methods.String() != w.methods || r.Handler != w.handler || r.LocationString() != w.loc {
			t.Errorf("route %d = {%s %s %s %s}, want %+v", i, r.Pattern, r.Methods, r.Handler, r.LocationString(), w)
		}
	}

	if got[2].Template != "welcome" || got[2].TemplateAt != nil {
		t.Errorf("closure template = %q at %v", got[2].Template, got[2].TemplateAt)
	}
	show := got[3]
	wantTpl := filepath.Join(dir, "resources", "views", "users", "show.blade.php") + "#1-2"
	if show.Template != "users.show" || show.TemplateAt == nil || show.TemplateAt.String() != wantTpl {
		t.Errorf("show template = %q at %v", show.Template, show.TemplateAt)
	}
}

func TestExtractLaravelGroupsAndChains(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "routes/web.php", `<?php

use Illuminate\Support\Facades\Route;

Route::middleware('auth')->get('/dashboard', function () {
    return view('dashboard');
});

Route::group(['prefix' => 'admin'], function () {
    Route::get('users', fn () => 'users');
});

Route::middleware('web')->prefix('shop')->group(function () {
    Route::prefix('v2')->post('cart', fn () => 'cart');
});

Route::get('/named', fn () => 'n')->name('named');

$router->get('/not-a-route', fn () => 'x');
`)

	ix, err := Extract(context.Background(), dir, Laravel, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	web := filepath.Join(dir, "routes", "web.php")
	want := []struct {
		pattern, methods, group, loc string
	}{
		{"/dashboard", "GET", "", web + "#5-7"},
		{"/users", "GET", "", web + "#10-10"},
		{"/admin/users", "GET", "/admin", web + "#10-10"},
		{"/cart", "POST", "", web + "#14-14"},
		{"/shop/v2/cart", "POST", "/shop/v2", web + "#14-14"},
		{"/named", "GET", "", web + "#17-17"},
	}
	got := ix.Routes()
	if len(got) != len(want) {
		t.Fatalf("got %d routes, want %d: %v", len(got), len(want), patterns(ix))
	}
	for i, w := range want {
		r := got[i]
		if r.Pattern != w.pattern || r.Methods.String() != w.methods || r.Group != w.group || r.LocationString() != w.loc {
			t.Errorf("route %d = {%s %s %s %s}, want %+v", i, r.Pattern, r.Methods, r.Group, r.LocationString(), w)
		}
	}
}

func TestExtractIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "app/users.py", flaskUsers)
	writeFile(t, dir, "app/orders.py", "@app.route('/orders/<oid>', methods=['DELETE'])\ndef drop(oid):\n    pass\n")
	writeFile(t, dir, "app/templates/user.html", "<p></p>\n")

	first, err := Extract(context.Background(), dir, Flask, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	second, err := Extract(context.Background(), dir, Flask, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got, want := describe(second), describe(first); got != want {
		t.Errorf("second run differs:\n%s\nwant:\n%s", got, want)
	}
}

func TestJoinPrefix(t *testing.T) {
	t.Parallel()

	cases := []struct{ prefix, path, want string }{
		{"/api", "/users", "/api/users"},
		{"/api/", "users/", "/api/users"},
		{"/api", "/", "/api"},
		{"/", "/", "/"},
		{"admin", "reports", "/admin/reports"},
	}
	for _, tc := range cases {
		if got := JoinPrefix(tc.prefix, tc.path); got != tc.want {
			t.Errorf("JoinPrefix(%q, %q) = %q, want %q", tc.prefix, tc.path, got, tc.want)
		}
	}
}

func TestMethodLines(t *testing.T) {
	t.Parallel()

	src := []byte(`<?php
class C {
    protected static function helper() {}
    public function index()
    {
        $f = function () {};
    }
    private function &ref() {}
}
`)
	cases := []struct {
		method     string
		start, end int
		ok         bool
	}{
		{"helper", 3, 3, true},
		{"index", 4, 7, true},
		{"ref", 8, 9, true},
		{"missing", 0, 0, false},
	}
	for _, tc := range cases {
		start, end, ok := methodLines(src, tc.method)
		if start != tc.start || end != tc.end || ok != tc.ok {
			t.Errorf("methodLines(%s) = %d, %d, %v; want %d, %d, %v", tc.method, start, end, ok, tc.start, tc.end, tc.ok)
		}
	}
}

func TestControllerAction(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{`[UserController::class, 'show']`, "UserController@show"},
		{`[\App\Http\UserController::class, "edit"]`, `App\Http\UserController@edit`},
		{`InvokeController::class`, "InvokeController@__invoke"},
		{`'PhotoController@index'`, "PhotoController@index"},
		{`"Dyn{$x}Controller@index"`, ""},
		{`$handler`, ""},
	}
	for _, tc := range cases {
		if got := controllerAction(tc.in); got != tc.want {
			t.Errorf("controllerAction(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func patterns(ix *routes.Index) []string {
	var out []string
	for _, r := range ix.Routes() {
		out = append(out, r.Pattern)
	}
	return out
}

func describe(ix *routes.Index) string {
	var b strings.Builder
	for _, r := range ix.Routes() {
		tpl := ""
		if r.TemplateAt != nil {
			tpl = r.TemplateAt.String()
		}
		fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%s|%s\n", r.Pattern, r.Methods.Key(), r.Handler, r.Group, r.LocationString(), r.Template, tpl)
	}
	return b.String()
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
