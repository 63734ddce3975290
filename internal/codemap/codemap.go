// Package codemap is the entry point for static mapping: it builds an
// enriched RouteIndex for an application and answers single-endpoint
// lookups against it.
package codemap

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/phobologic/routetrace/internal/assets"
	"github.com/phobologic/routetrace/internal/extract"
	"github.com/phobologic/routetrace/internal/logging"
	"github.com/phobologic/routetrace/internal/model"
	"github.com/phobologic/routetrace/internal/routes"
)

// Options tunes ExtractRoutes.
type Options struct {
	Logger       *slog.Logger
	MaxFileSize  int64
	IncludeTests bool
	// SkipAssets leaves API-call references empty. MapEndpoint still scans
	// the matched route on demand.
	SkipAssets bool
}

// ExtractRoutes extracts the routes of the application at root and resolves
// every template's API calls into the index.
func ExtractRoutes(ctx context.Context, root string, fw extract.Framework, opts Options) (*routes.Index, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	ix, err := extract.Extract(ctx, root, fw, extract.Options{
		Logger:       log,
		MaxFileSize:  opts.MaxFileSize,
		IncludeTests: opts.IncludeTests,
	})
	if err != nil {
		return nil, err
	}
	if !opts.SkipAssets {
		n := assets.NewScanner(ix, assets.Options{Logger: log}).ScanAll()
		log.Info("api calls resolved", "references", n)
	}
	return ix, nil
}

// APICall is one resolved outbound call of a mapped endpoint.
type APICall struct {
	URL      string `json:"url"`
	Pattern  string `json:"pattern"`
	Location string `json:"source_location"`
}

// Mapping is the code behind one endpoint.
type Mapping struct {
	Endpoint string          `json:"endpoint"`
	Route    *model.RouteRef `json:"route"`
	Location string          `json:"source_location,omitempty"`
	Template string          `json:"template_location,omitempty"`
	APICalls []APICall       `json:"api_call_references"`
}

// MapEndpoint looks up the route serving endpoint, which is a path, an
// absolute URL or "METHOD path". The matched route's template assets are
// scanned if that has not happened yet. The boolean is false when no route
// matches.
func MapEndpoint(ix *routes.Index, endpoint string) (Mapping, bool) {
	m := Mapping{Endpoint: endpoint, APICalls: []APICall{}}

	method, path := splitEndpoint(endpoint)
	r := ix.Match(path, method)
	if r == nil {
		return m, false
	}

	m.Route = model.Ref(r)
	m.Location = r.LocationString()
	if r.TemplateAt != nil {
		m.Template = r.TemplateAt.String()
	}

	refs := r.APICalls()
	if len(refs) == 0 && r.TemplateAt != nil {
		refs = assets.NewScanner(ix, assets.Options{}).Scan(r)
	}
	for _, ref := range refs {
		m.APICalls = append(m.APICalls, APICall{
			URL:      ref.URL,
			Pattern:  ref.Route.Pattern,
			Location: ref.Route.LocationString(),
		})
	}
	return m, true
}

func splitEndpoint(endpoint string) (method, path string) {
	endpoint = strings.TrimSpace(endpoint)
	if verb, rest, ok := strings.Cut(endpoint, " "); ok && !strings.HasPrefix(verb, "/") && verb == strings.ToUpper(verb) {
		method, endpoint = verb, strings.TrimSpace(rest)
	}
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.EscapedPath()
		if endpoint == "" {
			endpoint = "/"
		}
	}
	return method, endpoint
}
