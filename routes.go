package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/phobologic/routetrace/internal/codemap"
	"github.com/phobologic/routetrace/internal/graph"
	"github.com/phobologic/routetrace/internal/model"
	"github.com/phobologic/routetrace/internal/routes"
	"github.com/phobologic/routetrace/internal/toon"
)

type routesFlags struct {
	json      bool
	cachePath string
	byRank    bool
}

func newRoutesCmd(g *globalFlags) *cobra.Command {
	f := &routesFlags{}
	cmd := &cobra.Command{
		Use:   "routes [root]",
		Short: "Print the route map of an application",
		Long: `Extract every route of the application at root (default: source.root from
the config, or the current directory) and print it with handler, template
and API-call locations. Output is TOON unless --json is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoutes(cmd, g, f, optionalArg(args))
		},
	}
	cmd.Flags().BoolVar(&f.json, "json", false, "print JSON instead of TOON")
	cmd.Flags().StringVar(&f.cachePath, "cache", "", "cache file; reused while no source file is newer")
	cmd.Flags().BoolVar(&f.byRank, "rank", false, "order routes by call-graph rank instead of declaration order")
	return cmd
}

func runRoutes(cmd *cobra.Command, g *globalFlags, f *routesFlags, root string) error {
	if f.json && f.cachePath != "" {
		return errCacheWithJSON
	}

	src, err := resolveSource(cmd, g, root)
	if err != nil {
		return err
	}
	stdout := cmd.OutOrStdout()

	if f.cachePath != "" {
		files, err := src.files()
		if err != nil {
			return fmt.Errorf("discovering files: %w", err)
		}
		if cacheIsFresh(f.cachePath, src.root, files) {
			if data, err := os.ReadFile(f.cachePath); err == nil {
				_, _ = stdout.Write(data)
				return nil
			}
		}
	}

	ix, err := codemap.ExtractRoutes(cmd.Context(), src.root, src.fw, src.options(false))
	if err != nil {
		return err
	}
	if ix.Len() == 0 {
		src.log.Warn("no routes found", "root", src.root, "framework", string(src.fw))
	}

	edges := graph.BuildCallGraph(ix)
	ranks := graph.Rank(ix, edges)
	ordered := ix.Routes()
	if f.byRank {
		ordered = graph.ByRank(ordered, ranks)
	}

	if f.json {
		return writeJSON(stdout, newRouteDoc(ix, ordered, edges, ranks))
	}

	m := toon.NewMap(ix, edges, ranks)
	m.Routes = ordered
	output := toon.Encode(m) + "\n"

	if f.cachePath != "" {
		if err := os.WriteFile(f.cachePath, []byte(output), 0o644); err != nil {
			src.log.Warn("cache not written", "path", f.cachePath, "err", err)
		}
	}

	_, _ = fmt.Fprint(stdout, output)
	return nil
}

// routeDoc is the JSON form of a route map.
type routeDoc struct {
	Root      string           `json:"root"`
	Framework string           `json:"framework"`
	Routes    []routeEntry     `json:"routes"`
	Calls     []model.CallEdge `json:"calls"`
}

type routeEntry struct {
	model.RouteRef
	Group    string            `json:"group,omitempty"`
	Template string            `json:"template_location,omitempty"`
	Rank     float64           `json:"rank"`
	APICalls []codemap.APICall `json:"api_call_references"`
	CalledBy []string          `json:"called_by,omitempty"`
}

func newRouteDoc(ix *routes.Index, rs []*model.Route, edges []model.CallEdge, ranks map[string]float64) routeDoc {
	callers := graph.Callers(edges)
	doc := routeDoc{
		Root:      ix.Root,
		Framework: ix.Framework,
		Routes:    make([]routeEntry, 0, len(rs)),
		Calls:     edges,
	}
	if doc.Calls == nil {
		doc.Calls = []model.CallEdge{}
	}
	for _, r := range rs {
		e := routeEntry{
			RouteRef: *model.Ref(r),
			Group:    r.Group,
			Rank:     ranks[r.Pattern],
			APICalls: []codemap.APICall{},
			CalledBy: callers[r.Pattern],
		}
		if r.TemplateAt != nil {
			e.Template = r.TemplateAt.String()
		}
		for _, ref := range r.APICalls() {
			e.APICalls = append(e.APICalls, codemap.APICall{
				URL:      ref.URL,
				Pattern:  ref.Route.Pattern,
				Location: ref.Route.LocationString(),
			})
		}
		doc.Routes = append(doc.Routes, e)
	}
	return doc
}
