package main

import (
	"github.com/spf13/cobra"

	"github.com/phobologic/routetrace/internal/codemap"
)

func newMapCmd(g *globalFlags) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "map ENDPOINT...",
		Short: "Show the code behind one or more endpoints",
		Long: `Look up each endpoint in the route map and print, as JSON, the route that
serves it, its handler and template locations, and the API calls its page
makes. An endpoint is a path ("/users/7"), an absolute URL, or a method and
path ("POST /api/users"). Unmatched endpoints print with a null route.`,
		Example: `  routetrace map /dashboard
  routetrace map --root ./app "DELETE /api/items/3" https://shop.test/cart`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := resolveSource(cmd, g, root)
			if err != nil {
				return err
			}
			// MapEndpoint scans the matched routes' assets itself.
			ix, err := codemap.ExtractRoutes(cmd.Context(), src.root, src.fw, src.options(true))
			if err != nil {
				return err
			}

			out := make([]codemap.Mapping, 0, len(args))
			for _, endpoint := range args {
				m, ok := codemap.MapEndpoint(ix, endpoint)
				if !ok {
					src.log.Info("no route matches", "endpoint", endpoint)
				}
				out = append(out, m)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&root, "root", "C", "", "application root (default: source.root from the config)")
	return cmd
}
