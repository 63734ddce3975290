// routetrace maps the HTTP routes of a Flask, FastAPI or Laravel application
// to the code that serves them, and correlates live traffic against that map.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/phobologic/routetrace/internal/codemap"
	"github.com/phobologic/routetrace/internal/config"
	"github.com/phobologic/routetrace/internal/discover"
	"github.com/phobologic/routetrace/internal/extract"
	"github.com/phobologic/routetrace/internal/logging"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	return runContext(context.Background(), args, stdout, stderr)
}

func runContext(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globalFlags are shared by every subcommand. Values given on the command
// line override the config file.
type globalFlags struct {
	configPath   string
	framework    string
	maxFileSize  int64
	includeTests bool
	logLevel     string
	logFormat    string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "routetrace",
		Short: "Map web routes to source and correlate live traffic",
		Long: `routetrace reads the source of a Flask, FastAPI or Laravel application,
builds an index of its routes with the handler, template and front-end API
calls behind each one, and can run an intercepting proxy that reports which
code served every observed request.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("routetrace {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default: ./.routetrace.yaml if present)")
	pf.StringVarP(&g.framework, "framework", "f", "", "application framework: flask, fastapi or laravel")
	pf.Int64Var(&g.maxFileSize, "max-file-size", extract.DefaultMaxFileSize, "skip source files larger than this many bytes")
	pf.BoolVar(&g.includeTests, "include-tests", false, "also extract routes from test files")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: text or json")

	cmd.AddCommand(
		newRoutesCmd(g),
		newMapCmd(g),
		newProxyCmd(g),
		newInitCmd(),
	)
	return cmd
}

// loadConfig resolves the effective configuration for cmd: defaults, then the
// config file, then explicitly set flags. A non-empty root replaces
// source.root.
func loadConfig(cmd *cobra.Command, g *globalFlags, root string) (config.Config, error) {
	cfg := config.Default()

	path := g.configPath
	if path == "" {
		path = config.Find(".")
	}
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("framework") {
		cfg.Source.Framework = g.framework
	}
	if flags.Changed("max-file-size") {
		cfg.Source.MaxFileSize = g.maxFileSize
	}
	if flags.Changed("include-tests") {
		cfg.Source.IncludeTests = g.includeTests
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	if root != "" {
		cfg.Source.Root = root
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// source is a validated application root plus everything needed to index it.
type source struct {
	cfg  config.Config
	root string
	fw   extract.Framework
	log  *slog.Logger
}

func resolveSource(cmd *cobra.Command, g *globalFlags, root string) (*source, error) {
	cfg, err := loadConfig(cmd, g, root)
	if err != nil {
		return nil, err
	}
	fw, err := extract.ParseFramework(cfg.Source.Framework)
	if err != nil {
		return nil, err
	}
	abs, err := extract.ValidateRoot(cfg.Source.Root)
	if err != nil {
		return nil, err
	}
	return &source{
		cfg:  cfg,
		root: abs,
		fw:   fw,
		log:  logging.New(cfg.Logging(cmd.ErrOrStderr())),
	}, nil
}

func (s *source) options(skipAssets bool) codemap.Options {
	return codemap.Options{
		Logger:       s.log,
		MaxFileSize:  s.cfg.Source.MaxFileSize,
		IncludeTests: s.cfg.Source.IncludeTests,
		SkipAssets:   skipAssets,
	}
}

// files lists the source files an extraction of s would consider.
func (s *source) files() ([]discover.FileEntry, error) {
	v, err := extract.VariantFor(s.fw)
	if err != nil {
		return nil, err
	}
	return discover.Files(s.root, []string{v.Language()})
}

// cacheIsFresh reports whether the cache file is newer than every source
// file. Template and script changes are not tracked.
func cacheIsFresh(cachePath, root string, files []discover.FileEntry) bool {
	cacheInfo, err := os.Stat(cachePath)
	if err != nil {
		return false
	}
	cacheMtime := cacheInfo.ModTime()

	for _, f := range files {
		fi, err := os.Stat(filepath.Join(root, f.Path))
		if err != nil {
			return false
		}
		if !fi.ModTime().Before(cacheMtime) {
			return false
		}
	}
	return true
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

var errCacheWithJSON = errors.New("--cache only applies to TOON output")
