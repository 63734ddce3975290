package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/phobologic/routetrace/internal/config"
)

const (
	sentinelStart = "# routetrace:start"
	sentinelEnd   = "# routetrace:end"
)

func newInitCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter config file",
		Long: `Write a routetrace config file with every setting at its default, headed by
a usage comment. The comment is wrapped in sentinel lines so later runs
refresh it in place without touching the settings below it. An existing
file keeps its settings.

path defaults to ./` + config.FileNames[0] + `.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FileNames[0]
			if len(args) > 0 {
				path = args[0]
			}
			return runInit(cmd, path, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would be written without modifying the file")
	return cmd
}

// runInit creates or refreshes the config file at path.
func runInit(cmd *cobra.Command, path string, dryRun bool) error {
	section := generateSection()

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var updated string
	if strings.TrimSpace(string(existing)) == "" {
		body, err := config.Default().Marshal()
		if err != nil {
			return err
		}
		updated = section + "\n\n" + string(body)
	} else {
		updated = applySection(string(existing), section)
	}

	if dryRun {
		_, _ = fmt.Fprint(cmd.OutOrStdout(), updated)
		return nil
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "wrote routetrace config to %s\n", path)
	return nil
}

// generateSection returns the sentinel-wrapped usage comment.
func generateSection() string {
	body := `# routetrace configuration. Command-line flags override these values.
#
#   routetrace routes               route map with handler, template and API calls
#   routetrace routes --json        the same as JSON
#   routetrace map /users/7         the code behind one endpoint
#   routetrace proxy                correlate live traffic, one JSON event per line
#   routetrace --help               every command and flag
#
# Point the browser or HTTP client at proxy.listen_host:proxy.listen_port.
# To see inside HTTPS, set proxy.ca_dir and trust the routetrace-ca.pem
# written there. Set stream.addr to follow events over SSE at /events.`

	return sentinelStart + "\n" + body + "\n" + sentinelEnd
}

// applySection inserts section into content, replacing an existing sentinel
// block if present or appending if not. It is a pure function for easy testing.
func applySection(content, section string) string {
	start := strings.Index(content, sentinelStart)
	end := strings.Index(content, sentinelEnd)

	if start >= 0 && end > start {
		return content[:start] + section + content[end+len(sentinelEnd):]
	}

	// Append, ensuring a blank line separator.
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "\n" + section + "\n"
}
