package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"

	"github.com/nugget/conduit/internal/api"
	"github.com/nugget/conduit/internal/capability"
	"github.com/nugget/conduit/internal/config"
)

// runTools handles "conduit tools". It connects to every configured
// server, builds the directory, and prints it.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	st := buildStack(ctx, cfg, logger)
	defer st.close(logger)

	view := api.ViewOf(st.dir.Snapshot())
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	return printDirectory(stdout, view)
}

// printDirectory writes the directory as aligned columns, one section
// per kind.
func printDirectory(w io.Writer, v api.DirectoryView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	section := func(title string, recs []capability.Record) {
		fmt.Fprintf(tw, "%s (%d)\n", title, len(recs))
		for _, r := range recs {
			name := r.Name
			if r.Stale {
				name += " (stale)"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", name, r.ServerID, r.Description)
		}
	}
	section("TOOLS", v.Tools)
	section("RESOURCES", v.Resources)
	section("PROMPTS", v.Prompts)

	if len(v.Collisions) > 0 {
		fmt.Fprintf(tw, "COLLISIONS (%d)\n", len(v.Collisions))
		for _, c := range v.Collisions {
			fmt.Fprintf(tw, "  %s %s\t%s\tshadows %s\n", c.Kind, c.Name, c.Owner, c.Shadowed)
		}
	}
	if len(v.Failures) > 0 {
		ids := make([]string, 0, len(v.Failures))
		for id := range v.Failures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(tw, "UNAVAILABLE (%d)\n", len(ids))
		for _, id := range ids {
			fmt.Fprintf(tw, "  %s\t%s\n", id, v.Failures[id])
		}
	}
	return tw.Flush()
}
