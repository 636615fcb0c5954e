package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/agentops/internal/analytics"
	"github.com/ongoingai/agentops/internal/export"
)

func runExport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("export", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", string(export.FormatCSV), "Export format: csv or json")
	outPath := flagSet.String("out", "", "Write the export to this file instead of stdout")
	filters := registerQueryFlags(flagSet)

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "export does not accept positional arguments")
		return 2
	}

	exportFormat, err := export.ParseFormat(*format)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	now := time.Now().UTC()
	resolved, err := filters.resolve(now)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	cfg, ok := loadConfigForCommand(*configPath, errOut)
	if !ok {
		return 1
	}
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize trace store: %v\n", err)
		return 1
	}
	defer closeStoreWithWarning(store, errOut)

	report, err := analytics.NewEngine(store).Report(context.Background(), resolved.query, export.TopTraces)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build export: %v\n", err)
		return 1
	}
	doc := export.NewDocument(report, export.Filters{
		TimeRange:  resolved.tag,
		StartDate:  resolved.start,
		EndDate:    resolved.end,
		ProjectIDs: resolved.projectIDs,
	}, now)

	var body bytes.Buffer
	if err := export.Write(&body, exportFormat, doc); err != nil {
		fmt.Fprintf(errOut, "failed to render export: %v\n", err)
		return 1
	}

	target := strings.TrimSpace(*outPath)
	if target == "" {
		if _, err := out.Write(body.Bytes()); err != nil {
			fmt.Fprintf(errOut, "failed to write export: %v\n", err)
			return 1
		}
		return 0
	}
	if err := os.WriteFile(target, body.Bytes(), 0o644); err != nil {
		fmt.Fprintf(errOut, "failed to write export: %v\n", err)
		return 1
	}
	fmt.Fprintf(errOut, "wrote %s export to %s\n", exportFormat, target)
	return 0
}
