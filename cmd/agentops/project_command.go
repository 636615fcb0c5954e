package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/agentops/internal/auth"
	"github.com/ongoingai/agentops/internal/trace"
)

type projectOutput struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	APIKey       string    `json:"api_key,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

func runProject(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printProjectUsage(errOut)
		return 2
	}

	switch args[0] {
	case "create":
		return runProjectCreate(args[1:], out, errOut)
	case "list":
		return runProjectList(args[1:], out, errOut)
	default:
		printProjectUsage(errOut)
		return 2
	}
}

func runProjectCreate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("project create", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	name := flagSet.String("name", "", "Project name")
	description := flagSet.String("description", "", "Project description")
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "project create does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("project create", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if strings.TrimSpace(*name) == "" {
		fmt.Fprintln(errOut, "--name is required")
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

	key, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(errOut, "failed to generate api key: %v\n", err)
		return 1
	}
	project := &trace.Project{
		Name:         strings.TrimSpace(*name),
		Description:  strings.TrimSpace(*description),
		APIKeyHash:   key.Hash,
		APIKeyPrefix: key.Prefix,
		IsActive:     true,
	}
	if err := store.CreateProject(context.Background(), project); err != nil {
		fmt.Fprintf(errOut, "failed to create project: %v\n", err)
		return 1
	}

	output := toProjectOutput(project)
	output.APIKey = key.Plaintext
	if normalizedFormat == "json" {
		return writeJSONOutput(out, errOut, output)
	}

	fmt.Fprintf(out, "created project %s (%s)\n", output.Name, output.ID)
	fmt.Fprintf(out, "api key: %s\n", output.APIKey)
	fmt.Fprintln(out, "store this key now; it cannot be shown again")
	return 0
}

func runProjectList(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("project list", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "project list does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("project list", *format, "text")
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

	projects, err := store.ListProjects(context.Background())
	if err != nil {
		fmt.Fprintf(errOut, "failed to list projects: %v\n", err)
		return 1
	}
	items := make([]projectOutput, 0, len(projects))
	for _, project := range projects {
		items = append(items, toProjectOutput(project))
	}
	if normalizedFormat == "json" {
		return writeJSONOutput(out, errOut, items)
	}

	if len(items) == 0 {
		fmt.Fprintln(out, "(no projects)")
		return 0
	}
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tNAME\tKEY_PREFIX\tACTIVE\tCREATED_AT")
	for _, item := range items {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%t\t%s\n", item.ID, item.Name, item.APIKeyPrefix, item.IsActive, item.CreatedAt.Format(time.RFC3339))
	}
	if err := writer.Flush(); err != nil {
		fmt.Fprintf(errOut, "failed to write projects: %v\n", err)
		return 1
	}
	return 0
}

func toProjectOutput(project *trace.Project) projectOutput {
	return projectOutput{
		ID:           project.ID.String(),
		Name:         project.Name,
		Description:  project.Description,
		APIKeyPrefix: project.APIKeyPrefix,
		IsActive:     project.IsActive,
		CreatedAt:    project.CreatedAt.UTC(),
	}
}

func writeJSONOutput(out io.Writer, errOut io.Writer, value any) int {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		fmt.Fprintf(errOut, "failed to write json: %v\n", err)
		return 1
	}
	return 0
}

func printProjectUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  agentops project create --name NAME [--description TEXT] [--config path/to/agentops.yaml] [--format text|json]")
	fmt.Fprintln(out, "  agentops project list [--config path/to/agentops.yaml] [--format text|json]")
}
