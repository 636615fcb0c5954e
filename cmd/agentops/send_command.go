package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/ongoingai/agentops/internal/config"
	"github.com/ongoingai/agentops/pkg/ingest"
	"github.com/ongoingai/agentops/pkg/tracing"
)

const sendAPIKeyEnv = "AGENTOPS_API_KEY"

type sendOutput struct {
	TraceID    string `json:"trace_id"`
	StatusCode int    `json:"status_code"`
	Queued     bool   `json:"queued"`
	Spans      int    `json:"spans"`
	LLMCalls   int    `json:"llm_calls"`
	ToolCalls  int    `json:"tool_calls"`
}

// runSend replays a recorded ingest payload against a running server.
func runSend(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("send", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file, used to derive --url")
	file := flagSet.String("file", "", "Path to a recorded ingest payload (JSON)")
	baseURL := flagSet.String("url", "", "Server base URL (default from server.host and server.port)")
	apiKey := flagSet.String("api-key", "", "Project API key (default api_key in the payload, then "+sendAPIKeyEnv+")")
	timeout := flagSet.Duration("timeout", tracing.DefaultTimeout, "Request timeout")
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "send does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("send", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(errOut, "--file is required")
		return 2
	}
	if *timeout <= 0 {
		fmt.Fprintln(errOut, "--timeout must be > 0")
		return 2
	}

	payload, err := readPayloadFile(*file)
	if err != nil {
		fmt.Fprintf(errOut, "failed to read payload: %v\n", err)
		return 1
	}

	key := firstNonEmpty(*apiKey, payload.APIKey, os.Getenv(sendAPIKeyEnv))
	if key == "" {
		fmt.Fprintf(errOut, "an api key is required: pass --api-key, set api_key in the payload, or set %s\n", sendAPIKeyEnv)
		return 2
	}

	target := strings.TrimSpace(*baseURL)
	if target == "" {
		cfg, ok := loadConfigForCommand(*configPath, errOut)
		if !ok {
			return 1
		}
		target = serverBaseURL(cfg.Server)
	}

	client, err := tracing.NewClient(target, key, nil)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build ingest client: %v\n", err)
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := client.Send(ctx, payload)
	if err != nil {
		var statusErr *tracing.StatusError
		if errors.As(err, &statusErr) {
			fmt.Fprintf(errOut, "ingest rejected (%d): %s\n", statusErr.StatusCode, statusErr.Message)
			return 1
		}
		fmt.Fprintf(errOut, "failed to send trace: %v\n", err)
		return 1
	}

	output := sendOutput{
		TraceID:    firstNonEmpty(result.TraceID, payload.Trace.TraceID),
		StatusCode: result.StatusCode,
		Queued:     result.Queued,
		Spans:      len(payload.Spans),
		LLMCalls:   len(payload.LLMCalls),
		ToolCalls:  len(payload.ToolCalls),
	}
	if normalizedFormat == "json" {
		return writeJSONOutput(out, errOut, output)
	}

	verb := "stored"
	if output.Queued {
		verb = "queued"
	}
	fmt.Fprintf(out, "%s trace %s (%d spans, %d llm calls, %d tool calls)\n", verb, output.TraceID, output.Spans, output.LLMCalls, output.ToolCalls)
	return 0
}

func readPayloadFile(path string) (*ingest.Payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payload ingest.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if strings.TrimSpace(payload.Trace.TraceID) == "" {
		return nil, fmt.Errorf("%s: trace.trace_id is required", path)
	}
	return &payload, nil
}

// serverBaseURL maps a listen address to a reachable local URL.
func serverBaseURL(server config.ServerConfig) string {
	host := strings.TrimSpace(server.Host)
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(server.Port))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
