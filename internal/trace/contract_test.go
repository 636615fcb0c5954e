package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// stubPricer charges one dollar per ten thousand tokens for every model
// except gemini, which is free.
type stubPricer struct{}

func (stubPricer) Cost(model string, inputTokens, outputTokens int64) float64 {
	if strings.HasPrefix(model, "gemini") {
		return 0
	}
	return float64(inputTokens+outputTokens) / 10000
}

func (stubPricer) InferProvider(model string) string {
	if strings.HasPrefix(model, "gemini") {
		return "google"
	}
	return "openai"
}

type testCall struct {
	Model  string
	Input  int64
	Output int64
}

func uniqueTraceID(label string) string {
	return "trace-" + label + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func createTestProject(t *testing.T, store ProjectStore) *Project {
	t.Helper()

	suffix := uuid.NewString()
	project := &Project{
		Name:         "project-" + suffix[:8],
		APIKeyHash:   "hash-" + suffix,
		APIKeyPrefix: "agentops_" + suffix[:3],
		IsActive:     true,
	}
	if err := store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("CreateProject() error: %v", err)
	}
	return project
}

// completedTracePayload builds a finished trace with one ended llm_call span
// per call.
func completedTracePayload(traceID string, start time.Time, duration time.Duration, calls ...testCall) *IngestPayload {
	end := start.Add(duration)
	payload := &IngestPayload{
		Trace: TracePayload{
			TraceID:   traceID,
			Name:      "run " + traceID,
			StartTime: start,
			EndTime:   &end,
		},
		LLMCalls: map[string]LLMCallPayload{},
	}
	for i, call := range calls {
		spanID := fmt.Sprintf("%s-llm-%d", traceID, i)
		spanStart := start.Add(time.Duration(i) * time.Millisecond)
		spanEnd := spanStart.Add(time.Millisecond)
		payload.Spans = append(payload.Spans, SpanPayload{
			SpanID:    spanID,
			Name:      "chat",
			Type:      SpanTypeLLMCall,
			StartTime: spanStart,
			EndTime:   &spanEnd,
		})
		payload.LLMCalls[spanID] = LLMCallPayload{
			ModelName:    call.Model,
			InputTokens:  call.Input,
			OutputTokens: call.Output,
		}
	}
	return payload
}

func ingestForTest(t *testing.T, store TraceStore, projectID uuid.UUID, payload *IngestPayload, now time.Time) {
	t.Helper()

	batch, err := BuildIngest(projectID, payload, stubPricer{}, now)
	if err != nil {
		t.Fatalf("BuildIngest(%s) error: %v", payload.Trace.TraceID, err)
	}
	if err := store.WriteIngest(context.Background(), batch); err != nil {
		t.Fatalf("WriteIngest(%s) error: %v", payload.Trace.TraceID, err)
	}
}

func assertCost(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s=%v, want %v", name, got, want)
	}
}

// runStoreContract exercises behaviour every Store backend must share. Each
// case creates its own project so backends may share one database.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	cases := []struct {
		name string
		run  func(t *testing.T, store Store)
	}{
		{name: "ingest and read trace", run: testStoreIngestAndReadTrace},
		{name: "get missing trace", run: testStoreGetMissingTrace},
		{name: "ended spans are kept", run: testStoreKeepsEndedSpans},
		{name: "trace end from later payload", run: testStoreClosesTraceFromPayloadEnd},
		{name: "cross project trace rejected", run: testStoreRejectsCrossProjectTrace},
		{name: "span id owned by another trace rejected", run: testStoreRejectsForeignSpanID},
		{name: "concurrent ingest same trace", run: testStoreConcurrentIngestSameTrace},
		{name: "query traces pagination", run: testStoreQueryTracesPagination},
		{name: "projects", run: testStoreProjects},
		{name: "summary round trip", run: testStoreSummaryRoundTrip},
		{name: "empty summary", run: testStoreEmptySummary},
		{name: "summary project filter", run: testStoreSummaryProjectFilter},
		{name: "trends skip empty buckets", run: testStoreTrendsSkipEmptyBuckets},
		{name: "model breakdown", run: testStoreModelBreakdown},
		{name: "top traces", run: testStoreTopTraces},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newStore(t))
		})
	}
}

func testStoreIngestAndReadTrace(t *testing.T, store Store) {
	ctx := context.Background()
	project := createTestProject(t, store)
	traceID := uniqueTraceID("read")
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	rootID := traceID + "-root"
	llmID := traceID + "-llm"
	toolID := traceID + "-tool"
	llmEnd := start.Add(1500 * time.Millisecond)
	ingestForTest(t, store, project.ID, &IngestPayload{
		Trace: TracePayload{
			TraceID:   traceID,
			Name:      "Research agent",
			StartTime: start,
			Meta:      json.RawMessage(`{"agent": "researcher"}`),
			Tags:      []string{"prod", " prod ", "eval"},
		},
		Spans: []SpanPayload{
			{SpanID: rootID, Name: "plan", Type: SpanTypeAgentStep, StartTime: start},
			{SpanID: llmID, ParentSpanID: rootID, Name: "chat", Type: SpanTypeLLMCall, StartTime: start.Add(100 * time.Millisecond), EndTime: &llmEnd},
			{SpanID: toolID, ParentSpanID: rootID, Name: "search", Type: SpanTypeToolCall, StartTime: start.Add(2 * time.Second)},
		},
		LLMCalls: map[string]LLMCallPayload{
			llmID: {ModelName: "gpt-4", InputTokens: 60, OutputTokens: 40, Prompt: "hi", Response: "hello"},
		},
	}, start.Add(3*time.Second))

	detail, err := store.GetTrace(ctx, traceID)
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if detail.Status != StatusRunning || detail.EndTime != nil {
		t.Fatalf("trace status=%s end=%v, want running with no end", detail.Status, detail.EndTime)
	}
	if detail.ProjectID != project.ID || detail.ProjectName != project.Name {
		t.Fatalf("trace project=%s/%q, want %s/%q", detail.ProjectID, detail.ProjectName, project.ID, project.Name)
	}
	if detail.TotalTokens != 100 {
		t.Fatalf("total tokens=%d, want 100", detail.TotalTokens)
	}
	assertCost(t, "total cost", detail.TotalCost, 0.01)
	if got := strings.Join(detail.Tags, ","); got != "prod,eval" {
		t.Fatalf("tags=%q, want %q", got, "prod,eval")
	}
	if string(detail.Meta) != `{"agent":"researcher"}` {
		t.Fatalf("meta=%s", detail.Meta)
	}
	if len(detail.Spans) != 3 {
		t.Fatalf("spans=%d, want 3", len(detail.Spans))
	}
	if detail.Spans[0].SpanID != rootID || detail.Spans[1].SpanID != llmID || detail.Spans[2].SpanID != toolID {
		t.Fatalf("span order=%s,%s,%s", detail.Spans[0].SpanID, detail.Spans[1].SpanID, detail.Spans[2].SpanID)
	}
	llm := detail.Spans[1]
	if llm.Status != StatusSuccess || llm.DurationMS == nil || *llm.DurationMS != 1400 {
		t.Fatalf("llm span status=%s duration=%v", llm.Status, llm.DurationMS)
	}
	if llm.ParentSpanID != rootID {
		t.Fatalf("llm parent=%q, want %q", llm.ParentSpanID, rootID)
	}
	if llm.LLMCall == nil || llm.LLMCall.Provider != "openai" || llm.LLMCall.TotalTokens != 100 || llm.LLMCall.Response != "hello" {
		t.Fatalf("llm call=%+v", llm.LLMCall)
	}
	if detail.Spans[0].Status != StatusRunning || detail.Spans[2].ToolCall != nil {
		t.Fatalf("root status=%s tool call=%+v", detail.Spans[0].Status, detail.Spans[2].ToolCall)
	}

	// Ending the remaining spans closes the trace at receipt time.
	closedAt := start.Add(10 * time.Second)
	rootEnd := start.Add(9 * time.Second)
	toolEnd := start.Add(4 * time.Second)
	ingestForTest(t, store, project.ID, &IngestPayload{
		Trace: TracePayload{TraceID: traceID, Name: "Research agent", StartTime: start},
		Spans: []SpanPayload{
			{SpanID: rootID, Name: "plan", Type: SpanTypeAgentStep, StartTime: start, EndTime: &rootEnd},
			{SpanID: toolID, ParentSpanID: rootID, Name: "search", Type: SpanTypeToolCall, StartTime: start.Add(2 * time.Second), EndTime: &toolEnd, Outputs: json.RawMessage(`["result"]`)},
		},
		ToolCalls: map[string]ToolCallPayload{
			toolID: {ToolName: "web_search", ToolInputs: json.RawMessage(`{"q":"go"}`), ToolOutputs: json.RawMessage(`["result"]`)},
		},
	}, closedAt)

	detail, err = store.GetTrace(ctx, traceID)
	if err != nil {
		t.Fatalf("GetTrace() after close error: %v", err)
	}
	if detail.Status != StatusSuccess || detail.EndTime == nil || !detail.EndTime.Equal(closedAt) {
		t.Fatalf("closed trace status=%s end=%v, want success at %s", detail.Status, detail.EndTime, closedAt)
	}
	if detail.DurationMS == nil || *detail.DurationMS != 10000 {
		t.Fatalf("closed trace duration=%v, want 10000", detail.DurationMS)
	}
	tool := detail.Spans[2]
	if tool.ToolCall == nil || tool.ToolCall.ToolName != "web_search" || string(tool.ToolCall.ToolOutputs) != `["result"]` {
		t.Fatalf("tool call=%+v", tool.ToolCall)
	}
	if string(tool.Outputs) != `["result"]` {
		t.Fatalf("tool outputs=%s", tool.Outputs)
	}
}

func testStoreGetMissingTrace(t *testing.T, store Store) {
	_, err := store.GetTrace(context.Background(), uniqueTraceID("missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTrace() error=%v, want %v", err, ErrNotFound)
	}
}

func testStoreKeepsEndedSpans(t *testing.T, store Store) {
	project := createTestProject(t, store)
	traceID := uniqueTraceID("ended")
	start := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

	payload := completedTracePayload(traceID, start, time.Second, testCall{Model: "gpt-4", Input: 10, Output: 10})
	payload.Trace.EndTime = nil
	ingestForTest(t, store, project.ID, payload, start.Add(2*time.Second))

	replay := completedTracePayload(traceID, start, time.Second, testCall{Model: "gpt-4", Input: 500, Output: 500})
	replay.Trace.EndTime = nil
	replay.Spans[0].Error = "late failure"
	ingestForTest(t, store, project.ID, replay, start.Add(5*time.Second))

	detail, err := store.GetTrace(context.Background(), traceID)
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	span := detail.Spans[0]
	if span.Status != StatusSuccess || span.Error != "" {
		t.Fatalf("span status=%s error=%q, want untouched success", span.Status, span.Error)
	}
	if detail.TotalTokens != 20 || span.LLMCall.TotalTokens != 20 {
		t.Fatalf("tokens trace=%d call=%d, want 20", detail.TotalTokens, span.LLMCall.TotalTokens)
	}
	if detail.EndTime == nil || !detail.EndTime.Equal(start.Add(2*time.Second)) {
		t.Fatalf("trace end=%v, want first close time", detail.EndTime)
	}
}

func testStoreClosesTraceFromPayloadEnd(t *testing.T, store Store) {
	project := createTestProject(t, store)
	traceID := uniqueTraceID("payload-end")
	start := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

	ingestForTest(t, store, project.ID, &IngestPayload{
		Trace: TracePayload{TraceID: traceID, StartTime: start},
		Spans: []SpanPayload{{SpanID: traceID + "-step", Type: SpanTypeAgentStep, StartTime: start}},
	}, start.Add(time.Second))

	end := start.Add(4 * time.Second)
	ingestForTest(t, store, project.ID, &IngestPayload{
		Trace: TracePayload{TraceID: traceID, StartTime: start, EndTime: &end},
	}, start.Add(5*time.Second))

	detail, err := store.GetTrace(context.Background(), traceID)
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if detail.Name != "Agent execution" {
		t.Fatalf("trace name=%q, want default", detail.Name)
	}
	if detail.Status != StatusSuccess || detail.EndTime == nil || !detail.EndTime.Equal(end) {
		t.Fatalf("trace status=%s end=%v, want success at %s", detail.Status, detail.EndTime, end)
	}
	if detail.DurationMS == nil || *detail.DurationMS != 4000 {
		t.Fatalf("duration=%v, want 4000", detail.DurationMS)
	}
}

func testStoreRejectsCrossProjectTrace(t *testing.T, store Store) {
	owner := createTestProject(t, store)
	other := createTestProject(t, store)
	traceID := uniqueTraceID("owned")
	start := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)

	ingestForTest(t, store, owner.ID, completedTracePayload(traceID, start, time.Second, testCall{Model: "gpt-4", Input: 1, Output: 1}), start)

	batch, err := BuildIngest(other.ID, completedTracePayload(traceID, start, time.Second, testCall{Model: "gpt-4", Input: 9, Output: 9}), stubPricer{}, start)
	if err != nil {
		t.Fatalf("BuildIngest() error: %v", err)
	}
	err = store.WriteIngest(context.Background(), batch)
	if !errors.Is(err, ErrProjectMismatch) {
		t.Fatalf("WriteIngest() error=%v, want %v", err, ErrProjectMismatch)
	}
	if class := ClassifyStoreError(err); class != ErrorClassRejected {
		t.Fatalf("error class=%q, want %q", class, ErrorClassRejected)
	}

	detail, err := store.GetTrace(context.Background(), traceID)
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if detail.ProjectID != owner.ID || detail.TotalTokens != 2 {
		t.Fatalf("trace project=%s tokens=%d, want owner with 2 tokens", detail.ProjectID, detail.TotalTokens)
	}
}

func testStoreRejectsForeignSpanID(t *testing.T, store Store) {
	owner := createTestProject(t, store)
	other := createTestProject(t, store)
	start := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	ownerTraceID := uniqueTraceID("span-owner")
	sharedSpanID := ownerTraceID + "-tool"
	ingestForTest(t, store, owner.ID, &IngestPayload{
		Trace: TracePayload{TraceID: ownerTraceID, StartTime: start},
		Spans: []SpanPayload{{SpanID: sharedSpanID, Name: "search", Type: SpanTypeToolCall, StartTime: start}},
	}, start)

	tests := []struct {
		name      string
		projectID uuid.UUID
		payload   func() *IngestPayload
	}{
		{
			name:      "llm call from another project",
			projectID: other.ID,
			payload: func() *IngestPayload {
				return &IngestPayload{
					Trace: TracePayload{TraceID: uniqueTraceID("span-reuse"), StartTime: start},
					Spans: []SpanPayload{{SpanID: sharedSpanID, Name: "chat", Type: SpanTypeLLMCall, StartTime: start}},
					LLMCalls: map[string]LLMCallPayload{
						sharedSpanID: {ModelName: "gpt-4", InputTokens: 100000},
					},
				}
			},
		},
		{
			name:      "tool call from another trace in the same project",
			projectID: owner.ID,
			payload: func() *IngestPayload {
				return &IngestPayload{
					Trace: TracePayload{TraceID: uniqueTraceID("span-reuse"), StartTime: start},
					Spans: []SpanPayload{{SpanID: sharedSpanID, Name: "search", Type: SpanTypeToolCall, StartTime: start}},
					ToolCalls: map[string]ToolCallPayload{
						sharedSpanID: {ToolName: "search", ToolOutputs: json.RawMessage(`{"hits":1}`)},
					},
				}
			},
		},
		{
			name:      "same trace with a different span type",
			projectID: owner.ID,
			payload: func() *IngestPayload {
				return &IngestPayload{
					Trace: TracePayload{TraceID: ownerTraceID, StartTime: start},
					Spans: []SpanPayload{{SpanID: sharedSpanID, Name: "chat", Type: SpanTypeLLMCall, StartTime: start}},
					LLMCalls: map[string]LLMCallPayload{
						sharedSpanID: {ModelName: "gpt-4", InputTokens: 100000},
					},
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := tt.payload()
			batch, err := BuildIngest(tt.projectID, payload, stubPricer{}, start.Add(time.Second))
			if err != nil {
				t.Fatalf("BuildIngest() error: %v", err)
			}
			err = store.WriteIngest(context.Background(), batch)
			if !errors.Is(err, ErrInvalidIngest) {
				t.Fatalf("WriteIngest() error=%v, want %v", err, ErrInvalidIngest)
			}
			if class := ClassifyStoreError(err); class != ErrorClassRejected {
				t.Fatalf("error class=%q, want %q", class, ErrorClassRejected)
			}
			if payload.Trace.TraceID != ownerTraceID {
				if _, err := store.GetTrace(context.Background(), payload.Trace.TraceID); !errors.Is(err, ErrNotFound) {
					t.Fatalf("GetTrace(rejected) error=%v, want %v", err, ErrNotFound)
				}
			}
		})
	}

	detail, err := store.GetTrace(context.Background(), ownerTraceID)
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if len(detail.Spans) != 1 {
		t.Fatalf("spans=%d, want 1", len(detail.Spans))
	}
	span := detail.Spans[0]
	if span.Type != SpanTypeToolCall || span.LLMCall != nil || span.ToolCall != nil {
		t.Fatalf("span type=%s llm=%+v tool=%+v, want bare tool_call span", span.Type, span.LLMCall, span.ToolCall)
	}
	if detail.TotalTokens != 0 || detail.TotalCost != 0 {
		t.Fatalf("trace tokens=%d cost=%v, want zero", detail.TotalTokens, detail.TotalCost)
	}

	summary, err := store.GetSummary(context.Background(), AnalyticsFilter{ProjectIDs: []uuid.UUID{owner.ID, other.ID}})
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if summary.TotalTraces != 1 || summary.TotalTokens != 0 || summary.TotalCost != 0 || summary.TotalLLMCalls != 0 {
		t.Fatalf("summary=%+v, want only the owner trace with no usage", summary)
	}
}

func testStoreConcurrentIngestSameTrace(t *testing.T, store Store) {
	project := createTestProject(t, store)
	traceID := uniqueTraceID("concurrent")
	start := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			spanID := fmt.Sprintf("%s-span-%d", traceID, i)
			spanEnd := start.Add(time.Duration(i+1) * time.Second)
			batch, err := BuildIngest(project.ID, &IngestPayload{
				Trace: TracePayload{TraceID: traceID, StartTime: start},
				Spans: []SpanPayload{{SpanID: spanID, Type: SpanTypeLLMCall, StartTime: start, EndTime: &spanEnd}},
				LLMCalls: map[string]LLMCallPayload{
					spanID: {ModelName: "gpt-4", InputTokens: 6, OutputTokens: 4},
				},
			}, stubPricer{}, start.Add(time.Minute))
			if err != nil {
				errs <- err
				return
			}
			errs <- store.WriteIngest(context.Background(), batch)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent WriteIngest() error: %v", err)
		}
	}

	detail, err := store.GetTrace(context.Background(), traceID)
	if err != nil {
		t.Fatalf("GetTrace() error: %v", err)
	}
	if len(detail.Spans) != writers {
		t.Fatalf("spans=%d, want %d", len(detail.Spans), writers)
	}
	if detail.TotalTokens != writers*10 {
		t.Fatalf("total tokens=%d, want %d", detail.TotalTokens, writers*10)
	}
	assertCost(t, "total cost", detail.TotalCost, float64(writers)*0.001)
}

func testStoreQueryTracesPagination(t *testing.T, store Store) {
	ctx := context.Background()
	project := createTestProject(t, store)
	base := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uniqueTraceID(fmt.Sprintf("page%d", i))
		ingestForTest(t, store, project.ID, completedTracePayload(ids[i], base, time.Second), base.Add(time.Duration(i)*time.Minute))
	}

	first, err := store.QueryTraces(ctx, TraceFilter{ProjectID: project.ID, Limit: 2})
	if err != nil {
		t.Fatalf("QueryTraces(first) error: %v", err)
	}
	if len(first.Items) != 2 || first.Items[0].TraceID != ids[2] || first.Items[1].TraceID != ids[1] {
		t.Fatalf("first page=%v", traceIDs(first.Items))
	}
	if first.NextCursor == "" {
		t.Fatal("first page next cursor should not be empty")
	}

	second, err := store.QueryTraces(ctx, TraceFilter{ProjectID: project.ID, Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("QueryTraces(second) error: %v", err)
	}
	if len(second.Items) != 1 || second.Items[0].TraceID != ids[0] {
		t.Fatalf("second page=%v", traceIDs(second.Items))
	}
	if second.NextCursor != "" {
		t.Fatalf("second page next cursor=%q, want empty", second.NextCursor)
	}

	if _, err := store.QueryTraces(ctx, TraceFilter{Cursor: "not-a-cursor"}); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("QueryTraces(bad cursor) error=%v, want %v", err, ErrInvalidCursor)
	}
}

func traceIDs(items []*Trace) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.TraceID)
	}
	return out
}

func testStoreProjects(t *testing.T, store Store) {
	ctx := context.Background()
	project := createTestProject(t, store)

	byHash, err := store.GetProjectByKeyHash(ctx, project.APIKeyHash)
	if err != nil {
		t.Fatalf("GetProjectByKeyHash() error: %v", err)
	}
	if byHash.ID != project.ID || !byHash.IsActive || byHash.APIKeyPrefix != project.APIKeyPrefix {
		t.Fatalf("project by hash=%+v", byHash)
	}

	dup := &Project{Name: "dup", APIKeyHash: project.APIKeyHash}
	if err := store.CreateProject(ctx, dup); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("CreateProject(duplicate) error=%v, want %v", err, ErrDuplicateKey)
	}

	newHash := "rotated-" + uuid.NewString()
	if err := store.UpdateProjectKey(ctx, project.ID, newHash, "agentops_new"); err != nil {
		t.Fatalf("UpdateProjectKey() error: %v", err)
	}
	if _, err := store.GetProjectByKeyHash(ctx, project.APIKeyHash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProjectByKeyHash(old) error=%v, want %v", err, ErrNotFound)
	}
	rotated, err := store.GetProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetProject() error: %v", err)
	}
	if rotated.APIKeyHash != newHash || rotated.APIKeyPrefix != "agentops_new" {
		t.Fatalf("rotated project=%+v", rotated)
	}

	if err := store.UpdateProjectKey(ctx, uuid.New(), "x", "y"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateProjectKey(missing) error=%v, want %v", err, ErrNotFound)
	}
	if _, err := store.GetProject(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProject(missing) error=%v, want %v", err, ErrNotFound)
	}

	projects, err := store.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects() error: %v", err)
	}
	found := false
	for _, item := range projects {
		if item.ID == project.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("ListProjects() missing %s", project.ID)
	}
}

func testStoreSummaryRoundTrip(t *testing.T, store Store) {
	project := createTestProject(t, store)
	start := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)

	ingestForTest(t, store, project.ID, completedTracePayload(uniqueTraceID("a"), start, time.Second, testCall{Model: "gpt-4", Input: 60, Output: 40}), start)
	ingestForTest(t, store, project.ID, completedTracePayload(uniqueTraceID("b"), start.Add(time.Hour), 3*time.Second, testCall{Model: "gpt-4", Input: 150, Output: 50}), start)

	toolTrace := completedTracePayload(uniqueTraceID("c"), start.Add(2*time.Hour), 2*time.Second)
	toolEnd := start.Add(2*time.Hour + time.Second)
	toolTrace.Spans = []SpanPayload{{SpanID: toolTrace.Trace.TraceID + "-tool", Type: SpanTypeToolCall, StartTime: start.Add(2 * time.Hour), EndTime: &toolEnd}}
	ingestForTest(t, store, project.ID, toolTrace, start)

	summary, err := store.GetSummary(context.Background(), AnalyticsFilter{ProjectIDs: []uuid.UUID{project.ID}})
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if summary.TotalTraces != 3 || summary.TotalLLMCalls != 2 || summary.TotalToolCalls != 1 || summary.UniqueProjects != 1 {
		t.Fatalf("summary counts=%+v", summary)
	}
	if summary.TotalInputTokens != 210 || summary.TotalOutputTokens != 90 || summary.TotalTokens != 300 {
		t.Fatalf("summary tokens=%+v", summary)
	}
	assertCost(t, "total cost", summary.TotalCost, 0.03)
	if summary.AvgDurationMS != 2000 || summary.MinDurationMS != 1000 || summary.MaxDurationMS != 3000 || summary.TotalDurationMS != 6000 {
		t.Fatalf("summary durations=%+v", summary)
	}
}

func testStoreEmptySummary(t *testing.T, store Store) {
	summary, err := store.GetSummary(context.Background(), AnalyticsFilter{ProjectIDs: []uuid.UUID{uuid.New()}})
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if *summary != (Summary{}) {
		t.Fatalf("empty summary=%+v, want zero values", summary)
	}
}

func testStoreSummaryProjectFilter(t *testing.T, store Store) {
	first := createTestProject(t, store)
	second := createTestProject(t, store)
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	ingestForTest(t, store, first.ID, completedTracePayload(uniqueTraceID("f1"), start, time.Second, testCall{Model: "gpt-4", Input: 10, Output: 0}), start)
	ingestForTest(t, store, second.ID, completedTracePayload(uniqueTraceID("f2"), start, time.Second, testCall{Model: "gpt-4", Input: 20, Output: 0}), start)
	ingestForTest(t, store, second.ID, completedTracePayload(uniqueTraceID("f3"), start.Add(48*time.Hour), time.Second, testCall{Model: "gpt-4", Input: 40, Output: 0}), start)

	tests := []struct {
		name       string
		filter     AnalyticsFilter
		wantTraces int64
		wantTokens int64
		wantProj   int64
	}{
		{
			name:       "one project",
			filter:     AnalyticsFilter{ProjectIDs: []uuid.UUID{second.ID}},
			wantTraces: 2,
			wantTokens: 60,
			wantProj:   1,
		},
		{
			name:       "both projects",
			filter:     AnalyticsFilter{ProjectIDs: []uuid.UUID{first.ID, second.ID}},
			wantTraces: 3,
			wantTokens: 70,
			wantProj:   2,
		},
		{
			name:       "exclusive upper bound",
			filter:     AnalyticsFilter{From: start, To: start.Add(48 * time.Hour), ProjectIDs: []uuid.UUID{first.ID, second.ID}},
			wantTraces: 2,
			wantTokens: 30,
			wantProj:   2,
		},
		{
			name:       "inclusive upper bound",
			filter:     AnalyticsFilter{From: start, To: start.Add(48 * time.Hour), ToInclusive: true, ProjectIDs: []uuid.UUID{first.ID, second.ID}},
			wantTraces: 3,
			wantTokens: 70,
			wantProj:   2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, err := store.GetSummary(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("GetSummary() error: %v", err)
			}
			if summary.TotalTraces != tt.wantTraces || summary.TotalTokens != tt.wantTokens || summary.UniqueProjects != tt.wantProj {
				t.Fatalf("summary=%+v, want traces=%d tokens=%d projects=%d", summary, tt.wantTraces, tt.wantTokens, tt.wantProj)
			}
		})
	}
}

func testStoreTrendsSkipEmptyBuckets(t *testing.T, store Store) {
	project := createTestProject(t, store)
	jan := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ingestForTest(t, store, project.ID, completedTracePayload(uniqueTraceID("jan"), jan, time.Second, testCall{Model: "gpt-4", Input: 70, Output: 30}), jan)
	ingestForTest(t, store, project.ID, completedTracePayload(uniqueTraceID("jan-late"), jan.Add(30*time.Minute), time.Second), jan)
	ingestForTest(t, store, project.ID, completedTracePayload(uniqueTraceID("jun"), jun, time.Second, testCall{Model: "gpt-4", Input: 150, Output: 50}), jun)

	filter := AnalyticsFilter{
		From:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC),
		ToInclusive: true,
		ProjectIDs:  []uuid.UUID{project.ID},
	}

	type bucket struct {
		at     time.Time
		tokens int64
		count  int64
	}
	tests := []struct {
		granularity Granularity
		want        []bucket
	}{
		{
			granularity: GranularityHour,
			want: []bucket{
				{at: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), tokens: 100, count: 2},
				{at: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), tokens: 200, count: 1},
			},
		},
		{
			granularity: GranularityDay,
			want: []bucket{
				{at: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), tokens: 100, count: 2},
				{at: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), tokens: 200, count: 1},
			},
		},
		{
			// 2024-06-01 is a Saturday; weeks start on Monday.
			granularity: GranularityWeek,
			want: []bucket{
				{at: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), tokens: 100, count: 2},
				{at: time.Date(2024, 5, 27, 0, 0, 0, 0, time.UTC), tokens: 200, count: 1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.granularity), func(t *testing.T) {
			points, err := store.GetTrends(context.Background(), filter, tt.granularity)
			if err != nil {
				t.Fatalf("GetTrends() error: %v", err)
			}
			if len(points) != len(tt.want) {
				t.Fatalf("points=%+v, want %d buckets", points, len(tt.want))
			}
			for i, want := range tt.want {
				got := points[i]
				if !got.Timestamp.Equal(want.at) || got.TotalTokens != want.tokens || got.TraceCount != want.count {
					t.Fatalf("point[%d]=%+v, want %+v", i, got, want)
				}
				if got.TraceCount == 0 {
					t.Fatalf("point[%d] has zero traces", i)
				}
			}
		})
	}

	if _, err := store.GetTrends(context.Background(), filter, Granularity("month")); err == nil {
		t.Fatal("GetTrends(month) expected error")
	}
}

func testStoreModelBreakdown(t *testing.T, store Store) {
	project := createTestProject(t, store)
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	ingestForTest(t, store, project.ID, completedTracePayload(uniqueTraceID("m1"), start, time.Second,
		testCall{Model: "gemini-2.0-flash", Input: 1000, Output: 500},
		testCall{Model: "gpt-4", Input: 40000, Output: 10000},
	), start)
	ingestForTest(t, store, project.ID, completedTracePayload(uniqueTraceID("m2"), start.Add(time.Minute), time.Second,
		testCall{Model: "gpt-4", Input: 30000, Output: 20000},
		testCall{Model: "gemini-2.0-flash", Input: 200, Output: 100},
	), start)

	models, err := store.GetModelBreakdown(context.Background(), AnalyticsFilter{ProjectIDs: []uuid.UUID{project.ID}})
	if err != nil {
		t.Fatalf("GetModelBreakdown() error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("models=%+v, want 2 rows", models)
	}
	gpt, gemini := models[0], models[1]
	if gpt.ModelName != "gpt-4" || gpt.Provider != "openai" || gpt.CallCount != 2 || gpt.TotalTokens != 100000 {
		t.Fatalf("first model=%+v", gpt)
	}
	assertCost(t, "gpt cost", gpt.TotalCost, 10)
	if gemini.ModelName != "gemini-2.0-flash" || gemini.Provider != "google" || gemini.CallCount != 2 || gemini.InputTokens != 1200 || gemini.OutputTokens != 600 {
		t.Fatalf("second model=%+v", gemini)
	}
	assertCost(t, "gemini cost", gemini.TotalCost, 0)
}

func testStoreTopTraces(t *testing.T, store Store) {
	ctx := context.Background()
	project := createTestProject(t, store)
	start := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)

	big := uniqueTraceID("big")
	slow := uniqueTraceID("slow")
	idle := uniqueTraceID("idle")
	ingestForTest(t, store, project.ID, completedTracePayload(big, start, time.Second,
		testCall{Model: "gpt-4", Input: 100, Output: 100},
		testCall{Model: "gpt-4", Input: 50, Output: 50},
	), start)
	ingestForTest(t, store, project.ID, completedTracePayload(slow, start, 5*time.Second, testCall{Model: "gpt-4", Input: 60, Output: 40}), start)
	ingestForTest(t, store, project.ID, completedTracePayload(idle, start, 3*time.Second), start)

	filter := AnalyticsFilter{ProjectIDs: []uuid.UUID{project.ID}}
	tests := []struct {
		name  string
		query TopTracesQuery
		want  []string
	}{
		{name: "default sorts by tokens", query: TopTracesQuery{}, want: []string{big, slow, idle}},
		{name: "cost", query: TopTracesQuery{SortBy: SortByCost}, want: []string{big, slow, idle}},
		{name: "duration", query: TopTracesQuery{SortBy: SortByDuration}, want: []string{slow, idle, big}},
		{name: "limit", query: TopTracesQuery{SortBy: SortByDuration, Limit: 2}, want: []string{slow, idle}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := store.GetTopTraces(ctx, filter, tt.query)
			if err != nil {
				t.Fatalf("GetTopTraces() error: %v", err)
			}
			got := make([]string, 0, len(items))
			for _, item := range items {
				got = append(got, item.TraceID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("order=%v, want %v", got, tt.want)
			}
		})
	}

	items, err := store.GetTopTraces(ctx, filter, TopTracesQuery{})
	if err != nil {
		t.Fatalf("GetTopTraces() error: %v", err)
	}
	byID := make(map[string]TopTrace, len(items))
	for _, item := range items {
		byID[item.TraceID] = item
	}
	if got := byID[big]; got.LLMCallCount != 2 || got.TotalTokens != 300 || got.ProjectName != project.Name || got.Status != StatusSuccess || !got.StartTime.Equal(start) {
		t.Fatalf("big trace=%+v", got)
	}
	if got := byID[idle]; got.LLMCallCount != 0 || got.TotalTokens != 0 || got.DurationMS != 3000 {
		t.Fatalf("idle trace=%+v", got)
	}
}
