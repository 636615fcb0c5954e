package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/agentops/internal/auth"
	"github.com/ongoingai/agentops/internal/trace"
)

const (
	projectBodyLimit      = 16 << 10
	maxProjectNameLength  = 255
	defaultTraceListLimit = 50
	maxTraceListLimit     = 200
)

// KeyCache drops cached project key lookups after rotation.
type KeyCache interface {
	Forget(keyHash string)
}

type projectResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type projectWithKeyResponse struct {
	projectResponse
	APIKey string `json:"api_key"`
}

type projectsResponse struct {
	Items []projectResponse `json:"items"`
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type traceSummary struct {
	TraceID     string     `json:"trace_id"`
	ProjectID   string     `json:"project_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	DurationMS  *int64     `json:"duration_ms"`
	TotalTokens int64      `json:"total_tokens"`
	TotalCost   float64    `json:"total_cost"`
	Tags        []string   `json:"tags"`
	CreatedAt   time.Time  `json:"created_at"`
}

type tracesResponse struct {
	Items      []traceSummary `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// ProjectsHandler serves GET (list) and POST (create) on /api/projects.
func ProjectsHandler(store trace.ProjectStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		switch r.Method {
		case http.MethodGet:
			projects, err := store.ListProjects(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list projects")
				return
			}
			items := make([]projectResponse, 0, len(projects))
			for _, project := range projects {
				items = append(items, toProjectResponse(project))
			}
			writeJSON(w, http.StatusOK, projectsResponse{Items: items})
		case http.MethodPost:
			createProject(w, r, store)
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

func createProject(w http.ResponseWriter, r *http.Request, store trace.ProjectStore) {
	var req createProjectRequest
	if !decodeJSONBody(w, r, projectBodyLimit, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len([]rune(name)) > maxProjectNameLength {
		writeError(w, http.StatusBadRequest, "name must be at most 255 characters")
		return
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}
	project := &trace.Project{
		Name:         name,
		Description:  strings.TrimSpace(req.Description),
		APIKeyHash:   key.Hash,
		APIKeyPrefix: key.Prefix,
		IsActive:     true,
	}
	if err := store.CreateProject(r.Context(), project); err != nil {
		if errors.Is(err, trace.ErrDuplicateKey) {
			writeError(w, http.StatusConflict, "api key collision, retry")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	writeJSON(w, http.StatusCreated, projectWithKeyResponse{
		projectResponse: toProjectResponse(project),
		APIKey:          key.Plaintext,
	})
}

// ProjectDetailHandler serves /api/projects/{id}, /api/projects/{id}/traces
// and /api/projects/{id}/rotate-key.
func ProjectDetailHandler(store trace.Store, keys KeyCache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}

		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/projects/"), "/")
		parts := strings.Split(rest, "/")
		if rest == "" || len(parts) > 2 {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		projectID, err := uuid.Parse(parts[0])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid project id")
			return
		}
		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}

		switch action {
		case "":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			project, ok := loadProject(w, r, store, projectID)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, toProjectResponse(project))
		case "traces":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			listProjectTraces(w, r, store, projectID)
		case "rotate-key":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			rotateProjectKey(w, r, store, keys, projectID)
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
	})
}

func loadProject(w http.ResponseWriter, r *http.Request, store trace.ProjectStore, id uuid.UUID) (*trace.Project, bool) {
	project, err := store.GetProject(r.Context(), id)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Project not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return nil, false
	}
	return project, true
}

func listProjectTraces(w http.ResponseWriter, r *http.Request, store trace.Store, projectID uuid.UUID) {
	if _, ok := loadProject(w, r, store, projectID); !ok {
		return
	}
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 1, maxTraceListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = defaultTraceListLimit
	}

	result, err := store.QueryTraces(r.Context(), trace.TraceFilter{
		ProjectID: projectID,
		Limit:     limit,
		Cursor:    strings.TrimSpace(query.Get("cursor")),
	})
	if err != nil {
		if errors.Is(err, trace.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to query traces")
		return
	}

	items := make([]traceSummary, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, summarizeTrace(item))
	}
	writeJSON(w, http.StatusOK, tracesResponse{Items: items, NextCursor: result.NextCursor})
}

func rotateProjectKey(w http.ResponseWriter, r *http.Request, store trace.ProjectStore, keys KeyCache, projectID uuid.UUID) {
	project, ok := loadProject(w, r, store, projectID)
	if !ok {
		return
	}
	key, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}
	if err := store.UpdateProjectKey(r.Context(), project.ID, key.Hash, key.Prefix); err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Project not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to rotate api key")
		return
	}
	if keys != nil {
		keys.Forget(project.APIKeyHash)
	}

	project.APIKeyHash = key.Hash
	project.APIKeyPrefix = key.Prefix
	project.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, projectWithKeyResponse{
		projectResponse: toProjectResponse(project),
		APIKey:          key.Plaintext,
	})
}

func toProjectResponse(project *trace.Project) projectResponse {
	return projectResponse{
		ID:           project.ID.String(),
		Name:         project.Name,
		Description:  project.Description,
		APIKeyPrefix: project.APIKeyPrefix,
		IsActive:     project.IsActive,
		CreatedAt:    project.CreatedAt,
		UpdatedAt:    project.UpdatedAt,
	}
}

func summarizeTrace(item *trace.Trace) traceSummary {
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	return traceSummary{
		TraceID:     item.TraceID,
		ProjectID:   item.ProjectID.String(),
		Name:        item.Name,
		Status:      string(item.Status),
		StartTime:   item.StartTime,
		EndTime:     item.EndTime,
		DurationMS:  item.DurationMS,
		TotalTokens: item.TotalTokens,
		TotalCost:   item.TotalCost,
		Tags:        tags,
		CreatedAt:   item.CreatedAt,
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, out any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, http.StatusBadRequest, "request body is required")
		return false
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
