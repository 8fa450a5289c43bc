package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/angeloszaimis/media-orchestrator/internal/orchestrator"
	"github.com/angeloszaimis/media-orchestrator/internal/registry"
)

// Orchestrator is the part of *orchestrator.Orchestrator the HTTP API needs.
type Orchestrator interface {
	CallTool(ctx context.Context, req orchestrator.Request) orchestrator.Result
	CallToolsParallel(ctx context.Context, reqs []orchestrator.Request) []orchestrator.Result
	Status() []registry.HealthSnapshot
}

type ToolHandler struct {
	logger       *slog.Logger
	orchestrator Orchestrator
}

func NewToolHandler(logger *slog.Logger, orch Orchestrator) *ToolHandler {
	return &ToolHandler{
		logger:       logger,
		orchestrator: orch,
	}
}

type CallRequest struct {
	Upstream   string         `json:"upstream" doc:"Registered upstream name" example:"sabnzbd"`
	Tool       string         `json:"tool" doc:"Tool to invoke on the upstream" example:"get_queue"`
	Params     map[string]any `json:"params,omitempty" doc:"Tool parameters"`
	Timeout    string         `json:"timeout,omitempty" doc:"Per-attempt timeout overriding the upstream default" example:"10s"`
	Idempotent bool           `json:"idempotent,omitempty" doc:"Allow retrying the call after a timeout"`
}

func (r CallRequest) toRequest() (orchestrator.Request, error) {
	req := orchestrator.Request{
		Upstream:   r.Upstream,
		Tool:       r.Tool,
		Params:     r.Params,
		Idempotent: r.Idempotent,
	}

	if r.Timeout != "" {
		timeout, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return req, fmt.Errorf("invalid timeout %q: %w", r.Timeout, err)
		}
		if timeout <= 0 {
			return req, fmt.Errorf("timeout must be positive, got %s", r.Timeout)
		}
		req.Timeout = timeout
	}

	return req, nil
}

type BatchRequest struct {
	Requests []CallRequest `json:"requests" maxItems:"100" doc:"Tool calls to run in parallel"`
}

type BatchResponse struct {
	Results []orchestrator.Result `json:"results"`
}

type HealthBody struct {
	Status string `json:"status" example:"ok"`
}

type CallInput struct {
	Body CallRequest
}

type CallOutput struct {
	Body orchestrator.Result
}

type BatchInput struct {
	Body BatchRequest
}

type BatchOutput struct {
	Body BatchResponse
}

type StatusOutput struct {
	Body []registry.HealthSnapshot
}

type HealthOutput struct {
	Body HealthBody
}

// Register adds the orchestrator operations to api.
func (h *ToolHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/v1/status",
		Summary:     "Upstream health snapshots",
		Tags:        []string{"status"},
	}, h.handleStatus)

	huma.Register(api, huma.Operation{
		OperationID: "call-tool",
		Method:      http.MethodPost,
		Path:        "/v1/tools/call",
		Summary:     "Call one tool on an upstream",
		Tags:        []string{"tools"},
	}, h.handleCall)

	huma.Register(api, huma.Operation{
		OperationID: "call-tools-batch",
		Method:      http.MethodPost,
		Path:        "/v1/tools/batch",
		Summary:     "Call several tools in parallel",
		Tags:        []string{"tools"},
	}, h.handleBatch)

	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Orchestrator liveness",
		Tags:        []string{"system"},
	}, func(context.Context, *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})
}

func (h *ToolHandler) handleStatus(_ context.Context, _ *struct{}) (*StatusOutput, error) {
	return &StatusOutput{Body: h.orchestrator.Status()}, nil
}

func (h *ToolHandler) handleCall(ctx context.Context, input *CallInput) (*CallOutput, error) {
	req, err := input.Body.toRequest()
	if err != nil {
		return nil, huma.Error400BadRequest("invalid tool call", err)
	}

	return &CallOutput{Body: h.orchestrator.CallTool(ctx, req)}, nil
}

func (h *ToolHandler) handleBatch(ctx context.Context, input *BatchInput) (*BatchOutput, error) {
	reqs := make([]orchestrator.Request, len(input.Body.Requests))
	for i, body := range input.Body.Requests {
		req, err := body.toRequest()
		if err != nil {
			return nil, huma.Error400BadRequest(fmt.Sprintf("invalid tool call at index %d", i), err)
		}
		reqs[i] = req
	}

	h.logger.Debug("Dispatching batch", slog.Int("size", len(reqs)))

	results := h.orchestrator.CallToolsParallel(ctx, reqs)
	return &BatchOutput{Body: BatchResponse{Results: results}}, nil
}
