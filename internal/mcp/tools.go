package mcp

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/store"
)

// executionHistorySchema bounds the limit argument explicitly; the other
// tool schemas are inferred from their input structs
func executionHistorySchema() *jsonschema.Schema {
	minimum := 1.0
	maximum := 200.0
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"project_id"},
		Properties: map[string]*jsonschema.Schema{
			"project_id": {Type: "string", Description: "project identifier"},
			"limit": {
				Type:        "integer",
				Description: "maximum executions to return, default 20",
				Minimum:     &minimum,
				Maximum:     &maximum,
			},
		},
	}
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "project_create",
		Description: "Create a new project in BRAINSTORMING status. Returns the project record.",
	}, s.handleProjectCreate)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "project_status",
		Description: "Get the current workflow state of a project: status, current phase, pending approval gates and the suggested next action.",
	}, s.handleProjectStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "project_list",
		Description: "List all projects, newest first.",
	}, s.handleProjectList)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "workflow_advance",
		Description: "Advance a project to its next workflow phase. Blocks without error while an approval gate is pending; runs the next executor command otherwise.",
	}, s.handleWorkflowAdvance)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "workflow_retry",
		Description: "Re-run the latest phase of a project after a failure.",
	}, s.handleWorkflowRetry)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "gate_approve",
		Description: "Approve a pending approval gate and continue the workflow.",
	}, s.handleGateApprove)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "gate_reject",
		Description: "Reject a pending approval gate, halting the workflow pending revision.",
	}, s.handleGateReject)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "workflow_pause",
		Description: "Pause a project between phases.",
	}, s.handleWorkflowPause)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "workflow_resume",
		Description: "Resume a paused project.",
	}, s.handleWorkflowResume)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "execution_history",
		Description: "List recent executor command executions for a project, newest first.",
		InputSchema: executionHistorySchema(),
	}, s.handleExecutionHistory)
}

// Tool input/output types

type ProjectCreateInput struct {
	Name        string `json:"name" jsonschema:"project name"`
	Description string `json:"description,omitempty" jsonschema:"optional project description"`
	RepoURL     string `json:"repo_url,omitempty" jsonschema:"optional git repository URL for the executor workspace"`
}

type ProjectInput struct {
	ProjectID string `json:"project_id" jsonschema:"project identifier"`
}

type GateInput struct {
	GateID string `json:"gate_id" jsonschema:"approval gate identifier"`
	Notes  string `json:"notes,omitempty" jsonschema:"optional reviewer notes"`
}

type ExecutionHistoryInput struct {
	ProjectID string `json:"project_id" jsonschema:"project identifier"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum executions to return, default 20"`
}

type ProjectListOutput struct {
	Projects []*store.Project `json:"projects"`
}

type ExecutionHistoryOutput struct {
	Executions []*store.Execution `json:"executions"`
}

func (s *Server) handleProjectCreate(ctx context.Context, req *mcp.CallToolRequest, input ProjectCreateInput) (*mcp.CallToolResult, any, error) {
	if input.Name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}
	p := &store.Project{
		Name:        input.Name,
		Description: input.Description,
		RepoURL:     input.RepoURL,
	}
	if err := s.store.CreateProject(p); err != nil {
		metrics.RecordToolCall("project_create", "error")
		return nil, nil, err
	}
	metrics.RecordToolCall("project_create", "ok")
	return nil, p, nil
}

func (s *Server) handleProjectStatus(ctx context.Context, req *mcp.CallToolRequest, input ProjectInput) (*mcp.CallToolResult, any, error) {
	state, err := s.machine.GetState(input.ProjectID)
	if err != nil {
		metrics.RecordToolCall("project_status", "error")
		return nil, nil, err
	}
	metrics.RecordToolCall("project_status", "ok")
	return nil, state, nil
}

func (s *Server) handleProjectList(ctx context.Context, req *mcp.CallToolRequest, input struct{}) (*mcp.CallToolResult, any, error) {
	projects, err := s.store.ListProjects()
	if err != nil {
		metrics.RecordToolCall("project_list", "error")
		return nil, nil, err
	}
	metrics.RecordToolCall("project_list", "ok")
	return nil, ProjectListOutput{Projects: projects}, nil
}

func (s *Server) handleWorkflowAdvance(ctx context.Context, req *mcp.CallToolRequest, input ProjectInput) (*mcp.CallToolResult, any, error) {
	res, err := s.machine.Advance(ctx, input.ProjectID)
	if err != nil {
		metrics.RecordToolCall("workflow_advance", "error")
		return nil, nil, err
	}
	metrics.RecordToolCall("workflow_advance", "ok")
	return nil, res, nil
}

func (s *Server) handleWorkflowRetry(ctx context.Context, req *mcp.CallToolRequest, input ProjectInput) (*mcp.CallToolResult, any, error) {
	res, err := s.machine.Retry(ctx, input.ProjectID)
	if err != nil {
		metrics.RecordToolCall("workflow_retry", "error")
		return nil, nil, err
	}
	metrics.RecordToolCall("workflow_retry", "ok")
	return nil, res, nil
}

func (s *Server) handleGateApprove(ctx context.Context, req *mcp.CallToolRequest, input GateInput) (*mcp.CallToolResult, any, error) {
	res, err := s.machine.HandleApproval(ctx, input.GateID, true, input.Notes)
	if err != nil {
		metrics.RecordToolCall("gate_approve", "error")
		return nil, nil, err
	}
	metrics.RecordToolCall("gate_approve", "ok")
	return nil, res, nil
}

func (s *Server) handleGateReject(ctx context.Context, req *mcp.CallToolRequest, input GateInput) (*mcp.CallToolResult, any, error) {
	res, err := s.machine.HandleApproval(ctx, input.GateID, false, input.Notes)
	if err != nil {
		metrics.RecordToolCall("gate_reject", "error")
		return nil, nil, err
	}
	metrics.RecordToolCall("gate_reject", "ok")
	return nil, res, nil
}

func (s *Server) handleWorkflowPause(ctx context.Context, req *mcp.CallToolRequest, input ProjectInput) (*mcp.CallToolResult, any, error) {
	res, err := s.machine.Pause(input.ProjectID)
	if err != nil {
		metrics.RecordToolCall("workflow_pause", "error")
		return nil, nil, err
	}
	metrics.RecordToolCall("workflow_pause", "ok")
	return nil, res, nil
}

func (s *Server) handleWorkflowResume(ctx context.Context, req *mcp.CallToolRequest, input ProjectInput) (*mcp.CallToolResult, any, error) {
	res, err := s.machine.Resume(input.ProjectID)
	if err != nil {
		metrics.RecordToolCall("workflow_resume", "error")
		return nil, nil, err
	}
	metrics.RecordToolCall("workflow_resume", "ok")
	return nil, res, nil
}

func (s *Server) handleExecutionHistory(ctx context.Context, req *mcp.CallToolRequest, input ExecutionHistoryInput) (*mcp.CallToolResult, any, error) {
	execs, err := s.store.ListExecutions(input.ProjectID, input.Limit)
	if err != nil {
		metrics.RecordToolCall("execution_history", "error")
		return nil, nil, err
	}
	metrics.RecordToolCall("execution_history", "ok")
	return nil, ExecutionHistoryOutput{Executions: execs}, nil
}
