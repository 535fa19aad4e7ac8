package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/jtstream/internal/scheduler"
)

// JobRunner lists and triggers maintenance jobs.
type JobRunner interface {
	Jobs() []scheduler.JobStatus
	RunNow(ctx context.Context, name string) (string, error)
}

// JobsHandler serves the maintenance job API.
type JobsHandler struct {
	runner JobRunner
}

// NewJobsHandler creates a jobs handler.
func NewJobsHandler(runner JobRunner) *JobsHandler {
	return &JobsHandler{runner: runner}
}

// Register adds the job operations to the API.
func (h *JobsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs",
		Summary:     "List maintenance jobs",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "runJob",
		Method:      http.MethodPost,
		Path:        "/api/v1/jobs/{name}/run",
		Summary:     "Run a maintenance job now",
		Tags:        []string{"Jobs"},
	}, h.Run)
}

// ListJobsOutput lists jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs []JobResponse `json:"jobs"`
	}
}

// List returns the registered jobs.
func (h *JobsHandler) List(_ context.Context, _ *struct{}) (*ListJobsOutput, error) {
	out := &ListJobsOutput{}
	out.Body.Jobs = h.runner.Jobs()
	return out, nil
}

// RunJobInput names the job.
type RunJobInput struct {
	Name string `path:"name"`
}

// RunJobOutput carries the job result.
type RunJobOutput struct {
	Body struct {
		Name   string `json:"name"`
		Result string `json:"result"`
	}
}

// Run executes a job synchronously.
func (h *JobsHandler) Run(ctx context.Context, input *RunJobInput) (*RunJobOutput, error) {
	res, err := h.runner.RunNow(ctx, input.Name)
	if errors.Is(err, scheduler.ErrUnknownJob) {
		return nil, huma.Error404NotFound("unknown job " + input.Name)
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("job "+input.Name+" failed", err)
	}
	out := &RunJobOutput{}
	out.Body.Name = input.Name
	out.Body.Result = res
	return out, nil
}
