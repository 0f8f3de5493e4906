package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/materlab/kiln/internal/planfile"
	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

// RegisterRequest asks for a workflow to be registered for a material.
// The plan comes either from a named template or inline as a plan
// document; exactly one of the two must be set.
type RegisterRequest struct {
	MaterialID string             `json:"material_id"`
	Formula    string             `json:"formula,omitempty"`
	Source     string             `json:"source" binding:"required"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	Template   string             `json:"template,omitempty"`
	Plan       *planfile.Document `json:"plan,omitempty"`
}

// RegisterResponse confirms a registration.
type RegisterResponse struct {
	MaterialID   string   `json:"material_id"`
	Plan         []string `json:"plan"`
	RegisteredAt string   `json:"registered_at"`
}

// CompletionRequest is the job epilogue webhook payload. material_id
// and stage may be omitted when job_id is set; the workflow is then
// located by its external job id.
type CompletionRequest struct {
	MaterialID string `json:"material_id"`
	Stage      string `json:"stage"`
	JobID      string `json:"job_id"`
	Outcome    string `json:"outcome" binding:"required"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details.
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": gin.H{
			"orchestrator": "ok",
		},
	})
}

// handleRegisterWorkflow registers a material with its workflow plan.
func (s *Server) handleRegisterWorkflow(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	plan, ok := s.resolvePlan(c, &req)
	if !ok {
		return
	}

	materialID := req.MaterialID
	if materialID == "" {
		materialID = domain.MaterialIDFromSource(req.Source)
	}
	if materialID == "" {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "material_id could not be derived from source")
		return
	}

	mat := domain.Material{
		ID:       materialID,
		Formula:  req.Formula,
		Source:   req.Source,
		Metadata: req.Metadata,
	}

	wf, err := s.orchestrator.RegisterWorkflow(c.Request.Context(), mat, *plan)
	if err != nil {
		s.logger.Error("workflow registration failed",
			zap.String("material_id", materialID),
			zap.Error(err))
		errorJSON(c, http.StatusUnprocessableEntity, "REGISTRATION_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusCreated, RegisterResponse{
		MaterialID:   wf.Material.ID,
		Plan:         wf.Plan.Labels(),
		RegisteredAt: wf.Material.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// resolvePlan picks the plan from the request: a named template or an
// inline document. Writes the error response itself when it fails.
func (s *Server) resolvePlan(c *gin.Context, req *RegisterRequest) (*domain.WorkflowPlan, bool) {
	switch {
	case req.Template != "" && req.Plan != nil:
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "specify template or plan, not both")
		return nil, false

	case req.Template != "":
		if s.plans == nil {
			errorJSON(c, http.StatusBadRequest, "UNKNOWN_TEMPLATE", "no plan templates are loaded")
			return nil, false
		}
		plan, ok := s.plans.Get(req.Template)
		if !ok {
			errorJSON(c, http.StatusBadRequest, "UNKNOWN_TEMPLATE", "no plan template named "+req.Template)
			return nil, false
		}
		return plan, true

	case req.Plan != nil:
		plan, err := planfile.Compile(*req.Plan)
		if err != nil {
			errorJSON(c, http.StatusUnprocessableEntity, "INVALID_PLAN", err.Error())
			return nil, false
		}
		return plan, true

	default:
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "template or plan is required")
		return nil, false
	}
}

// handleListWorkflows lists registered materials.
func (s *Server) handleListWorkflows(c *gin.Context) {
	ids, err := s.orchestrator.ListWorkflowIDs(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list workflows", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", "failed to list workflows")
		return
	}
	if ids == nil {
		ids = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"materials": ids,
		"total":     len(ids),
	})
}

// handleGetWorkflow returns the full workflow document.
func (s *Server) handleGetWorkflow(c *gin.Context) {
	wf, ok := s.loadWorkflow(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, wf)
}

// handleGetStatus returns the per-stage status summary.
func (s *Server) handleGetStatus(c *gin.Context) {
	wf, ok := s.loadWorkflow(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"material_id": wf.Material.ID,
		"stages":      wf.StatusByStage(),
		"in_flight":   len(wf.InFlight()),
		"updated_at":  wf.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// handleReevaluate forces one evaluation of the workflow, picking up
// deferred submissions without waiting for the next signal or sweep.
func (s *Server) handleReevaluate(c *gin.Context) {
	materialID := c.Param("id")

	if err := s.orchestrator.Reevaluate(c.Request.Context(), materialID); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			errorJSON(c, http.StatusNotFound, "NOT_FOUND", "workflow not found")
			return
		}
		s.logger.Error("reevaluation failed",
			zap.String("material_id", materialID),
			zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "REEVALUATION_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"material_id": materialID,
		"status":      "reevaluated",
	})
}

// handleListFailed lists terminally failed calculations across all
// workflows.
func (s *Server) handleListFailed(c *gin.Context) {
	calcs, err := s.orchestrator.ListFailed(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list failed calculations", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", "failed to list failed calculations")
		return
	}
	if calcs == nil {
		calcs = []*domain.Calculation{}
	}

	c.JSON(http.StatusOK, gin.H{
		"calculations": calcs,
		"total":        len(calcs),
	})
}

// handleListTemplates lists the loaded plan templates.
func (s *Server) handleListTemplates(c *gin.Context) {
	var names []string
	if s.plans != nil {
		names = s.plans.Names()
	}
	if names == nil {
		names = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"templates": names,
		"total":     len(names),
	})
}

// handleCompletion accepts a job epilogue callback and publishes it as
// a completion signal. The response is 202 in every non-error case:
// handling is asynchronous and duplicates are harmless.
func (s *Server) handleCompletion(c *gin.Context) {
	var req CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	outcome := domain.Outcome(req.Outcome)
	switch outcome {
	case domain.OutcomeRunning, domain.OutcomeCompleted, domain.OutcomeFailed:
	default:
		errorJSON(c, http.StatusBadRequest, "INVALID_OUTCOME", "outcome must be running, completed or failed")
		return
	}
	if req.MaterialID == "" && req.JobID == "" {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "material_id or job_id is required")
		return
	}

	materialID, stage := req.MaterialID, req.Stage
	if materialID == "" {
		var ok bool
		materialID, stage, ok = s.resolveByJob(c, req.JobID)
		if !ok {
			// No workflow holds this job; nothing to signal. The poller
			// sweep will reconcile if the job belongs to a live attempt.
			s.logger.Warn("completion for unmatched job ignored",
				zap.String("job_id", req.JobID),
				zap.String("outcome", req.Outcome))
			c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
			return
		}
	}

	sig := &domain.CompletionSignal{
		ID:            uuid.NewString(),
		MaterialID:    materialID,
		Stage:         stage,
		ExternalJobID: req.JobID,
		Outcome:       outcome,
		Diagnostic:    req.Diagnostic,
		Origin:        domain.OriginWebhook,
		ObservedAt:    time.Now(),
	}

	event, err := ports.NewSignalEvent(sig)
	if err != nil {
		s.logger.Error("encode completion signal failed", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "PUBLISH_FAILED", "failed to encode signal")
		return
	}
	if err := s.bus.Publish(c.Request.Context(), ports.TopicCompletionSignals, event); err != nil {
		s.logger.Error("publish completion signal failed",
			zap.String("material_id", materialID),
			zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "PUBLISH_FAILED", "failed to publish signal")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"signal_id":   sig.ID,
		"material_id": materialID,
		"status":      "accepted",
	})
}

// resolveByJob locates the material and stage holding an external job
// id by scanning the registered workflows.
func (s *Server) resolveByJob(c *gin.Context, jobID string) (string, string, bool) {
	ctx := c.Request.Context()
	ids, err := s.orchestrator.ListWorkflowIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list workflows for job resolution", zap.Error(err))
		return "", "", false
	}
	for _, id := range ids {
		wf, err := s.orchestrator.GetWorkflow(ctx, id)
		if err != nil {
			continue
		}
		if calc := wf.CalcByJobID(jobID); calc != nil {
			return wf.Material.ID, calc.Stage.Label(), true
		}
	}
	return "", "", false
}

// loadWorkflow loads the workflow for the :id route parameter, writing
// the error response itself when it fails.
func (s *Server) loadWorkflow(c *gin.Context) (*domain.WorkflowState, bool) {
	materialID := c.Param("id")

	wf, err := s.orchestrator.GetWorkflow(c.Request.Context(), materialID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			errorJSON(c, http.StatusNotFound, "NOT_FOUND", "workflow not found")
			return nil, false
		}
		s.logger.Error("failed to load workflow",
			zap.String("material_id", materialID),
			zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", "failed to load workflow")
		return nil, false
	}
	return wf, true
}
