package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"operator-backend/internal/cms"
	"operator-backend/internal/compute"
	"operator-backend/internal/database"
	"operator-backend/internal/operators"
	"operator-backend/internal/status"
	"operator-backend/internal/workflow"
	"operator-backend/pkg/api"
)

type BackendService struct {
	db           *gorm.DB
	service      *operators.Service
	reconciler   *operators.Reconciler
	composer     *workflow.Composer
	orchestrator *workflow.Orchestrator
	aggregator   *status.Aggregator
	cms          *cms.Client
}

func NewBackendService(
	db *gorm.DB,
	service *operators.Service,
	reconciler *operators.Reconciler,
	composer *workflow.Composer,
	orchestrator *workflow.Orchestrator,
	aggregator *status.Aggregator,
	cmsClient *cms.Client,
) *BackendService {
	return &BackendService{
		db:           db,
		service:      service,
		reconciler:   reconciler,
		composer:     composer,
		orchestrator: orchestrator,
		aggregator:   aggregator,
		cms:          cmsClient,
	}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		WriteJsonResponse(w, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/operators", func(r chi.Router) {
			r.Post("/structure", RestHandler(s.SubmitStructure))
			r.Post("/preprocess", RestHandler(s.SubmitPreprocess))
			r.Post("/text-matching", RestHandler(s.SubmitTextMatching))
			r.Post("/cross-tab", RestHandler(s.SubmitCrossTab))
			r.Post("/spatial-join", RestHandler(s.SubmitSpatialJoin))
			r.Post("/spatial-aggregate", RestHandler(s.SubmitSpatialAggregate))
			r.Get("/{type}/{id}", RestHandler(s.GetOperator))
			r.Post("/{type}/{id}/save", RestHandler(s.SaveOperator))
		})

		r.Post("/callbacks/tickets", RestHandler(s.TicketCallback))

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", RestHandler(s.CreateWorkflow))
			r.Get("/", RestHandler(s.ListWorkflows))
			r.Post("/import", RestHandler(s.ImportSteps))
			r.Get("/{id}", RestHandler(s.GetWorkflow))
			r.Delete("/{id}", RestHandler(s.DeleteWorkflow))
			r.Post("/{id}/steps", RestHandler(s.AppendStep))
			r.Delete("/{id}/steps/{step}", RestHandler(s.RemoveStep))
			r.Post("/{id}/runs", RestHandler(s.StartRun))
		})

		r.Get("/processing-status", RestHandler(s.ProcessingStatus))
	})
}

// submitError maps compute backend failures onto response codes. Messages
// supplied by the backend pass through verbatim.
func submitError(err error) error {
	switch {
	case errors.Is(err, compute.ErrEndpointNotConfigured):
		return CodedError(http.StatusInternalServerError, err)
	case errors.Is(err, compute.ErrNotFound):
		return CodedError(http.StatusNotFound, err)
	case errors.Is(err, compute.ErrUnauthorized):
		return CodedError(http.StatusUnauthorized, err)
	case errors.Is(err, compute.ErrServiceUnavailable):
		return CodedError(http.StatusServiceUnavailable, err)
	}

	var backendErr *compute.BackendError
	if errors.As(err, &backendErr) {
		return CodedError(http.StatusBadGateway, err)
	}
	return err
}

func (s *BackendService) SubmitStructure(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SubmitStructureRequest](r)
	if err != nil {
		return nil, err
	}
	if req.AssetId == "" || len(req.Files) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "assetId and files are required")
	}
	if len(req.Schema.Properties) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "an output schema with at least one property is required")
	}

	record, err := s.service.SubmitStructure(r.Context(), req)
	if err != nil {
		return nil, submitError(err)
	}
	return submitResponse(record), nil
}

func (s *BackendService) SubmitPreprocess(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SubmitPreprocessRequest](r)
	if err != nil {
		return nil, err
	}
	if req.AssetId == "" && req.ContentId == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "assetId or contentId is required")
	}
	switch req.InputType {
	case "json", "shapefile", "geojson", "csv":
	default:
		return nil, CodedErrorf(http.StatusBadRequest, "inputType must be one of json, shapefile, geojson, csv")
	}
	if len(req.Cleansing) == 0 && len(req.Masking) == 0 && req.Geocoding == nil {
		return nil, CodedErrorf(http.StatusBadRequest, "at least one cleansing, masking, or geocoding operation is required")
	}

	record, err := s.service.SubmitPreprocess(r.Context(), req)
	if err != nil {
		return nil, submitError(err)
	}
	return submitResponse(record), nil
}

func (s *BackendService) SubmitTextMatching(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SubmitTextMatchingRequest](r)
	if err != nil {
		return nil, err
	}
	if req.LeftContentId == "" || req.RightContentId == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "leftContentId and rightContentId are required")
	}
	if len(req.Where) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "at least one field pair to match on is required")
	}

	record, err := s.service.SubmitTextMatching(r.Context(), req)
	if err != nil {
		return nil, submitError(err)
	}
	return submitResponse(record), nil
}

func (s *BackendService) SubmitCrossTab(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SubmitCrossTabRequest](r)
	if err != nil {
		return nil, err
	}
	if req.InputContentId == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "inputContentId is required")
	}
	if len(req.KeyFields) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "at least one key field is required")
	}

	record, err := s.service.SubmitCrossTab(r.Context(), req)
	if err != nil {
		return nil, submitError(err)
	}
	return submitResponse(record), nil
}

func (s *BackendService) SubmitSpatialJoin(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SubmitSpatialJoinRequest](r)
	if err != nil {
		return nil, err
	}
	if req.LeftContentId == "" || req.RightContentId == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "leftContentId and rightContentId are required")
	}
	if req.Op != "intersects" && req.Op != "nearest" {
		return nil, CodedErrorf(http.StatusBadRequest, "op must be 'intersects' or 'nearest'")
	}

	record, err := s.service.SubmitSpatialJoin(r.Context(), req)
	if err != nil {
		return nil, submitError(err)
	}
	return submitResponse(record), nil
}

func (s *BackendService) SubmitSpatialAggregate(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SubmitSpatialAggregateRequest](r)
	if err != nil {
		return nil, err
	}
	if req.LeftContentId == "" || req.RightContentId == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "leftContentId and rightContentId are required")
	}
	if len(req.KeyFields) == 0 || len(req.Fields) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "key fields and aggregate fields are required")
	}

	record, err := s.service.SubmitSpatialAggregate(r.Context(), req)
	if err != nil {
		return nil, submitError(err)
	}
	return submitResponse(record), nil
}

func submitResponse(record database.JobRecord) api.SubmitJobResponse {
	return api.SubmitJobResponse{
		JobId:        record.JobId(),
		OperatorType: record.Operator(),
		TicketId:     record.Ticket(),
		Status:       record.JobStatus(),
	}
}

// GetOperator returns the job detail. Non-terminal jobs are refreshed from
// the backend first, so a detail read never shows stale progress.
func (s *BackendService) GetOperator(r *http.Request) (any, error) {
	operator, err := URLParamOperator(r, "type")
	if err != nil {
		return nil, err
	}
	id, err := URLParamInt64(r, "id")
	if err != nil {
		return nil, err
	}

	record, err := database.GetJob(r.Context(), s.db, operator, id)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "%s job %d not found", operator, id)
		}
		return nil, err
	}

	var fileErrors []compute.FileError
	if (record.JobStatus() == database.JobCreated || record.JobStatus() == database.JobInProgress) && record.Ticket() != "" {
		if _, failures, reconcileErr := s.reconciler.ReconcileTicket(r.Context(), record.Ticket()); reconcileErr == nil {
			fileErrors = failures
			if refreshed, getErr := database.GetJob(r.Context(), s.db, operator, id); getErr == nil {
				record = refreshed
			}
		}
	}

	detail := api.JobDetailResponse{
		JobId:        record.JobId(),
		OperatorType: record.Operator(),
		TicketId:     record.Ticket(),
		Status:       record.JobStatus(),
		Username:     record.Owner(),
		Config:       []byte(record.Config()),
	}
	detail.ModelId, detail.SchemaId = record.Destination()
	for _, failure := range fileErrors {
		detail.Errors = append(detail.Errors, api.FileError{FileId: failure.FileId, Message: failure.Message})
	}

	if execution, execErr := database.FindExecutionByOperator(r.Context(), s.db, operator, id); execErr == nil {
		detail.ExecutionUuid = execution.ExecutionUuid
		detail.Step = execution.Step
		detail.StepCount, _ = database.CountExecutionSteps(r.Context(), s.db, execution.ExecutionUuid)
	}

	return detail, nil
}

// SaveOperator renames the job's destination content and marks the job
// SAVED. Only DONE jobs can be saved.
func (s *BackendService) SaveOperator(r *http.Request) (any, error) {
	operator, err := URLParamOperator(r, "type")
	if err != nil {
		return nil, err
	}
	id, err := URLParamInt64(r, "id")
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.SaveJobRequest](r)
	if err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "name is required")
	}

	record, err := database.GetJob(r.Context(), s.db, operator, id)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "%s job %d not found", operator, id)
		}
		return nil, err
	}

	modelId, _ := record.Destination()
	if record.JobStatus() != database.JobDone || modelId == "" {
		return nil, CodedErrorf(http.StatusConflict, "%s job %d has no finished output to save", operator, id)
	}

	if err := s.cms.RenameModel(r.Context(), modelId, req.Name); err != nil {
		return nil, CodedError(http.StatusBadGateway, err)
	}

	applied, err := database.TransitionJobStatus(r.Context(), s.db, operator, id, database.JobSaved)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, CodedErrorf(http.StatusConflict, "%s job %d is no longer in a saveable state", operator, id)
	}

	return map[string]any{"jobId": id, "status": database.JobSaved}, nil
}

// TicketCallback is the push half of status reconciliation: the compute
// backend posts ticket progress here. It shares Apply with the poll path, so
// receiving both for the same ticket is harmless. Result data included with a
// finished ticket is imported into the job's destination content.
func (s *BackendService) TicketCallback(r *http.Request) (any, error) {
	req, err := ParseRequest[api.TicketCallbackRequest](r)
	if err != nil {
		return nil, err
	}
	if req.TicketId == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "ticketId is required")
	}

	record, err := database.FindJobByTicket(r.Context(), s.db, req.TicketId)
	if err != nil {
		if errors.Is(err, database.ErrJobNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "no job found for ticket %s", req.TicketId)
		}
		return nil, err
	}

	ticket := compute.Ticket{
		TicketId: req.TicketId,
		Function: req.Function,
		Process:  req.Process,
		Message:  req.Message,
		File:     req.File,
	}
	for _, file := range req.Files {
		ticket.Files = append(ticket.Files, compute.TicketFile{
			FileId:  file.FileId,
			Process: file.Process,
			Message: file.Message,
			Url:     file.Url,
		})
	}

	jobStatus, failures := ticket.Canonical()
	applied, err := s.reconciler.Apply(r.Context(), record, jobStatus, failures)
	if err != nil {
		return nil, err
	}

	// Only the delivery that settles the job imports its result data, so a
	// redelivered done callback cannot insert the rows twice.
	if applied && jobStatus == database.JobDone && len(req.Data) > 0 {
		refreshed, err := database.GetJob(r.Context(), s.db, record.Operator(), record.JobId())
		if err != nil {
			return nil, err
		}
		if modelId, _ := refreshed.Destination(); modelId != "" {
			if err := s.cms.ImportData(r.Context(), modelId, req.Data); err != nil {
				return nil, CodedError(http.StatusBadGateway, fmt.Errorf("could not import result data: %w", err))
			}
		}
	}

	return api.CallbackResponse{TicketId: req.TicketId, Status: jobStatus}, nil
}

func (s *BackendService) CreateWorkflow(r *http.Request) (any, error) {
	req, err := ParseRequest[api.CreateWorkflowRequest](r)
	if err != nil {
		return nil, err
	}

	steps := make([]workflow.StepInput, len(req.Steps))
	for i, step := range req.Steps {
		steps[i] = workflow.StepInput{OperatorType: step.OperatorType, Config: datatypes.JSON(step.Config)}
	}

	created, err := s.composer.CreateWorkflow(r.Context(), req.Name, steps)
	if err != nil {
		return nil, workflowError(err)
	}
	return workflowResponse(created), nil
}

func (s *BackendService) ListWorkflows(r *http.Request) (any, error) {
	workflows, err := s.composer.ListWorkflows(r.Context())
	if err != nil {
		return nil, err
	}

	responses := make([]api.WorkflowResponse, len(workflows))
	for i := range workflows {
		responses[i] = workflowResponse(&workflows[i])
	}
	return responses, nil
}

func (s *BackendService) GetWorkflow(r *http.Request) (any, error) {
	id, err := URLParamInt64(r, "id")
	if err != nil {
		return nil, err
	}

	found, err := s.composer.GetWorkflow(r.Context(), id)
	if err != nil {
		return nil, workflowError(err)
	}
	return workflowResponse(found), nil
}

func (s *BackendService) DeleteWorkflow(r *http.Request) (any, error) {
	id, err := URLParamInt64(r, "id")
	if err != nil {
		return nil, err
	}

	if err := s.composer.DeleteWorkflow(r.Context(), id); err != nil {
		return nil, workflowError(err)
	}
	return nil, nil
}

func (s *BackendService) AppendStep(r *http.Request) (any, error) {
	id, err := URLParamInt64(r, "id")
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.AppendStepRequest](r)
	if err != nil {
		return nil, err
	}

	updated, err := s.composer.AppendStep(r.Context(), id, workflow.StepInput{
		OperatorType: req.Step.OperatorType,
		Config:       datatypes.JSON(req.Step.Config),
	})
	if err != nil {
		return nil, workflowError(err)
	}
	return workflowResponse(updated), nil
}

func (s *BackendService) RemoveStep(r *http.Request) (any, error) {
	id, err := URLParamInt64(r, "id")
	if err != nil {
		return nil, err
	}
	step, err := URLParamInt64(r, "step")
	if err != nil {
		return nil, err
	}

	updated, err := s.composer.RemoveStep(r.Context(), id, int(step))
	if err != nil {
		return nil, workflowError(err)
	}
	return workflowResponse(updated), nil
}

func (s *BackendService) ImportSteps(r *http.Request) (any, error) {
	req, err := ParseRequest[api.ImportStepsRequest](r)
	if err != nil {
		return nil, err
	}

	created, err := s.composer.ImportSteps(r.Context(), req.Name, req.SourceWorkflow)
	if err != nil {
		return nil, workflowError(err)
	}
	return workflowResponse(created), nil
}

func (s *BackendService) StartRun(r *http.Request) (any, error) {
	id, err := URLParamInt64(r, "id")
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.StartRunRequest](r)
	if err != nil {
		return nil, err
	}

	executionUuid, err := s.orchestrator.StartRun(r.Context(), id, req.Input, req.UserId, req.Username)
	if err != nil && executionUuid == "" {
		return nil, workflowError(err)
	}
	if err != nil {
		// The run exists but halted on step 1; it stays visible in the
		// processing-status view.
		return nil, CodedError(http.StatusBadGateway, fmt.Errorf("run %s halted: %w", executionUuid, err))
	}
	return api.StartRunResponse{ExecutionUuid: executionUuid}, nil
}

func workflowError(err error) error {
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound), errors.Is(err, workflow.ErrStepNotFound):
		return CodedError(http.StatusNotFound, err)
	case errors.Is(err, workflow.ErrNoSteps),
		errors.Is(err, workflow.ErrEmptyName),
		errors.Is(err, workflow.ErrDataStructureNotFirst),
		errors.Is(err, database.ErrUnknownOperator):
		return CodedError(http.StatusBadRequest, err)
	}
	return submitError(err)
}

func workflowResponse(w *database.Workflow) api.WorkflowResponse {
	response := api.WorkflowResponse{Id: w.Id, Name: w.Name}
	for _, step := range w.Steps {
		response.Steps = append(response.Steps, api.WorkflowStepResponse{
			Step:         step.Step,
			OperatorType: step.OperatorType,
			Config:       []byte(step.ConfigJson),
		})
	}
	return response
}

func (s *BackendService) ProcessingStatus(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ProcessingStatusParams](r)
	if err != nil {
		return nil, err
	}
	if !params.Admin && params.Username == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "username is required for non-admin queries")
	}

	response, err := s.aggregator.List(r.Context(), params)
	if err != nil {
		return nil, err
	}
	return response, nil
}
