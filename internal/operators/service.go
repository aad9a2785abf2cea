package operators

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"operator-backend/internal/compute"
	"operator-backend/internal/database"
	"operator-backend/pkg/api"
)

// Service submits operator jobs to the compute backend and persists one job
// record per accepted submission. A record is only created once the backend
// has returned a ticket id, so a stored ticket always refers to work the
// backend accepted.
type Service struct {
	db      *gorm.DB
	compute *compute.Client
}

func NewService(db *gorm.DB, computeClient *compute.Client) *Service {
	return &Service{db: db, compute: computeClient}
}

func (s *Service) submit(ctx context.Context, route string, payload map[string]any) (string, error) {
	payload["apiEndpoint"] = s.compute.CallbackURL()
	return s.compute.Submit(ctx, route, payload)
}

func (s *Service) SubmitStructure(ctx context.Context, req api.SubmitStructureRequest) (database.JobRecord, error) {
	ticket, err := s.submit(ctx, compute.RouteStructure, map[string]any{
		"mode":          "create",
		"files":         req.Files,
		"content":       req.Schema,
		"genSourceName": req.GenSourceName,
		"prompt":        req.Prompt,
		"type_output":   req.OutputType,
	})
	if err != nil {
		return nil, err
	}

	config, fileIds, err := structureConfig(req)
	if err != nil {
		return nil, err
	}

	job := &database.StructureJob{
		JobCore: database.JobCore{
			ConfigJson: config,
			TicketId:   ticket,
			Status:     database.JobCreated,
			Username:   req.Username,
		},
		AssetId:    req.AssetId,
		FileIds:    fileIds,
		OutputType: req.OutputType,
	}
	if err := database.CreateJob(ctx, s.db, job); err != nil {
		return nil, err
	}
	return job, nil
}

func structureConfig(req api.SubmitStructureRequest) ([]byte, []byte, error) {
	config, err := json.Marshal(map[string]any{
		"schema":        req.Schema,
		"genSourceName": req.GenSourceName,
		"prompt":        req.Prompt,
		"outputType":    req.OutputType,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("could not marshal structure config: %w", err)
	}

	ids := make([]string, len(req.Files))
	for i, file := range req.Files {
		ids[i] = file.Id
	}
	fileIds, err := json.Marshal(ids)
	if err != nil {
		return nil, nil, fmt.Errorf("could not marshal file ids: %w", err)
	}
	return config, fileIds, nil
}

func (s *Service) SubmitPreprocess(ctx context.Context, req api.SubmitPreprocessRequest) (database.JobRecord, error) {
	masking := len(req.Masking) > 0

	inputId, inputKind := req.AssetId, "asset"
	if inputId == "" {
		inputId, inputKind = req.ContentId, "content"
	}

	payload := map[string]any{
		"input": inputId,
	}
	if masking {
		payload["option"] = req.Masking
	} else {
		payload["inputType"] = req.InputType
		payload["normalizeCrs"] = true
		payload["cleansing"] = req.Cleansing
		if req.Geocoding != nil {
			payload["geocoding"] = req.Geocoding
		}
		if req.DocumentName != "" {
			payload["documentName"] = req.DocumentName
		}
	}

	route, err := compute.SubmitRoute(database.OpPreProcessing, masking)
	if err != nil {
		return nil, err
	}
	ticket, err := s.submit(ctx, route, payload)
	if err != nil {
		return nil, err
	}

	config, err := marshalConfig(req, "preprocess")
	if err != nil {
		return nil, err
	}

	job := &database.PreprocessJob{
		JobCore: database.JobCore{
			ConfigJson: config,
			TicketId:   ticket,
			Status:     database.JobCreated,
			Username:   req.Username,
		},
		InputId:    inputId,
		InputType:  inputKind,
		OutputType: req.OutputType,
	}
	if err := database.CreateJob(ctx, s.db, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) SubmitTextMatching(ctx context.Context, req api.SubmitTextMatchingRequest) (database.JobRecord, error) {
	ticket, err := s.submit(ctx, compute.RouteTextMatch, map[string]any{
		"leftContentId":  req.LeftContentId,
		"rightContentId": req.RightContentId,
		"where":          req.Where,
		"keepFields":     req.KeepFields,
	})
	if err != nil {
		return nil, err
	}

	config, err := marshalConfig(req, "text matching")
	if err != nil {
		return nil, err
	}

	job := &database.TextMatchJob{
		JobCore: database.JobCore{
			ConfigJson: config,
			TicketId:   ticket,
			Status:     database.JobCreated,
			Username:   req.Username,
		},
		LeftContentId:  req.LeftContentId,
		RightContentId: req.RightContentId,
		OutputType:     req.OutputType,
	}
	if err := database.CreateJob(ctx, s.db, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) SubmitCrossTab(ctx context.Context, req api.SubmitCrossTabRequest) (database.JobRecord, error) {
	ticket, err := s.submit(ctx, compute.RouteCrossTab, map[string]any{
		"input":     req.InputContentId,
		"keyFields": req.KeyFields,
		"fields":    req.Fields,
	})
	if err != nil {
		return nil, err
	}

	config, err := marshalConfig(req, "cross tab")
	if err != nil {
		return nil, err
	}

	job := &database.CrossTabJob{
		JobCore: database.JobCore{
			ConfigJson: config,
			TicketId:   ticket,
			Status:     database.JobCreated,
			Username:   req.Username,
		},
		InputContentId: req.InputContentId,
		OutputType:     req.OutputType,
	}
	if err := database.CreateJob(ctx, s.db, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) SubmitSpatialJoin(ctx context.Context, req api.SubmitSpatialJoinRequest) (database.JobRecord, error) {
	payload := map[string]any{
		"inputLeft":  req.LeftContentId,
		"inputRight": req.RightContentId,
		"op":         req.Op,
		"keepFields": req.KeepFields,
	}
	if req.Distance != nil {
		payload["distance"] = *req.Distance
	}

	ticket, err := s.submit(ctx, compute.RouteSpatialJoin, payload)
	if err != nil {
		return nil, err
	}

	config, err := marshalConfig(req, "spatial join")
	if err != nil {
		return nil, err
	}

	job := &database.SpatialJoinJob{
		JobCore: database.JobCore{
			ConfigJson: config,
			TicketId:   ticket,
			Status:     database.JobCreated,
			Username:   req.Username,
		},
		LeftContentId:  req.LeftContentId,
		RightContentId: req.RightContentId,
	}
	if err := database.CreateJob(ctx, s.db, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) SubmitSpatialAggregate(ctx context.Context, req api.SubmitSpatialAggregateRequest) (database.JobRecord, error) {
	ticket, err := s.submit(ctx, compute.RouteSpatialAggregate, map[string]any{
		"inputLeft":  req.LeftContentId,
		"inputRight": req.RightContentId,
		"keyFields":  req.KeyFields,
		"fields":     req.Fields,
	})
	if err != nil {
		return nil, err
	}

	config, err := marshalConfig(req, "spatial aggregate")
	if err != nil {
		return nil, err
	}

	job := &database.SpatialAggregateJob{
		JobCore: database.JobCore{
			ConfigJson: config,
			TicketId:   ticket,
			Status:     database.JobCreated,
			Username:   req.Username,
		},
		LeftContentId:  req.LeftContentId,
		RightContentId: req.RightContentId,
	}
	if err := database.CreateJob(ctx, s.db, job); err != nil {
		return nil, err
	}
	return job, nil
}

func marshalConfig(req any, name string) ([]byte, error) {
	config, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s config: %w", name, err)
	}
	return config, nil
}

// SubmitFromConfig submits a workflow step: the step's stored config is the
// request template, and the run input (or the previous step's output model
// id) fills in the data source. A bare JSON string input is a content id.
func (s *Service) SubmitFromConfig(ctx context.Context, operatorType string, input, config json.RawMessage, username string) (database.JobRecord, error) {
	switch operatorType {
	case database.OpDataStructure:
		var req api.SubmitStructureRequest
		if err := overlay(&req, config, input); err != nil {
			return nil, err
		}
		req.Username = username
		return s.SubmitStructure(ctx, req)

	case database.OpPreProcessing:
		var req api.SubmitPreprocessRequest
		if err := overlay(&req, config, nil); err != nil {
			return nil, err
		}
		if contentId, ok := asContentId(input); ok {
			req.AssetId = ""
			req.ContentId = contentId
		} else if err := overlay(&req, nil, input); err != nil {
			return nil, err
		}
		// Upstream steps always produce JSON contents.
		if req.InputType == "" {
			req.InputType = "json"
		}
		req.Username = username
		return s.SubmitPreprocess(ctx, req)

	case database.OpTextMatching:
		var req api.SubmitTextMatchingRequest
		if err := overlay(&req, config, nil); err != nil {
			return nil, err
		}
		if contentId, ok := asContentId(input); ok {
			req.LeftContentId = contentId
		}
		req.Username = username
		return s.SubmitTextMatching(ctx, req)

	case database.OpCrossTab:
		var req api.SubmitCrossTabRequest
		if err := overlay(&req, config, nil); err != nil {
			return nil, err
		}
		if contentId, ok := asContentId(input); ok {
			req.InputContentId = contentId
		}
		req.Username = username
		return s.SubmitCrossTab(ctx, req)

	case database.OpSpatialJoin:
		var req api.SubmitSpatialJoinRequest
		if err := overlay(&req, config, nil); err != nil {
			return nil, err
		}
		if contentId, ok := asContentId(input); ok {
			req.LeftContentId = contentId
		}
		req.Username = username
		return s.SubmitSpatialJoin(ctx, req)

	case database.OpSpatialAggregate:
		var req api.SubmitSpatialAggregateRequest
		if err := overlay(&req, config, nil); err != nil {
			return nil, err
		}
		if contentId, ok := asContentId(input); ok {
			req.LeftContentId = contentId
		}
		req.Username = username
		return s.SubmitSpatialAggregate(ctx, req)
	}

	slog.Error("cannot submit workflow step", "operator", operatorType)
	return nil, fmt.Errorf("%w: %s", database.ErrUnknownOperator, operatorType)
}

func overlay(req any, layers ...json.RawMessage) error {
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		if err := json.Unmarshal(layer, req); err != nil {
			return fmt.Errorf("invalid step config: %w", err)
		}
	}
	return nil
}

func asContentId(input json.RawMessage) (string, bool) {
	var id string
	if err := json.Unmarshal(input, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}
