package cms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrProjectNotConfigured = errors.New("cms project id is not configured")

// Client manages destination content in the CMS: one model (with its field
// schema) per finished job, plus data import for callback payloads.
type Client struct {
	http        *resty.Client
	projectId   string
	modelPrefix string
}

func NewClient(endpoint, projectId, modelPrefix string, timeout time.Duration) *Client {
	return &Client{
		http:        resty.New().SetBaseURL(strings.TrimRight(endpoint, "/")).SetTimeout(timeout),
		projectId:   projectId,
		modelPrefix: modelPrefix,
	}
}

// ModelName builds the canonical destination model name for a job.
func (c *Client) ModelName(operator string, jobId int64) string {
	return fmt.Sprintf("%s-%s-%d", c.modelPrefix, operator, jobId)
}

type ModelInfo struct {
	Id       string `json:"id"`
	SchemaId string `json:"schemaId"`
}

func (c *Client) CreateModel(ctx context.Context, name, description string) (ModelInfo, error) {
	if c.projectId == "" {
		return ModelInfo{}, ErrProjectNotConfigured
	}

	body := map[string]any{
		"name":        name,
		"key":         name,
		"description": description,
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&ModelInfo{}).
		Post(fmt.Sprintf("/projects/%s/models", c.projectId))
	if err != nil {
		slog.Error("error creating cms model", "name", name, "error", err)
		return ModelInfo{}, fmt.Errorf("cms model creation failed: %w", err)
	}
	if !res.IsSuccess() {
		slog.Error("cms rejected model creation", "name", name, "status_code", res.StatusCode(), "body", res.String())
		return ModelInfo{}, fmt.Errorf("cms model creation failed with status %d: %s", res.StatusCode(), res.String())
	}

	info := *res.Result().(*ModelInfo)
	if info.Id == "" || info.SchemaId == "" {
		return ModelInfo{}, fmt.Errorf("cms returned incomplete model info for %s", name)
	}
	return info, nil
}

type Field struct {
	Type     string `json:"type"`
	Key      string `json:"key"`
	Required bool   `json:"required"`
	Multiple bool   `json:"multiple"`
}

func (c *Client) CreateField(ctx context.Context, schemaId string, field Field) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(field).
		Post(fmt.Sprintf("/schemata/%s/fields", schemaId))
	if err != nil {
		slog.Error("error creating cms field", "schema_id", schemaId, "key", field.Key, "error", err)
		return fmt.Errorf("cms field creation failed for %s: %w", field.Key, err)
	}
	if !res.IsSuccess() {
		slog.Error("cms rejected field creation", "schema_id", schemaId, "key", field.Key, "status_code", res.StatusCode(), "body", res.String())
		return fmt.Errorf("cms field creation failed for %s with status %d", field.Key, res.StatusCode())
	}
	return nil
}

// ImportData loads rows into a model. MutateSchema lets the CMS grow the
// schema for keys the import introduces, which covers jobs whose output
// fields are not known at submission time.
func (c *Client) ImportData(ctx context.Context, modelId string, data json.RawMessage) error {
	body := map[string]any{
		"format":       "json",
		"strategy":     "insert",
		"mutateSchema": true,
		"data":         data,
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(fmt.Sprintf("/models/%s/contents/import", modelId))
	if err != nil {
		slog.Error("error importing data into cms model", "model_id", modelId, "error", err)
		return fmt.Errorf("cms data import failed: %w", err)
	}
	if !res.IsSuccess() {
		slog.Error("cms rejected data import", "model_id", modelId, "status_code", res.StatusCode(), "body", res.String())
		return fmt.Errorf("cms data import failed with status %d: %s", res.StatusCode(), res.String())
	}
	return nil
}

// RenameModel updates the display name of a destination model after the user
// saves the output under a name of their own.
func (c *Client) RenameModel(ctx context.Context, modelId, name string) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"name": name}).
		Patch(fmt.Sprintf("/models/%s", modelId))
	if err != nil {
		slog.Error("error renaming cms model", "model_id", modelId, "error", err)
		return fmt.Errorf("cms model rename failed: %w", err)
	}
	if !res.IsSuccess() {
		slog.Error("cms rejected model rename", "model_id", modelId, "status_code", res.StatusCode(), "body", res.String())
		return fmt.Errorf("cms model rename failed with status %d", res.StatusCode())
	}
	return nil
}
