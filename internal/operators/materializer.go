package operators

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gorm.io/gorm"

	"operator-backend/internal/cms"
	"operator-backend/internal/database"
	"operator-backend/pkg/api"
)

// Materializer creates the destination content for a finished job: a CMS
// model named after the job plus one field per property of the job's output
// schema. The caller guarantees it runs at most once per job.
type Materializer struct {
	db  *gorm.DB
	cms *cms.Client
}

func NewMaterializer(db *gorm.DB, cmsClient *cms.Client) *Materializer {
	return &Materializer{db: db, cms: cmsClient}
}

func (m *Materializer) Materialize(ctx context.Context, record database.JobRecord) (cms.ModelInfo, error) {
	name := m.cms.ModelName(record.Operator(), record.JobId())
	description := fmt.Sprintf("Output of %s job %d", record.Operator(), record.JobId())

	info, err := m.cms.CreateModel(ctx, name, description)
	if err != nil {
		return cms.ModelInfo{}, err
	}

	if schema, ok := outputSchema(json.RawMessage(record.Config())); ok {
		if err := m.createFields(ctx, info.SchemaId, schema); err != nil {
			// The container is kept so the partial result stays inspectable.
			return cms.ModelInfo{}, err
		}
	}

	updates := database.JobUpdates{ModelId: &info.Id, SchemaId: &info.SchemaId}
	if err := database.UpdateJobFields(ctx, m.db, record.Operator(), record.JobId(), updates); err != nil {
		return cms.ModelInfo{}, err
	}

	slog.Info("destination content materialized", "operator", record.Operator(), "job_id", record.JobId(), "model_id", info.Id, "schema_id", info.SchemaId)
	return info, nil
}

func outputSchema(config json.RawMessage) (*api.OutputSchema, bool) {
	if len(config) == 0 {
		return nil, false
	}
	var wrapper struct {
		Schema *api.OutputSchema `json:"schema"`
	}
	if err := json.Unmarshal(config, &wrapper); err != nil {
		return nil, false
	}
	if wrapper.Schema == nil || len(wrapper.Schema.Properties) == 0 {
		return nil, false
	}
	return wrapper.Schema, true
}

func (m *Materializer) createFields(ctx context.Context, schemaId string, schema *api.OutputSchema) error {
	keys := make([]string, 0, len(schema.Properties))
	for key := range schema.Properties {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := schema.Properties[keys[i]], schema.Properties[keys[j]]
		if pi.Position != pj.Position {
			return pi.Position < pj.Position
		}
		return keys[i] < keys[j]
	})

	var failed []string
	for _, key := range keys {
		property := schema.Properties[key]
		field := cms.Field{
			Type:     FieldType(property.Type),
			Key:      key,
			Multiple: property.Type == "array",
		}
		if err := m.cms.CreateField(ctx, schemaId, field); err != nil {
			slog.Error("error creating destination field", "schema_id", schemaId, "key", key, "error", err)
			failed = append(failed, key)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed to create %d of %d destination fields: %s", len(failed), len(keys), strings.Join(failed, ", "))
	}
	return nil
}

// FieldType maps a source property type onto the CMS field vocabulary.
// Geometry and other CMS-native types pass through unchanged.
func FieldType(propertyType string) string {
	switch propertyType {
	case "string", "array":
		return "text"
	case "number":
		return "integer"
	case "boolean":
		return "bool"
	case "geometry":
		return "geo"
	}
	return propertyType
}
