package api

import "encoding/json"

// Property describes one output field of a structuring or pre-processing job.
// Type uses the source vocabulary (string, number, boolean, array, geometry); the
// destination CMS field type is derived from it at materialization time.
type Property struct {
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Keyword     string `json:"keyword,omitempty"`
	Description string `json:"description,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Position    int    `json:"position,omitempty"`
}

type OutputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
}

type FileInput struct {
	Id  string `json:"id"`
	Url string `json:"url"`
}

type SubmitStructureRequest struct {
	Username      string       `json:"username"`
	AssetId       string       `json:"assetId"`
	Files         []FileInput  `json:"files"`
	Schema        OutputSchema `json:"schema"`
	GenSourceName []string     `json:"genSourceName,omitempty"`
	Prompt        string       `json:"prompt,omitempty"`
	OutputType    string       `json:"outputType,omitempty"`
}

type CleansingOp struct {
	Type      string   `json:"type"`
	Field     string   `json:"field,omitempty"`
	Fields    []string `json:"fields,omitempty"`
	Target    string   `json:"target,omitempty"`
	Replace   string   `json:"replace,omitempty"`
	Condition string   `json:"condition,omitempty"`
	DataType  string   `json:"dataType,omitempty"`
}

type MaskingOp struct {
	Type       string `json:"type"`
	Field      string `json:"field"`
	Prefix     string `json:"prefix,omitempty"`
	MaxRank    int    `json:"maxRank,omitempty"`
	RankRanges string `json:"rankRanges,omitempty"`
}

type GeocodingConfig struct {
	AddressField string `json:"addressField"`
	OutputField  string `json:"outputField,omitempty"`
}

// SubmitPreprocessRequest covers both cleansing and masking jobs. A non-empty
// Masking list routes the submission to the backend's masking endpoint.
// Exactly one of AssetId and ContentId names the data source; InputType is
// the source data format and is forwarded to the backend as-is.
type SubmitPreprocessRequest struct {
	Username     string           `json:"username"`
	AssetId      string           `json:"assetId,omitempty"`
	ContentId    string           `json:"contentId,omitempty"`
	InputType    string           `json:"inputType"` // json | shapefile | geojson | csv
	Cleansing    []CleansingOp    `json:"cleansing,omitempty"`
	Masking      []MaskingOp      `json:"masking,omitempty"`
	Geocoding    *GeocodingConfig `json:"geocoding,omitempty"`
	DocumentName string           `json:"documentName,omitempty"`
	OutputType   string           `json:"outputType,omitempty"`
}

type MatchPair struct {
	LeftField  string `json:"leftField"`
	RightField string `json:"rightField"`
}

type SubmitTextMatchingRequest struct {
	Username       string      `json:"username"`
	LeftContentId  string      `json:"leftContentId"`
	RightContentId string      `json:"rightContentId"`
	Where          []MatchPair `json:"where"`
	KeepFields     []string    `json:"keepFields,omitempty"`
	OutputType     string      `json:"outputType,omitempty"`
}

type AggregateField struct {
	Name  string `json:"name"`
	Sum   bool   `json:"sum,omitempty"`
	Avg   bool   `json:"avg,omitempty"`
	Count bool   `json:"count,omitempty"`
}

type SubmitCrossTabRequest struct {
	Username       string           `json:"username"`
	InputContentId string           `json:"inputContentId"`
	KeyFields      []string         `json:"keyFields"`
	Fields         []AggregateField `json:"fields"`
	OutputType     string           `json:"outputType,omitempty"`
}

type SubmitSpatialJoinRequest struct {
	Username       string   `json:"username"`
	LeftContentId  string   `json:"leftContentId"`
	RightContentId string   `json:"rightContentId"`
	Op             string   `json:"op"` // intersects | nearest
	Distance       *float64 `json:"distance,omitempty"`
	KeepFields     []string `json:"keepFields,omitempty"`
}

type SubmitSpatialAggregateRequest struct {
	Username       string           `json:"username"`
	LeftContentId  string           `json:"leftContentId"`
	RightContentId string           `json:"rightContentId"`
	KeyFields      []string         `json:"keyFields"`
	Fields         []AggregateField `json:"fields"`
}

type SubmitJobResponse struct {
	JobId        int64  `json:"jobId"`
	OperatorType string `json:"operatorType"`
	TicketId     string `json:"ticketId"`
	Status       string `json:"status"`
}

type FileError struct {
	FileId  string `json:"fileId,omitempty"`
	Message string `json:"message"`
}

type JobDetailResponse struct {
	JobId        int64           `json:"jobId"`
	OperatorType string          `json:"operatorType"`
	TicketId     string          `json:"ticketId"`
	ModelId      string          `json:"modelId"`
	SchemaId     string          `json:"schemaId"`
	Status       string          `json:"status"`
	Username     string          `json:"username"`
	Config       json.RawMessage `json:"config,omitempty"`
	Errors       []FileError     `json:"errors,omitempty"`

	// Set when the job is a step of a workflow run.
	ExecutionUuid string `json:"executionUuid,omitempty"`
	Step          int    `json:"step,omitempty"`
	StepCount     int    `json:"stepCount,omitempty"`
}

type SaveJobRequest struct {
	Name string `json:"name"`
}

type CallbackFile struct {
	FileId  string `json:"fileId"`
	Process string `json:"process"`
	Message string `json:"message,omitempty"`
	Url     string `json:"url,omitempty"`
}

// TicketCallbackRequest is the push notification the compute backend sends to
// the apiEndpoint it was given at submission. The shape mirrors the ticket
// status query: multi-file structuring tickets carry Files, everything else
// reports a single Process. Data, when present, is imported into the job's
// destination content.
type TicketCallbackRequest struct {
	TicketId string          `json:"ticketId"`
	Function string          `json:"function,omitempty"`
	Process  string          `json:"process,omitempty"`
	Message  string          `json:"message,omitempty"`
	File     string          `json:"file,omitempty"`
	Files    []CallbackFile  `json:"files,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type CallbackResponse struct {
	TicketId string `json:"ticketId"`
	Status   string `json:"status"`
}

type WorkflowStepInput struct {
	OperatorType string          `json:"operatorType"`
	Config       json.RawMessage `json:"config,omitempty"`
}

type CreateWorkflowRequest struct {
	Name  string              `json:"name"`
	Steps []WorkflowStepInput `json:"steps"`
}

type AppendStepRequest struct {
	Step WorkflowStepInput `json:"step"`
}

type ImportStepsRequest struct {
	Name           string `json:"name"`
	SourceWorkflow int64  `json:"sourceWorkflow"`
}

type WorkflowStepResponse struct {
	Step         int             `json:"step"`
	OperatorType string          `json:"operatorType"`
	Config       json.RawMessage `json:"config,omitempty"`
}

type WorkflowResponse struct {
	Id    int64                  `json:"id"`
	Name  string                 `json:"name"`
	Steps []WorkflowStepResponse `json:"steps"`
}

type StartRunRequest struct {
	Input    json.RawMessage `json:"input"`
	UserId   string          `json:"userId"`
	Username string          `json:"username"`
}

type StartRunResponse struct {
	ExecutionUuid string `json:"executionUuid"`
}

type ProcessingStatusParams struct {
	Username string `schema:"username"`
	Admin    bool   `schema:"admin"`
	Keyword  string `schema:"keyword"`
	Page     int    `schema:"page"`
	PerPage  int    `schema:"perPage"`
}

type ProcessingStatusItem struct {
	OperatorType string `json:"operatorType"`
	JobId        int64  `json:"jobId"`
	TicketId     string `json:"ticketId,omitempty"`
	ModelId      string `json:"modelId,omitempty"`
	Status       string `json:"status"`
	Username     string `json:"username"`
	CreatedAt    string `json:"createdAt"`

	ExecutionUuid string `json:"executionUuid,omitempty"`
	Step          int    `json:"step,omitempty"`
	StepCount     int    `json:"stepCount,omitempty"`
}

type PendingExecutionItem struct {
	ExecutionUuid string `json:"executionUuid"`
	Step          int    `json:"step"`
	StepCount     int    `json:"stepCount"`
	OperatorType  string `json:"operatorType"`
	Status        string `json:"status"`
	CreatedBy     string `json:"createdBy"`
	CreatedAt     string `json:"createdAt"`
}

type ProcessingStatusResponse struct {
	Jobs              []ProcessingStatusItem `json:"jobs"`
	PendingExecutions []PendingExecutionItem `json:"pendingExecutions"`
	TotalCount        int                    `json:"totalCount"`
}
