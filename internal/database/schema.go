package database

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
)

const (
	JobCreated    = "CREATED"
	JobInProgress = "IN_PROGRESS"
	JobDone       = "DONE"
	JobSaved      = "SAVED"
	JobFailed     = "FAILED"
)

const (
	OpDataStructure    = "dataStructure"
	OpPreProcessing    = "preProcessing"
	OpTextMatching     = "textMatching"
	OpCrossTab         = "crossTab"
	OpSpatialJoin      = "spatialJoin"
	OpSpatialAggregate = "spatialAggregate"
)

// OperatorTypes lists every job family in canonical order. Fan-out reads
// (status aggregation, ticket lookup) iterate this list.
var OperatorTypes = []string{
	OpDataStructure, OpPreProcessing, OpTextMatching,
	OpCrossTab, OpSpatialJoin, OpSpatialAggregate,
}

// JobCore holds the lifecycle state shared by every job family. ModelId and
// SchemaId stay empty until the destination content is materialized.
type JobCore struct {
	Id         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ConfigJson datatypes.JSON `gorm:"type:jsonb" json:"config"`
	TicketId   string         `gorm:"size:64;index" json:"ticketId"`
	ModelId    string         `gorm:"size:64" json:"modelId"`
	SchemaId   string         `gorm:"size:64" json:"schemaId"`
	Status     string         `gorm:"size:20;not null" json:"status"`
	Username   string         `gorm:"size:128;index" json:"username"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func (c *JobCore) JobId() int64 { return c.Id }

func (c *JobCore) Ticket() string { return c.TicketId }

func (c *JobCore) JobStatus() string { return c.Status }

func (c *JobCore) Destination() (string, string) { return c.ModelId, c.SchemaId }

func (c *JobCore) Owner() string { return c.Username }

func (c *JobCore) Config() datatypes.JSON { return c.ConfigJson }

func (c *JobCore) Created() time.Time { return c.CreatedAt }

// JobRecord is the capability interface shared by the six job families so the
// reconciler and the status aggregator can treat them uniformly.
type JobRecord interface {
	JobId() int64
	Operator() string
	Ticket() string
	JobStatus() string
	Destination() (modelId, schemaId string)
	Owner() string
	Config() datatypes.JSON
	Created() time.Time
}

type StructureJob struct {
	JobCore

	AssetId    string         `gorm:"size:64" json:"assetId"`
	FileIds    datatypes.JSON `gorm:"type:jsonb" json:"fileIds"`
	OutputType string         `gorm:"size:20" json:"outputType"`
}

func (*StructureJob) Operator() string { return OpDataStructure }

type PreprocessJob struct {
	JobCore

	InputId    string `gorm:"size:64" json:"inputId"`
	InputType  string `gorm:"size:20" json:"inputType"`
	OutputType string `gorm:"size:20" json:"outputType"`
}

func (*PreprocessJob) Operator() string { return OpPreProcessing }

type TextMatchJob struct {
	JobCore

	LeftContentId  string `gorm:"size:64" json:"leftContentId"`
	RightContentId string `gorm:"size:64" json:"rightContentId"`
	OutputType     string `gorm:"size:20" json:"outputType"`
}

func (*TextMatchJob) Operator() string { return OpTextMatching }

type CrossTabJob struct {
	JobCore

	InputContentId string `gorm:"size:64" json:"inputContentId"`
	OutputType     string `gorm:"size:20" json:"outputType"`
}

func (*CrossTabJob) Operator() string { return OpCrossTab }

type SpatialJoinJob struct {
	JobCore

	LeftContentId  string `gorm:"size:64" json:"leftContentId"`
	RightContentId string `gorm:"size:64" json:"rightContentId"`
}

func (*SpatialJoinJob) Operator() string { return OpSpatialJoin }

type SpatialAggregateJob struct {
	JobCore

	LeftContentId  string `gorm:"size:64" json:"leftContentId"`
	RightContentId string `gorm:"size:64" json:"rightContentId"`
}

func (*SpatialAggregateJob) Operator() string { return OpSpatialAggregate }

type Workflow struct {
	Id        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string         `gorm:"size:255;not null" json:"name"`
	Steps     []WorkflowStep `gorm:"foreignKey:WorkflowId;constraint:OnDelete:CASCADE" json:"steps"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// WorkflowStep rows for a workflow are numbered contiguously from 1. A
// dataStructure step may only ever be step 1.
type WorkflowStep struct {
	Id           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkflowId   int64          `gorm:"index;not null" json:"workflowId"`
	Step         int            `gorm:"not null" json:"step"`
	OperatorType string         `gorm:"size:32;not null" json:"operatorType"`
	ConfigJson   datatypes.JSON `gorm:"type:jsonb" json:"config"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// WorkflowExecution is one step of one run. OperatorId stays null until the
// step's job has been submitted; a run is pending while any row is null.
type WorkflowExecution struct {
	Id             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkflowStepId int64          `gorm:"index" json:"workflowStepId"`
	ExecutionUuid  string         `gorm:"size:36;index;not null" json:"executionUuid"`
	Step           int            `gorm:"not null" json:"step"`
	OperatorType   string         `gorm:"size:32;not null" json:"operatorType"`
	ConfigJson     datatypes.JSON `gorm:"type:jsonb" json:"config"`
	OperatorId     sql.NullInt64  `gorm:"index" json:"-"`
	Status         string         `gorm:"size:20;not null" json:"status"`
	UserId         string         `gorm:"size:64;index" json:"userId"`
	CreatedBy      string         `gorm:"size:128" json:"createdBy"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}
