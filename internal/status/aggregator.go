package status

import (
	"context"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"operator-backend/internal/database"
	"operator-backend/pkg/api"
)

const defaultPerPage = 20

// Aggregator builds the processing-status view: every job across all six
// families plus the not-yet-submitted steps of workflow runs. Admins see
// everything, other users only their own rows.
type Aggregator struct {
	db *gorm.DB
}

func NewAggregator(db *gorm.DB) *Aggregator {
	return &Aggregator{db: db}
}

type executionKey struct {
	operatorType string
	operatorId   int64
}

type datedItem struct {
	item    api.ProcessingStatusItem
	created time.Time
}

func (a *Aggregator) List(ctx context.Context, params api.ProcessingStatusParams) (*api.ProcessingStatusResponse, error) {
	username := params.Username
	if params.Admin {
		username = ""
	}

	executions, err := database.ListExecutions(ctx, a.db, username)
	if err != nil {
		return nil, err
	}

	stepCounts := map[string]int{}
	byOperator := map[executionKey]*database.WorkflowExecution{}
	for i := range executions {
		execution := &executions[i]
		stepCounts[execution.ExecutionUuid]++
		if execution.OperatorId.Valid {
			key := executionKey{execution.OperatorType, execution.OperatorId.Int64}
			byOperator[key] = execution
		}
	}

	var items []datedItem
	for _, operator := range database.OperatorTypes {
		var scope func(*gorm.DB) *gorm.DB
		if username != "" {
			scope = func(query *gorm.DB) *gorm.DB { return query.Where("username = ?", username) }
		}

		records, err := database.ListJobs(ctx, a.db, operator, scope)
		if err != nil {
			return nil, err
		}

		for _, record := range records {
			modelId, _ := record.Destination()
			item := api.ProcessingStatusItem{
				OperatorType: record.Operator(),
				JobId:        record.JobId(),
				TicketId:     record.Ticket(),
				ModelId:      modelId,
				Status:       record.JobStatus(),
				Username:     record.Owner(),
				CreatedAt:    record.Created().UTC().Format(time.RFC3339),
			}
			if execution, ok := byOperator[executionKey{record.Operator(), record.JobId()}]; ok {
				item.ExecutionUuid = execution.ExecutionUuid
				item.Step = execution.Step
				item.StepCount = stepCounts[execution.ExecutionUuid]
			}
			items = append(items, datedItem{item: item, created: record.Created()})
		}
	}

	if params.Keyword != "" {
		items = filterByKeyword(items, params.Keyword)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].created.After(items[j].created)
	})

	total := len(items)
	page := paginate(items, params.Page, params.PerPage)
	jobs := make([]api.ProcessingStatusItem, len(page))
	for i, dated := range page {
		jobs[i] = dated.item
	}

	pending, err := a.pendingExecutions(ctx, username, stepCounts)
	if err != nil {
		return nil, err
	}

	return &api.ProcessingStatusResponse{
		Jobs:              jobs,
		PendingExecutions: pending,
		TotalCount:        total,
	}, nil
}

func (a *Aggregator) pendingExecutions(ctx context.Context, username string, stepCounts map[string]int) ([]api.PendingExecutionItem, error) {
	rows, err := database.ListPendingExecutions(ctx, a.db, username)
	if err != nil {
		return nil, err
	}

	pending := make([]api.PendingExecutionItem, len(rows))
	for i, row := range rows {
		pending[i] = api.PendingExecutionItem{
			ExecutionUuid: row.ExecutionUuid,
			Step:          row.Step,
			StepCount:     stepCounts[row.ExecutionUuid],
			OperatorType:  row.OperatorType,
			Status:        row.Status,
			CreatedBy:     row.CreatedBy,
			CreatedAt:     row.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return pending, nil
}

func filterByKeyword(items []datedItem, keyword string) []datedItem {
	keyword = strings.ToLower(keyword)
	var filtered []datedItem
	for _, dated := range items {
		if strings.Contains(strings.ToLower(dated.item.OperatorType), keyword) {
			filtered = append(filtered, dated)
		}
	}
	return filtered
}

func paginate(items []datedItem, page, perPage int) []datedItem {
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if page <= 0 {
		page = 1
	}

	start := (page - 1) * perPage
	if start >= len(items) {
		return nil
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
