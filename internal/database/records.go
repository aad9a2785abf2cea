package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

var (
	ErrJobNotFound     = errors.New("job record not found")
	ErrUnknownOperator = errors.New("unknown operator type")
)

type recordPtr[T any] interface {
	*T
	JobRecord
}

type jobFamily struct {
	operator string
	blank    func() JobRecord
	list     func(ctx context.Context, db *gorm.DB, scope func(*gorm.DB) *gorm.DB) ([]JobRecord, error)
}

func newJobFamily[T any, PT recordPtr[T]](operator string) jobFamily {
	return jobFamily{
		operator: operator,
		blank: func() JobRecord {
			var rec T
			return PT(&rec)
		},
		list: func(ctx context.Context, db *gorm.DB, scope func(*gorm.DB) *gorm.DB) ([]JobRecord, error) {
			var rows []T
			query := db.WithContext(ctx)
			if scope != nil {
				query = scope(query)
			}
			if err := query.Find(&rows).Error; err != nil {
				return nil, fmt.Errorf("could not list %s jobs: %w", operator, err)
			}
			records := make([]JobRecord, len(rows))
			for i := range rows {
				records[i] = PT(&rows[i])
			}
			return records, nil
		},
	}
}

var jobFamilies = []jobFamily{
	newJobFamily[StructureJob](OpDataStructure),
	newJobFamily[PreprocessJob](OpPreProcessing),
	newJobFamily[TextMatchJob](OpTextMatching),
	newJobFamily[CrossTabJob](OpCrossTab),
	newJobFamily[SpatialJoinJob](OpSpatialJoin),
	newJobFamily[SpatialAggregateJob](OpSpatialAggregate),
}

func familyFor(operator string) (jobFamily, error) {
	for _, fam := range jobFamilies {
		if fam.operator == operator {
			return fam, nil
		}
	}
	return jobFamily{}, fmt.Errorf("%w: %s", ErrUnknownOperator, operator)
}

func CreateJob(ctx context.Context, db *gorm.DB, record JobRecord) error {
	if err := db.WithContext(ctx).Create(record).Error; err != nil {
		slog.Error("error creating job record", "operator", record.Operator(), "error", err)
		return fmt.Errorf("could not create %s job: %w", record.Operator(), err)
	}
	slog.Info("job record created", "operator", record.Operator(), "job_id", record.JobId(), "ticket_id", record.Ticket(), "status", record.JobStatus())
	return nil
}

func GetJob(ctx context.Context, db *gorm.DB, operator string, id int64) (JobRecord, error) {
	fam, err := familyFor(operator)
	if err != nil {
		return nil, err
	}

	record := fam.blank()
	if err := db.WithContext(ctx).First(record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("could not load %s job %d: %w", operator, id, err)
	}
	return record, nil
}

// FindJobByTicket scans every job family for the given ticket id. Used by the
// callback and reconcile paths, which only know the backend's ticket.
func FindJobByTicket(ctx context.Context, db *gorm.DB, ticketId string) (JobRecord, error) {
	if ticketId == "" {
		return nil, ErrJobNotFound
	}

	for _, fam := range jobFamilies {
		record := fam.blank()
		err := db.WithContext(ctx).First(record, "ticket_id = ?", ticketId).Error
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("could not search %s jobs for ticket %s: %w", fam.operator, ticketId, err)
		}
	}
	return nil, ErrJobNotFound
}

func ListJobs(ctx context.Context, db *gorm.DB, operator string, scope func(*gorm.DB) *gorm.DB) ([]JobRecord, error) {
	fam, err := familyFor(operator)
	if err != nil {
		return nil, err
	}
	return fam.list(ctx, db, scope)
}

// ListActiveTickets returns every job across all families that has been
// accepted by the backend but has not reached a terminal status. The poll
// sweep reconciles these.
func ListActiveTickets(ctx context.Context, db *gorm.DB) ([]JobRecord, error) {
	var active []JobRecord
	for _, fam := range jobFamilies {
		records, err := fam.list(ctx, db, func(query *gorm.DB) *gorm.DB {
			return query.Where("status IN ? AND ticket_id <> ''", []string{JobCreated, JobInProgress})
		})
		if err != nil {
			return nil, err
		}
		active = append(active, records...)
	}
	return active, nil
}

type JobUpdates struct {
	TicketId *string
	ModelId  *string
	SchemaId *string
}

// UpdateJobFields applies field-level updates to a job row. It never writes
// the whole row, so concurrent status transitions are not clobbered.
func UpdateJobFields(ctx context.Context, db *gorm.DB, operator string, id int64, updates JobUpdates) error {
	fam, err := familyFor(operator)
	if err != nil {
		return err
	}

	fields := map[string]any{}
	if updates.TicketId != nil {
		fields["ticket_id"] = *updates.TicketId
	}
	if updates.ModelId != nil {
		fields["model_id"] = *updates.ModelId
	}
	if updates.SchemaId != nil {
		fields["schema_id"] = *updates.SchemaId
	}
	if len(fields) == 0 {
		return nil
	}

	result := db.WithContext(ctx).Model(fam.blank()).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		slog.Error("error updating job fields", "operator", operator, "job_id", id, "error", result.Error)
		return fmt.Errorf("could not update %s job %d: %w", operator, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func legalPredecessors(to string) []string {
	switch to {
	case JobInProgress:
		return []string{JobCreated}
	case JobDone, JobFailed:
		return []string{JobCreated, JobInProgress}
	case JobSaved:
		return []string{JobDone}
	}
	return nil
}

// TransitionJobStatus moves a job to the given status with a guarded UPDATE
// constrained to the legal predecessor statuses. It reports whether the
// transition applied; a false result means the row was already at or past the
// target, which makes duplicated callback and poll deliveries harmless. The
// winner of the guarded update on a terminal transition is the one caller
// that runs the associated side effects.
func TransitionJobStatus(ctx context.Context, db *gorm.DB, operator string, id int64, to string) (bool, error) {
	from := legalPredecessors(to)
	if from == nil {
		return false, fmt.Errorf("illegal target status %q", to)
	}

	fam, err := familyFor(operator)
	if err != nil {
		return false, err
	}

	var before string
	db.WithContext(ctx).Model(fam.blank()).Select("status").Where("id = ?", id).Scan(&before)

	result := db.WithContext(ctx).
		Model(fam.blank()).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if result.Error != nil {
		slog.Error("error updating job status", "operator", operator, "job_id", id, "status", to, "error", result.Error)
		return false, fmt.Errorf("could not update %s job %d status: %w", operator, id, result.Error)
	}

	applied := result.RowsAffected > 0
	if applied {
		slog.Info("job status updated", "operator", operator, "job_id", id, "from", before, "to", to)
	} else {
		slog.Info("job status transition skipped", "operator", operator, "job_id", id, "current", before, "requested", to)
	}
	return applied, nil
}
