package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"operator-backend/internal/database"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

func TestGetJobDispatchesByOperator(t *testing.T) {
	db := createDB(t,
		&database.PreprocessJob{JobCore: database.JobCore{Status: database.JobCreated, Username: "u1"}, InputId: "c1", InputType: "content"},
		&database.CrossTabJob{JobCore: database.JobCore{Status: database.JobCreated, Username: "u2"}, InputContentId: "c2"},
	)

	ctx := context.Background()

	record, err := database.GetJob(ctx, db, database.OpPreProcessing, 1)
	require.NoError(t, err)
	assert.Equal(t, database.OpPreProcessing, record.Operator())
	assert.Equal(t, "u1", record.Owner())

	record, err = database.GetJob(ctx, db, database.OpCrossTab, 1)
	require.NoError(t, err)
	assert.Equal(t, database.OpCrossTab, record.Operator())

	_, err = database.GetJob(ctx, db, database.OpSpatialJoin, 1)
	assert.ErrorIs(t, err, database.ErrJobNotFound)

	_, err = database.GetJob(ctx, db, "reticulation", 1)
	assert.ErrorIs(t, err, database.ErrUnknownOperator)
}

func TestFindJobByTicketScansAllFamilies(t *testing.T) {
	db := createDB(t,
		&database.StructureJob{JobCore: database.JobCore{TicketId: "t-structure", Status: database.JobCreated}},
		&database.SpatialJoinJob{JobCore: database.JobCore{TicketId: "t-spatial", Status: database.JobInProgress}},
	)

	ctx := context.Background()

	record, err := database.FindJobByTicket(ctx, db, "t-spatial")
	require.NoError(t, err)
	assert.Equal(t, database.OpSpatialJoin, record.Operator())
	assert.Equal(t, "t-spatial", record.Ticket())

	_, err = database.FindJobByTicket(ctx, db, "t-missing")
	assert.ErrorIs(t, err, database.ErrJobNotFound)

	_, err = database.FindJobByTicket(ctx, db, "")
	assert.ErrorIs(t, err, database.ErrJobNotFound)
}

func TestTransitionJobStatus(t *testing.T) {
	db := createDB(t,
		&database.PreprocessJob{JobCore: database.JobCore{TicketId: "t1", Status: database.JobCreated}},
	)

	ctx := context.Background()

	applied, err := database.TransitionJobStatus(ctx, db, database.OpPreProcessing, 1, database.JobInProgress)
	require.NoError(t, err)
	assert.True(t, applied)

	// Duplicate delivery of the same transition is a no-op.
	applied, err = database.TransitionJobStatus(ctx, db, database.OpPreProcessing, 1, database.JobInProgress)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = database.TransitionJobStatus(ctx, db, database.OpPreProcessing, 1, database.JobDone)
	require.NoError(t, err)
	assert.True(t, applied)

	// Terminal statuses never move backwards or sideways.
	applied, err = database.TransitionJobStatus(ctx, db, database.OpPreProcessing, 1, database.JobFailed)
	require.NoError(t, err)
	assert.False(t, applied)
	applied, err = database.TransitionJobStatus(ctx, db, database.OpPreProcessing, 1, database.JobInProgress)
	require.NoError(t, err)
	assert.False(t, applied)

	// SAVED is reachable from DONE only.
	applied, err = database.TransitionJobStatus(ctx, db, database.OpPreProcessing, 1, database.JobSaved)
	require.NoError(t, err)
	assert.True(t, applied)

	record, err := database.GetJob(ctx, db, database.OpPreProcessing, 1)
	require.NoError(t, err)
	assert.Equal(t, database.JobSaved, record.JobStatus())

	_, err = database.TransitionJobStatus(ctx, db, database.OpPreProcessing, 1, database.JobCreated)
	assert.Error(t, err)
}

func TestTransitionSkipsCreatedToDoneRace(t *testing.T) {
	db := createDB(t,
		&database.TextMatchJob{JobCore: database.JobCore{TicketId: "t1", Status: database.JobCreated}},
	)

	ctx := context.Background()

	// A callback may arrive before any poll marked the job in progress.
	applied, err := database.TransitionJobStatus(ctx, db, database.OpTextMatching, 1, database.JobDone)
	require.NoError(t, err)
	assert.True(t, applied)

	// The late poll observing in-progress state must not regress the job.
	applied, err = database.TransitionJobStatus(ctx, db, database.OpTextMatching, 1, database.JobInProgress)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestUpdateJobFields(t *testing.T) {
	db := createDB(t,
		&database.CrossTabJob{JobCore: database.JobCore{TicketId: "t1", Status: database.JobDone}, InputContentId: "c1"},
	)

	ctx := context.Background()

	modelId, schemaId := "m1", "s1"
	err := database.UpdateJobFields(ctx, db, database.OpCrossTab, 1, database.JobUpdates{ModelId: &modelId, SchemaId: &schemaId})
	require.NoError(t, err)

	record, err := database.GetJob(ctx, db, database.OpCrossTab, 1)
	require.NoError(t, err)
	gotModel, gotSchema := record.Destination()
	assert.Equal(t, "m1", gotModel)
	assert.Equal(t, "s1", gotSchema)
	assert.Equal(t, database.JobDone, record.JobStatus())
	assert.Equal(t, "t1", record.Ticket())

	err = database.UpdateJobFields(ctx, db, database.OpCrossTab, 99, database.JobUpdates{ModelId: &modelId})
	assert.ErrorIs(t, err, database.ErrJobNotFound)

	// No fields means no write and no error.
	assert.NoError(t, database.UpdateJobFields(ctx, db, database.OpCrossTab, 1, database.JobUpdates{}))
}

func TestListActiveTickets(t *testing.T) {
	db := createDB(t,
		&database.StructureJob{JobCore: database.JobCore{TicketId: "t1", Status: database.JobCreated}},
		&database.PreprocessJob{JobCore: database.JobCore{TicketId: "t2", Status: database.JobInProgress}},
		&database.PreprocessJob{JobCore: database.JobCore{TicketId: "t3", Status: database.JobDone}},
		&database.CrossTabJob{JobCore: database.JobCore{TicketId: "t4", Status: database.JobFailed}},
		&database.TextMatchJob{JobCore: database.JobCore{TicketId: "", Status: database.JobCreated}},
	)

	active, err := database.ListActiveTickets(context.Background(), db)
	require.NoError(t, err)

	tickets := make([]string, len(active))
	for i, record := range active {
		tickets[i] = record.Ticket()
	}
	assert.ElementsMatch(t, []string{"t1", "t2"}, tickets)
}
