package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	backend "operator-backend/internal/api"
	"operator-backend/internal/cms"
	"operator-backend/internal/compute"
	"operator-backend/internal/database"
	"operator-backend/internal/messaging"
	"operator-backend/internal/operators"
	"operator-backend/internal/status"
	"operator-backend/internal/workflow"
	"operator-backend/pkg/api"
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

type fixture struct {
	db     *gorm.DB
	router chi.Router
	queue  *messaging.InMemoryQueue

	tickets       map[string]compute.Ticket
	lastSubmitted map[string]any
	modelCreates  int32
	dataImports   int32
}

func newFixture(t *testing.T, db *gorm.DB) *fixture {
	f := &fixture{db: db, tickets: map[string]compute.Ticket{}}

	computeServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			ticketId := r.URL.Path[len("/tickets/"):]
			ticket, ok := f.tickets[ticketId]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(ticket)
			return
		}

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		f.lastSubmitted = payload

		w.Header().Set("Content-Type", "application/json")
		if message, ok := payload["documentName"].(string); ok && message == "reject-me" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"message": "document name is not allowed"})
			return
		}

		json.NewEncoder(w).Encode(map[string]string{"ticketId": "t-1"})
	}))
	t.Cleanup(computeServer.Close)

	cmsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/projects/p1/models":
			atomic.AddInt32(&f.modelCreates, 1)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"id": "m1", "schemaId": "s1"})
		case r.URL.Path == "/models/m1/contents/import":
			atomic.AddInt32(&f.dataImports, 1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(cmsServer.Close)

	computeClient := compute.NewClient(computeServer.URL, "http://api.local", 5*time.Second)
	cmsClient := cms.NewClient(cmsServer.URL, "p1", "test", 5*time.Second)

	f.queue = messaging.NewInMemoryQueue()
	service := operators.NewService(db, computeClient)
	materializer := operators.NewMaterializer(db, cmsClient)
	reconciler := operators.NewReconciler(db, computeClient, materializer, f.queue)
	composer := workflow.NewComposer(db)
	orchestrator := workflow.NewOrchestrator(db, service)
	aggregator := status.NewAggregator(db)

	f.router = chi.NewRouter()
	backend.NewBackendService(db, service, reconciler, composer, orchestrator, aggregator, cmsClient).AddRoutes(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitPreprocessAndCallback(t *testing.T) {
	f := newFixture(t, createDB(t))

	var submitted api.SubmitJobResponse
	t.Run("Submit", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/operators/preprocess", api.SubmitPreprocessRequest{
			Username:  "alice",
			AssetId:   "asset-1",
			InputType: "csv",
			Cleansing: []api.CleansingOp{{Type: "trim", Field: "name"}},
		})
		require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

		assert.Equal(t, database.OpPreProcessing, submitted.OperatorType)
		assert.Equal(t, "t-1", submitted.TicketId)
		assert.Equal(t, database.JobCreated, submitted.Status)

		// The backend payload always carries the callback endpoint.
		assert.Equal(t, "http://api.local/api/callbacks/tickets", f.lastSubmitted["apiEndpoint"])

		record, err := database.GetJob(context.Background(), f.db, database.OpPreProcessing, submitted.JobId)
		require.NoError(t, err)
		modelId, _ := record.Destination()
		assert.Empty(t, modelId)
	})

	t.Run("Callback", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/callbacks/tickets", api.TicketCallbackRequest{
			TicketId: "t-1",
			Process:  compute.ProcessCompleted,
			Data:     json.RawMessage(`[{"name":"a"}]`),
		})
		require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

		record, err := database.GetJob(context.Background(), f.db, database.OpPreProcessing, submitted.JobId)
		require.NoError(t, err)
		assert.Equal(t, database.JobDone, record.JobStatus())
		modelId, schemaId := record.Destination()
		assert.Equal(t, "m1", modelId)
		assert.Equal(t, "s1", schemaId)
		assert.Equal(t, int32(1), atomic.LoadInt32(&f.dataImports))
	})

	t.Run("DuplicateCallback", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/callbacks/tickets", api.TicketCallbackRequest{
			TicketId: "t-1",
			Process:  compute.ProcessCompleted,
			Data:     json.RawMessage(`[{"name":"a"}]`),
		})
		require.Equal(t, http.StatusOK, rec.Code)

		// The redelivery neither rebuilds the destination nor re-imports rows.
		assert.Equal(t, int32(1), atomic.LoadInt32(&f.modelCreates))
		assert.Equal(t, int32(1), atomic.LoadInt32(&f.dataImports))
	})

	t.Run("Detail", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/operators/preProcessing/1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var detail api.JobDetailResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		assert.Equal(t, database.JobDone, detail.Status)
		assert.Equal(t, "m1", detail.ModelId)
		assert.Equal(t, "alice", detail.Username)
	})
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, createDB(t))

	rec := f.do(t, http.MethodPost, "/api/operators/preprocess", api.SubmitPreprocessRequest{
		Username: "alice", InputType: "csv",
		Cleansing: []api.CleansingOp{{Type: "trim"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/operators/spatial-join", api.SubmitSpatialJoinRequest{
		Username: "alice", LeftContentId: "c1", RightContentId: "c2", Op: "overlaps",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/operators/reticulation/1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/operators/crossTab/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitBackendMessagePreserved(t *testing.T) {
	f := newFixture(t, createDB(t))

	rec := f.do(t, http.MethodPost, "/api/operators/preprocess", api.SubmitPreprocessRequest{
		Username:     "alice",
		AssetId:      "asset-1",
		InputType:    "csv",
		Cleansing:    []api.CleansingOp{{Type: "trim", Field: "name"}},
		DocumentName: "reject-me",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "document name is not allowed")

	// A rejected submission never leaves a job row behind.
	records, err := database.ListJobs(context.Background(), f.db, database.OpPreProcessing, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestGetOperatorRefreshesNonTerminalStatus(t *testing.T) {
	db := createDB(t,
		&database.CrossTabJob{JobCore: database.JobCore{TicketId: "t-9", Status: database.JobInProgress, Username: "alice"}, InputContentId: "c1"},
	)
	f := newFixture(t, db)
	f.tickets["t-9"] = compute.Ticket{TicketId: "t-9", Process: compute.ProcessCompleted}

	rec := f.do(t, http.MethodGet, "/api/operators/crossTab/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail api.JobDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, database.JobDone, detail.Status)
	assert.Equal(t, "m1", detail.ModelId)
}

func TestCallbackForUnknownTicket(t *testing.T) {
	f := newFixture(t, createDB(t))

	rec := f.do(t, http.MethodPost, "/api/callbacks/tickets", api.TicketCallbackRequest{
		TicketId: "t-unknown",
		Process:  compute.ProcessCompleted,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowLifecycle(t *testing.T) {
	f := newFixture(t, createDB(t))

	var created api.WorkflowResponse
	t.Run("Create", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/workflows/", api.CreateWorkflowRequest{
			Name: "pipeline",
			Steps: []api.WorkflowStepInput{
				{OperatorType: database.OpPreProcessing, Config: []byte(`{"cleansing":[{"type":"trim","field":"name"}],"inputType":"json"}`)},
				{OperatorType: database.OpCrossTab, Config: []byte(`{"keyFields":["region"],"fields":[{"name":"pop","sum":true}]}`)},
			},
		})
		require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		require.Len(t, created.Steps, 2)
		assert.Equal(t, 1, created.Steps[0].Step)
	})

	t.Run("RejectMisplacedStructureStep", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/workflows/", api.CreateWorkflowRequest{
			Name: "bad",
			Steps: []api.WorkflowStepInput{
				{OperatorType: database.OpCrossTab},
				{OperatorType: database.OpDataStructure},
			},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("StartRun", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/workflows/1/runs", api.StartRunRequest{
			Input:    json.RawMessage(`"content-7"`),
			UserId:   "uid-1",
			Username: "alice",
		})
		require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

		var response api.StartRunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.NotEmpty(t, response.ExecutionUuid)

		// Step 1 was submitted with the run input as its content id.
		assert.Equal(t, "content-7", f.lastSubmitted["input"])

		rows, err := database.ListExecutions(context.Background(), f.db, "alice")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.True(t, rows[0].OperatorId.Valid)
		assert.False(t, rows[1].OperatorId.Valid)
	})

	t.Run("Delete", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/api/workflows/1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodGet, "/api/workflows/1", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestProcessingStatusEndpoint(t *testing.T) {
	db := createDB(t,
		&database.StructureJob{JobCore: database.JobCore{TicketId: "t1", Status: database.JobDone, Username: "alice"}},
		&database.PreprocessJob{JobCore: database.JobCore{TicketId: "t2", Status: database.JobFailed, Username: "bob"}},
	)
	f := newFixture(t, db)

	rec := f.do(t, http.MethodGet, "/api/processing-status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/processing-status?username=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var response api.ProcessingStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, 1, response.TotalCount)

	rec = f.do(t, http.MethodGet, "/api/processing-status?admin=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, 2, response.TotalCount)
}

func TestSaveOperator(t *testing.T) {
	db := createDB(t,
		&database.CrossTabJob{JobCore: database.JobCore{TicketId: "t1", ModelId: "m1", SchemaId: "s1", Status: database.JobDone, Username: "alice"}},
		&database.CrossTabJob{JobCore: database.JobCore{TicketId: "t2", Status: database.JobInProgress, Username: "alice"}},
	)
	f := newFixture(t, db)

	rec := f.do(t, http.MethodPost, "/api/operators/crossTab/1/save", api.SaveJobRequest{Name: "regional totals"})
	require.Equal(t, http.StatusOK, rec.Code, "recieved response: "+rec.Body.String())

	record, err := database.GetJob(context.Background(), f.db, database.OpCrossTab, 1)
	require.NoError(t, err)
	assert.Equal(t, database.JobSaved, record.JobStatus())

	// Unfinished jobs have nothing to save.
	rec = f.do(t, http.MethodPost, "/api/operators/crossTab/2/save", api.SaveJobRequest{Name: "nope"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}
