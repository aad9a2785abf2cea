package compute_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"operator-backend/internal/compute"
	"operator-backend/internal/database"
)

func TestCanonicalSingleStep(t *testing.T) {
	tests := []struct {
		name    string
		ticket  compute.Ticket
		status  string
		failure string
	}{
		{
			name:   "completed",
			ticket: compute.Ticket{Process: compute.ProcessCompleted},
			status: database.JobDone,
		},
		{
			name:   "processing",
			ticket: compute.Ticket{Process: compute.ProcessProcessing},
			status: database.JobInProgress,
		},
		{
			name:   "pending is progress not failure",
			ticket: compute.Ticket{Process: compute.ProcessPending},
			status: database.JobInProgress,
		},
		{
			name:    "failed keeps backend message",
			ticket:  compute.Ticket{Process: compute.ProcessFailed, Message: "out of memory", File: "f1"},
			status:  database.JobFailed,
			failure: "out of memory",
		},
		{
			name:    "failed without message gets placeholder",
			ticket:  compute.Ticket{Process: compute.ProcessFailed},
			status:  database.JobFailed,
			failure: "No message provided",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, failures := tt.ticket.Canonical()
			assert.Equal(t, tt.status, status)
			if tt.failure == "" {
				assert.Empty(t, failures)
			} else {
				assert.Len(t, failures, 1)
				assert.Equal(t, tt.failure, failures[0].Message)
			}
		})
	}
}

func TestCanonicalMultiFile(t *testing.T) {
	t.Run("all completed is done", func(t *testing.T) {
		ticket := compute.Ticket{
			Function: compute.FunctionStructure,
			Files: []compute.TicketFile{
				{FileId: "f1", Process: compute.ProcessCompleted},
				{FileId: "f2", Process: compute.ProcessCompleted},
			},
		}
		status, failures := ticket.Canonical()
		assert.Equal(t, database.JobDone, status)
		assert.Empty(t, failures)
	})

	t.Run("any failed file fails the ticket", func(t *testing.T) {
		ticket := compute.Ticket{
			Function: compute.FunctionStructure,
			Files: []compute.TicketFile{
				{FileId: "f1", Process: compute.ProcessCompleted},
				{FileId: "f2", Process: compute.ProcessFailed, Message: "bad encoding"},
			},
		}
		status, failures := ticket.Canonical()
		assert.Equal(t, database.JobFailed, status)
		assert.Len(t, failures, 1)
		assert.Equal(t, "f2", failures[0].FileId)
		assert.Equal(t, "bad encoding", failures[0].Message)
	})

	t.Run("pending file alone keeps ticket in progress", func(t *testing.T) {
		ticket := compute.Ticket{
			Function: compute.FunctionStructure,
			Files: []compute.TicketFile{
				{FileId: "f1", Process: compute.ProcessCompleted},
				{FileId: "f2", Process: compute.ProcessPending},
			},
		}
		status, failures := ticket.Canonical()
		assert.Equal(t, database.JobInProgress, status)
		assert.Empty(t, failures)
	})

	t.Run("pending file fails when parent process failed", func(t *testing.T) {
		ticket := compute.Ticket{
			Function: compute.FunctionStructure,
			Process:  compute.ProcessFailed,
			Message:  "dispatcher crashed",
			Files: []compute.TicketFile{
				{FileId: "f1", Process: compute.ProcessCompleted},
				{FileId: "f2", Process: compute.ProcessPending},
			},
		}
		status, failures := ticket.Canonical()
		assert.Equal(t, database.JobFailed, status)
		assert.Len(t, failures, 1)
		assert.Equal(t, "f2", failures[0].FileId)
		assert.Equal(t, "dispatcher crashed", failures[0].Message)
	})

	t.Run("processing file keeps ticket in progress", func(t *testing.T) {
		ticket := compute.Ticket{
			Function: compute.FunctionStructure,
			Files: []compute.TicketFile{
				{FileId: "f1", Process: compute.ProcessProcessing},
			},
		}
		status, _ := ticket.Canonical()
		assert.Equal(t, database.JobInProgress, status)
	})
}
