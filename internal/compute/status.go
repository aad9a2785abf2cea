package compute

import "operator-backend/internal/database"

// Backend-side status vocabulary, as reported per ticket and per file.
const (
	ProcessCompleted  = "Completed"
	ProcessProcessing = "Processing"
	ProcessPending    = "Pending"
	ProcessFailed     = "Failed"
)

// FunctionStructure marks multi-file structuring tickets, which report one
// status per file instead of a single process status.
const FunctionStructure = "structure"

type TicketFile struct {
	FileId  string `json:"fileId"`
	Process string `json:"process"`
	Message string `json:"message,omitempty"`
	Url     string `json:"url,omitempty"`
}

type Ticket struct {
	TicketId string       `json:"ticketId"`
	Function string       `json:"function,omitempty"`
	Process  string       `json:"process,omitempty"`
	Message  string       `json:"message,omitempty"`
	File     string       `json:"file,omitempty"`
	Files    []TicketFile `json:"files,omitempty"`
}

type FileError struct {
	FileId  string
	Message string
}

// Canonical maps the backend's reported state onto the job status machine,
// along with per-file failure details when the result is a failure.
//
// Multi-file structuring tickets fail if any file failed, or if a file is
// still pending while the ticket-level process has failed (the parent gave up
// before dispatching it). Otherwise any processing or pending file keeps the
// ticket in progress. A pending file on its own is progress, not failure.
func (t *Ticket) Canonical() (string, []FileError) {
	if t.Function == FunctionStructure {
		return t.structureStatus()
	}

	switch t.Process {
	case ProcessCompleted:
		return database.JobDone, nil
	case ProcessFailed:
		message := t.Message
		if message == "" {
			message = "No message provided"
		}
		return database.JobFailed, []FileError{{FileId: t.File, Message: message}}
	default:
		return database.JobInProgress, nil
	}
}

func (t *Ticket) structureStatus() (string, []FileError) {
	var failed []FileError
	for _, file := range t.Files {
		if file.Process == ProcessFailed || (file.Process == ProcessPending && t.Process == ProcessFailed) {
			message := file.Message
			if file.Process == ProcessPending {
				message = t.Message
			}
			if message == "" {
				message = "No message provided"
			}
			failed = append(failed, FileError{FileId: file.FileId, Message: message})
		}
	}
	if len(failed) > 0 {
		return database.JobFailed, failed
	}

	for _, file := range t.Files {
		if file.Process == ProcessProcessing || file.Process == ProcessPending {
			return database.JobInProgress, nil
		}
	}
	return database.JobDone, nil
}
