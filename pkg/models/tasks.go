package models

// ReconcileTaskPayload asks the worker to pull the ticket's status from the
// compute backend and apply it to the owning job.
type ReconcileTaskPayload struct {
	TicketId string `json:"ticketId"`
}

// WorkflowAdvanceTaskPayload tells the worker that the given job reached a
// terminal status, so its workflow run (if any) can advance or halt.
type WorkflowAdvanceTaskPayload struct {
	OperatorType string `json:"operatorType"`
	OperatorId   int64  `json:"operatorId"`
}
