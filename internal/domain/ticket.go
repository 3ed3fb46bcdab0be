package domain

import "time"

// Status enumerates lifecycle states for tickets. Values match what the
// backing table and spreadsheet store, so they are written as-is.
type Status string

const (
	StatusPending    Status = "Pendente"
	StatusInProgress Status = "Em Andamento"
	StatusCompleted  Status = "Concluído"
	StatusCancelled  Status = "Cancelado"
)

// CloseOutcome narrows Status to the two terminal transitions.
type CloseOutcome Status

const (
	OutcomeCompleted CloseOutcome = CloseOutcome(StatusCompleted)
	OutcomeCancelled CloseOutcome = CloseOutcome(StatusCancelled)
)

// Valid reports whether the outcome is one of the two terminal states.
func (o CloseOutcome) Valid() bool {
	return o == OutcomeCompleted || o == OutcomeCancelled
}

// Status returns the outcome as the status value written to mirrors.
func (o CloseOutcome) Status() Status {
	return Status(o)
}

// Note is a single entry of a ticket's append-only note log.
type Note struct {
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"usuario"`
	Text      string    `json:"observacao"`
	Display   string    `json:"data"`
}

// Ticket is a dynamic row of a ticket family. Families differ in columns,
// so rows are carried as column/value maps keyed by API field names.
type Ticket map[string]any
