package dto

// ClaimRequest payload for taking ownership of a ticket.
type ClaimRequest struct {
	Usuario      string `json:"usuario"`
	ApenasVisual bool   `json:"apenas_visual"`
}

// ReleaseRequest payload for returning a ticket to the queue.
type ReleaseRequest struct {
	ApenasVisual bool `json:"apenas_visual"`
}

// AnnotateRequest payload for appending a note.
type AnnotateRequest struct {
	Usuario    string `json:"usuario"`
	Observacao string `json:"observacao"`
}
