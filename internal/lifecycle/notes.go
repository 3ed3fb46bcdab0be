package lifecycle

import (
	"regexp"
	"strings"
	"time"

	"github.com/spec-kit/ticket-sync/internal/domain"
)

const (
	noteTimeLayout = "02/01/2006 15:04"
	noteSeparator  = "\n\n"
	systemUser     = "Sistema"
)

var notePattern = regexp.MustCompile(`^\[(\d{2}/\d{2}/\d{4} \d{2}:\d{2}) - ([^\]]+)\]: ?([\s\S]*)$`)

// FormatNote renders a single annotation in the canonical stored form.
func FormatNote(at time.Time, user, text string) string {
	user = strings.TrimSpace(user)
	if user == "" {
		user = systemUser
	}
	return "[" + at.Format(noteTimeLayout) + " - " + user + "]: " + strings.TrimSpace(text)
}

// AppendNote adds a formatted note to an existing notes blob. Notes are
// append only; existing content is never rewritten.
func AppendNote(existing, note string) string {
	existing = strings.TrimSpace(existing)
	if existing == "" {
		return note
	}
	return existing + noteSeparator + note
}

// ParseNotes splits a stored notes blob into structured entries. Chunks that
// do not match the canonical form are kept, attributed to the system user, so
// hand-edited history is never silently discarded.
func ParseNotes(blob string) []domain.Note {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return []domain.Note{}
	}
	chunks := strings.Split(blob, noteSeparator)
	notes := make([]domain.Note, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		m := notePattern.FindStringSubmatch(chunk)
		if m == nil {
			notes = append(notes, domain.Note{User: systemUser, Text: chunk})
			continue
		}
		ts, err := time.Parse(noteTimeLayout, m[1])
		note := domain.Note{User: m[2], Text: m[3], Display: m[1]}
		if err == nil {
			note.Timestamp = ts
		}
		notes = append(notes, note)
	}
	return notes
}
