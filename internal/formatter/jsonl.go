package formatter

import (
	"encoding/json"
	"io"

	"github.com/kilnforge/engine/internal/types"
)

// JSONLFormatter outputs tickets as JSON Lines, one ticket per line —
// the `export` verb's machine-readable format (spec §6).
type JSONLFormatter struct {
	// Pretty enables indented JSON (not recommended for JSONL).
	Pretty bool
}

// NewJSONLFormatter creates a new JSONL formatter.
func NewJSONLFormatter() *JSONLFormatter {
	return &JSONLFormatter{}
}

// Extension returns the file extension for JSONL.
func (jf *JSONLFormatter) Extension() string {
	return ".jsonl"
}

// ticketLine is the structure written per ticket.
type ticketLine struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	Category     types.TicketCategory `json:"category"`
	Status       types.TicketStatus   `json:"status"`
	AllowedPaths []string             `json:"allowed_paths,omitempty"`
	VerifyCmds   []string             `json:"verify_cmds,omitempty"`
	Confidence   int                  `json:"scout_confidence,omitempty"`
}

// FormatTicket writes one ticket as a JSON line.
func (jf *JSONLFormatter) FormatTicket(w io.Writer, t *types.Ticket) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if jf.Pretty {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(jf.buildLine(t))
}

// FormatTickets writes every ticket as its own JSON line, in order —
// the bulk form `export` uses.
func (jf *JSONLFormatter) FormatTickets(w io.Writer, tickets []types.Ticket) error {
	for i := range tickets {
		if err := jf.FormatTicket(w, &tickets[i]); err != nil {
			return err
		}
	}
	return nil
}

func (jf *JSONLFormatter) buildLine(t *types.Ticket) *ticketLine {
	return &ticketLine{
		ID:           t.ID,
		Title:        t.Title,
		Category:     t.Category,
		Status:       t.Status,
		AllowedPaths: t.AllowedPaths,
		VerifyCmds:   t.VerifyCmds,
		Confidence:   t.Metadata.ScoutConfidence,
	}
}
