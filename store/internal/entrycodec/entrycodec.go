// Package entrycodec converts history entries to and from the row shape the
// SQL session stores use.
package entrycodec

import (
	"encoding/json"
	"fmt"

	"github.com/CopeeeTang/tabula"
)

const (
	KindTurn    = "turn"
	KindSummary = "summary"
)

// Row is one persisted history entry. FirstTurn and LastTurn are equal for
// live turns.
type Row struct {
	Kind      string
	FirstTurn int
	LastTurn  int
	Payload   []byte
}

// Encode converts an entry to a row.
func Encode(e tabula.Entry) (Row, error) {
	switch {
	case e.Turn != nil && e.Summary == nil:
		b, err := json.Marshal(e.Turn)
		if err != nil {
			return Row{}, fmt.Errorf("encode turn %d: %w", e.Turn.Index, err)
		}
		return Row{Kind: KindTurn, FirstTurn: e.Turn.Index, LastTurn: e.Turn.Index, Payload: b}, nil
	case e.Summary != nil && e.Turn == nil:
		b, err := json.Marshal(e.Summary)
		if err != nil {
			return Row{}, fmt.Errorf("encode summary %d-%d: %w", e.Summary.From, e.Summary.To, err)
		}
		return Row{Kind: KindSummary, FirstTurn: e.Summary.From, LastTurn: e.Summary.To, Payload: b}, nil
	default:
		return Row{}, fmt.Errorf("entry must hold exactly one of turn or summary")
	}
}

// Decode converts a row back to an entry.
func Decode(r Row) (tabula.Entry, error) {
	switch r.Kind {
	case KindTurn:
		var t tabula.ConversationTurn
		if err := json.Unmarshal(r.Payload, &t); err != nil {
			return tabula.Entry{}, fmt.Errorf("decode turn %d: %w", r.FirstTurn, err)
		}
		return tabula.Entry{Turn: &t}, nil
	case KindSummary:
		var s tabula.CompactedSummary
		if err := json.Unmarshal(r.Payload, &s); err != nil {
			return tabula.Entry{}, fmt.Errorf("decode summary %d-%d: %w", r.FirstTurn, r.LastTurn, err)
		}
		return tabula.Entry{Summary: &s}, nil
	default:
		return tabula.Entry{}, fmt.Errorf("unknown entry kind %q", r.Kind)
	}
}
