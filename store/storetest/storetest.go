// Package storetest holds a conformance suite shared by the session store
// implementations.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/CopeeeTang/tabula"
)

// Record returns a session record with one summary and two live turns, one
// of them failed with artifacts and a traceback.
func Record(id string) tabula.SessionRecord {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return tabula.SessionRecord{
		ID:        id,
		CreatedAt: at,
		UpdatedAt: at.Add(time.Minute),
		Dataset: tabula.DatasetHandle{
			Path:     "/data/sales.csv",
			Format:   "csv",
			Encoding: "utf-8",
			Schema: tabula.Schema{
				Columns:    []tabula.Column{{Name: "region", Type: "object", NonNull: 3, Unique: 2}, {Name: "sales", Type: "int64", NonNull: 3, Unique: 3}},
				Rows:       3,
				SampleRows: [][]string{{"north", "10"}},
				Hints:      []string{"column \"price\" holds currency amounts as text"},
			},
			LoadedAt: at,
		},
		Policy:    tabula.DefaultPolicy("/tmp/out"),
		NextIndex: 4,
		Entries: []tabula.Entry{
			{Summary: &tabula.CompactedSummary{From: 1, To: 1, Digest: "Summed sales by region.", TokenCost: 12, CreatedAt: at}},
			{Turn: &tabula.ConversationTurn{
				Index:    2,
				Question: "Plot sales",
				Approach: "bar chart",
				Code:     "df.plot(kind='bar')\nplt.savefig('s.png')\n",
				Result: tabula.ExecutionResult{
					ID:        "exec-2",
					Stdout:    "",
					Artifacts: []string{"/tmp/out/exec-2/s.png"},
					Duration:  1500 * time.Millisecond,
				},
				Explanation: "North leads.",
				Attempts:    1,
				Status:      tabula.StatusSucceeded,
				Timestamp:   at.Add(2 * time.Minute),
				TokenCost:   80,
			}},
			{Turn: &tabula.ConversationTurn{
				Index:    3,
				Question: "Revenue by month",
				Code:     "print(df['revenue'])\n",
				Result: tabula.ExecutionResult{
					ID: "exec-3",
					Err: &tabula.ExecError{
						Kind:      tabula.KindRuntimeFault,
						Fault:     tabula.FaultMissingColumn,
						ExcType:   "KeyError",
						Message:   "'revenue'",
						Traceback: "Traceback (most recent call last):\nKeyError: 'revenue'",
					},
				},
				RootCause: "The dataset has no revenue column.",
				Attempts:  3,
				Status:    tabula.StatusFailed,
				Timestamp: at.Add(3 * time.Minute),
				TokenCost: 64,
			}},
		},
	}
}

// Run exercises a store through the tabula.SessionStore contract.
func Run(t *testing.T, s tabula.SessionStore) {
	t.Helper()
	ctx := context.Background()

	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}

	t.Run("RoundTrip", func(t *testing.T) {
		want := Record("sess-roundtrip")
		if err := s.SaveSession(ctx, want); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		got, err := s.LoadSession(ctx, want.ID)
		if err != nil {
			t.Fatalf("LoadSession: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
		}
		if _, err := tabula.RestoreSession(got); err != nil {
			t.Fatalf("RestoreSession: %v", err)
		}
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		rec := Record("sess-replace")
		if err := s.SaveSession(ctx, rec); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
		rec.Entries = rec.Entries[:1]
		rec.NextIndex = 2
		rec.UpdatedAt = rec.UpdatedAt.Add(time.Hour)
		if err := s.SaveSession(ctx, rec); err != nil {
			t.Fatalf("second SaveSession: %v", err)
		}
		got, err := s.LoadSession(ctx, rec.ID)
		if err != nil {
			t.Fatalf("LoadSession: %v", err)
		}
		if len(got.Entries) != 1 || got.NextIndex != 2 {
			t.Fatalf("expected replaced record, got %d entries next=%d", len(got.Entries), got.NextIndex)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.LoadSession(ctx, "missing")
		if !errors.Is(err, tabula.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		older := Record("sess-older")
		older.UpdatedAt = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		newer := Record("sess-newer")
		newer.UpdatedAt = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		for _, r := range []tabula.SessionRecord{older, newer} {
			if err := s.SaveSession(ctx, r); err != nil {
				t.Fatalf("SaveSession: %v", err)
			}
		}

		infos, err := s.ListSessions(ctx, 0)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(infos) < 2 || infos[0].ID != "sess-newer" || infos[len(infos)-1].ID != "sess-older" {
			t.Fatalf("unexpected order: %+v", infos)
		}
		if infos[0].Entries != 3 || infos[0].DatasetPath != "/data/sales.csv" {
			t.Errorf("unexpected info: %+v", infos[0])
		}

		limited, err := s.ListSessions(ctx, 1)
		if err != nil {
			t.Fatalf("ListSessions(1): %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("expected 1 session with limit, got %d", len(limited))
		}

		if err := s.DeleteSession(ctx, "sess-older"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if _, err := s.LoadSession(ctx, "sess-older"); !errors.Is(err, tabula.ErrSessionNotFound) {
			t.Fatalf("expected deleted session to be gone, got %v", err)
		}
	})
}
