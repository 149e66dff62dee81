package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage/integrity"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage/sqlite"
)

type fixture struct {
	path   string
	store  *sqlite.Store
	ledger *Ledger
}

func newFixture(t *testing.T, keyring *integrity.Keyring) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.sqlite")
	store, err := sqlite.OpenEvents(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seq := 0
	l, err := New(Config{
		Store:   store,
		Keyring: keyring,
		Clock: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() (string, error) {
			seq++
			return fmt.Sprintf("id-%02d", seq), nil
		},
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return &fixture{path: path, store: store, ledger: l}
}

// tamper rewrites stored columns behind the ledger's back through a second
// connection with the append-only trigger removed.
func (f *fixture) tamper(t *testing.T, query string, args ...any) {
	t.Helper()
	db, err := sql.Open("sqlite", f.path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`DROP TRIGGER IF EXISTS ledger_records_append_only`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("tamper: %v", err)
	}
}

func (f *fixture) appendChain(t *testing.T, streamID string, contents ...string) []storage.LedgerRecord {
	t.Helper()
	var out []storage.LedgerRecord
	parentID := ""
	for _, content := range contents {
		rec, err := f.ledger.Append(context.Background(), AppendInput{StreamID: streamID, ParentID: parentID, Content: content, UserID: "u1"})
		if err != nil {
			t.Fatalf("append %q: %v", content, err)
		}
		out = append(out, rec)
		parentID = rec.ID
	}
	return out
}

func (f *fixture) verify(t *testing.T, streamID string) Verification {
	t.Helper()
	result, err := f.ledger.Verify(context.Background(), streamID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return result
}

func TestAppendChainsRecords(t *testing.T) {
	f := newFixture(t, nil)
	chain := f.appendChain(t, "thread-1", "A", "B", "C")

	if chain[0].ParentID != "" || chain[0].PreviousHash != "" {
		t.Fatalf("root must have no parent hash: %+v", chain[0])
	}
	for i := 1; i < len(chain); i++ {
		if chain[i].ParentID != chain[i-1].ID || chain[i].PreviousHash != chain[i-1].Hash {
			t.Fatalf("record %d not chained to its parent: %+v", i, chain[i])
		}
	}
	want, err := integrity.RecordHash(chain[1].ID, "B", chain[1].Timestamp)
	if err != nil {
		t.Fatalf("record hash: %v", err)
	}
	if chain[1].Hash != want {
		t.Fatalf("unexpected hash %s, want %s", chain[1].Hash, want)
	}
	if result := f.verify(t, "thread-1"); !result.IsValid || result.Checked != 3 {
		t.Fatalf("expected valid chain of 3, got %+v", result)
	}
}

func TestAppendValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.ledger.Append(ctx, AppendInput{UserID: "u1", Content: "x"}); !errors.Is(err, ErrStreamIDRequired) {
		t.Fatalf("expected stream id error, got %v", err)
	}
	if _, err := f.ledger.Append(ctx, AppendInput{StreamID: "s", Content: "x"}); !errors.Is(err, ErrUserIDRequired) {
		t.Fatalf("expected user id error, got %v", err)
	}
	if _, err := f.ledger.Append(ctx, AppendInput{StreamID: "s", ParentID: "missing", Content: "x", UserID: "u1"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected missing parent error, got %v", err)
	}
}

func TestVerifyReportsRecordAfterTamper(t *testing.T) {
	f := newFixture(t, nil)
	chain := f.appendChain(t, "thread-1", "A", "B", "C")

	f.tamper(t, `UPDATE ledger_records SET content = ? WHERE id = ?`, "B (edited)", chain[1].ID)

	result := f.verify(t, "thread-1")
	if result.IsValid || result.BrokenAtID != chain[2].ID {
		t.Fatalf("expected break at C (%s), got %+v", chain[2].ID, result)
	}
	if result.Checked != 3 {
		t.Fatalf("expected walk to reach C, checked %d", result.Checked)
	}
}

func TestVerifyComparesStoredParentHash(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(t *testing.T, f *fixture, chain []storage.LedgerRecord)
	}{
		{
			name: "middle hash overwritten",
			tamper: func(t *testing.T, f *fixture, chain []storage.LedgerRecord) {
				f.tamper(t, `UPDATE ledger_records SET hash = ? WHERE id = ?`, "deadbeef", chain[1].ID)
			},
		},
		{
			name: "middle hash and child link rewritten together",
			tamper: func(t *testing.T, f *fixture, chain []storage.LedgerRecord) {
				f.tamper(t, `UPDATE ledger_records SET hash = ? WHERE id = ?`, "deadbeef", chain[1].ID)
				f.tamper(t, `UPDATE ledger_records SET previous_hash = ? WHERE id = ?`, "deadbeef", chain[2].ID)
			},
		},
		{
			name: "child link rewritten",
			tamper: func(t *testing.T, f *fixture, chain []storage.LedgerRecord) {
				f.tamper(t, `UPDATE ledger_records SET previous_hash = ? WHERE id = ?`, "deadbeef", chain[2].ID)
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			chain := f.appendChain(t, "thread-1", "A", "B", "C")
			tc.tamper(t, f, chain)

			result := f.verify(t, "thread-1")
			if result.IsValid || result.BrokenAtID != chain[2].ID {
				t.Fatalf("expected break at C (%s), got %+v", chain[2].ID, result)
			}
			if result.Code != apperrors.CodeChainBroken {
				t.Fatalf("code = %q, want %q", result.Code, apperrors.CodeChainBroken)
			}
		})
	}
}

func TestVerifyCatchesTamperedTip(t *testing.T) {
	f := newFixture(t, nil)
	chain := f.appendChain(t, "thread-1", "A", "B")

	f.tamper(t, `UPDATE ledger_records SET content = ? WHERE id = ?`, "B (edited)", chain[1].ID)

	result := f.verify(t, "thread-1")
	if result.IsValid || result.BrokenAtID != chain[1].ID {
		t.Fatalf("expected break at tip, got %+v", result)
	}
}

func TestSignaturesCatchRewrittenChain(t *testing.T) {
	keyring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("secret")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	f := newFixture(t, keyring)
	chain := f.appendChain(t, "thread-1", "A", "B", "C")
	for _, rec := range chain {
		if rec.Signature == "" || rec.SignatureKeyID != "v1" {
			t.Fatalf("expected signed record, got %+v", rec)
		}
	}
	if result := f.verify(t, "thread-1"); !result.IsValid {
		t.Fatalf("expected valid signed chain, got %+v", result)
	}

	// Rewrite B and patch the digests so the hash links still agree.
	forged, err := integrity.RecordHash(chain[1].ID, "forged", chain[1].Timestamp)
	if err != nil {
		t.Fatalf("record hash: %v", err)
	}
	f.tamper(t, `UPDATE ledger_records SET content = ?, hash = ? WHERE id = ?`, "forged", forged, chain[1].ID)
	f.tamper(t, `UPDATE ledger_records SET previous_hash = ? WHERE id = ?`, forged, chain[2].ID)

	result := f.verify(t, "thread-1")
	if result.IsValid || result.BrokenAtID != chain[1].ID {
		t.Fatalf("expected signature failure at B, got %+v", result)
	}
}

func TestBranchAndMerge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trunk := f.appendChain(t, "main", "A", "B")

	branchID, err := f.ledger.Branch(ctx, trunk[0].ID, "u2")
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	stream, err := f.store.GetStream(ctx, branchID)
	if err != nil {
		t.Fatalf("get branch: %v", err)
	}
	if stream.ForkRecordID != trunk[0].ID || stream.ParentStreamID != "main" || stream.CreatedBy != "u2" {
		t.Fatalf("unexpected branch stream %+v", stream)
	}

	first, err := f.ledger.Append(ctx, AppendInput{StreamID: branchID, Content: "B'", UserID: "u2"})
	if err != nil {
		t.Fatalf("append to branch: %v", err)
	}
	if first.ParentID != trunk[0].ID || first.PreviousHash != trunk[0].Hash {
		t.Fatalf("branch root should chain to fork record: %+v", first)
	}
	second, err := f.ledger.Append(ctx, AppendInput{StreamID: branchID, Content: "C'", UserID: "u2"})
	if err != nil {
		t.Fatalf("append to branch: %v", err)
	}
	if second.ParentID != first.ID {
		t.Fatalf("branch append should continue from tip, got parent %s", second.ParentID)
	}
	if result := f.verify(t, branchID); !result.IsValid || result.Checked != 2 {
		t.Fatalf("expected valid branch, got %+v", result)
	}

	merged, err := f.ledger.Merge(ctx, "main", branchID, "merge", "u1")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.StreamID != "main" || merged.ParentID != second.ID || merged.PreviousHash != second.Hash {
		t.Fatalf("merge record should point at branch tip: %+v", merged)
	}
	if result := f.verify(t, "main"); !result.IsValid || result.Checked != 3 {
		t.Fatalf("expected valid main after merge, got %+v", result)
	}

	f.tamper(t, `UPDATE ledger_records SET content = ? WHERE id = ?`, "A (edited)", trunk[0].ID)
	if result := f.verify(t, branchID); result.IsValid || result.BrokenAtID != first.ID {
		t.Fatalf("expected branch root to notice fork record tamper, got %+v", result)
	}
}

func TestMergeRejectsEmptyBranch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	trunk := f.appendChain(t, "main", "A")
	branchID, err := f.ledger.Branch(ctx, trunk[0].ID, "u1")
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	if _, err := f.ledger.Merge(ctx, "main", branchID, "merge", "u1"); !errors.Is(err, ErrEmptyBranch) {
		t.Fatalf("expected empty branch error, got %v", err)
	}
	if _, err := f.ledger.Branch(ctx, "missing", "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected missing fork record error, got %v", err)
	}
}

func TestDeleteRedactsButKeepsChain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	chain := f.appendChain(t, "thread-1", "A", "B", "C")

	deleted, err := f.ledger.Delete(ctx, chain[1].ID)
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	again, err := f.ledger.Delete(ctx, chain[1].ID)
	if err != nil || again {
		t.Fatalf("second delete should be a no-op: deleted=%v err=%v", again, err)
	}

	view, err := f.ledger.ReadStream(ctx, "thread-1")
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !view.Verified || len(view.Records) != 3 {
		t.Fatalf("expected verified view of 3 records, got %+v", view)
	}
	if !view.Records[1].Deleted || view.Records[1].Content != "" {
		t.Fatalf("expected redacted tombstone, got %+v", view.Records[1])
	}
	stored, err := f.store.GetRecord(ctx, chain[1].ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if stored.Content != "B" {
		t.Fatalf("tombstone must keep stored content, got %q", stored.Content)
	}
}

func TestReadStreamFlagsBrokenChain(t *testing.T) {
	f := newFixture(t, nil)
	chain := f.appendChain(t, "thread-1", "A", "B", "C")
	f.tamper(t, `UPDATE ledger_records SET content = ? WHERE id = ?`, "A (edited)", chain[0].ID)

	view, err := f.ledger.ReadStream(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if view.Verified || view.BrokenAtID != chain[1].ID {
		t.Fatalf("expected unverified view broken at B, got %+v", view)
	}
	if len(view.Records) != 3 {
		t.Fatalf("reads continue on broken chains, got %d records", len(view.Records))
	}
}

func TestVerifyEmptyStream(t *testing.T) {
	f := newFixture(t, nil)
	if result := f.verify(t, "nothing"); !result.IsValid || result.Checked != 0 {
		t.Fatalf("expected empty stream to verify, got %+v", result)
	}
}
