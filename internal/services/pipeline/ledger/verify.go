package ledger

import (
	"context"
	"fmt"

	apperrors "github.com/louisbranch/causeway/internal/platform/errors"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage"
	"github.com/louisbranch/causeway/internal/services/pipeline/storage/integrity"
)

// Verify walks streamID in timestamp order. A record with a parent must carry
// the hash stored on that parent, and the parent's stored hash must match its
// recomputed digest; a rewritten record is therefore reported at the first
// record after it. Records nothing points at are checked against their own
// digest. The first failure stops the walk.
func (l *Ledger) Verify(ctx context.Context, streamID string) (Verification, error) {
	records, err := l.store.ListStream(ctx, streamID)
	if err != nil {
		return Verification{}, err
	}
	return l.verifyRecords(ctx, streamID, records)
}

func (l *Ledger) verifyRecords(ctx context.Context, streamID string, records []storage.LedgerRecord) (Verification, error) {
	byID := make(map[string]storage.LedgerRecord, len(records))
	hasChild := make(map[string]bool, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
		if rec.ParentID != "" {
			hasChild[rec.ParentID] = true
		}
	}

	result := Verification{IsValid: true}
	for _, rec := range records {
		result.Checked++
		ok, err := l.checkRecord(ctx, rec, byID, hasChild[rec.ID])
		if err != nil {
			return Verification{}, err
		}
		if !ok {
			result.IsValid = false
			result.BrokenAtID = rec.ID
			result.Code = apperrors.CodeChainBroken
			l.metrics.LedgerBroken()
			l.logger.Error("ledger chain broken",
				"code", apperrors.CodeChainBroken,
				"stream_id", streamID,
				"record_id", rec.ID,
				"parent_id", rec.ParentID,
			)
			return result, nil
		}
	}
	return result, nil
}

func (l *Ledger) checkRecord(ctx context.Context, rec storage.LedgerRecord, byID map[string]storage.LedgerRecord, hasChild bool) (bool, error) {
	if rec.ParentID != "" {
		parent, ok := byID[rec.ParentID]
		if !ok {
			// Branch roots point into their parent stream.
			var err error
			parent, err = l.store.GetRecord(ctx, rec.ParentID)
			if err != nil {
				return false, fmt.Errorf("load parent %s: %w", rec.ParentID, err)
			}
		}
		if rec.PreviousHash != parent.Hash {
			return false, nil
		}
		digest, err := integrity.RecordHash(parent.ID, parent.Content, parent.Timestamp)
		if err != nil {
			return false, err
		}
		if digest != parent.Hash {
			return false, nil
		}
	} else if rec.PreviousHash != "" {
		return false, nil
	}

	if !hasChild {
		digest, err := integrity.RecordHash(rec.ID, rec.Content, rec.Timestamp)
		if err != nil {
			return false, err
		}
		if digest != rec.Hash {
			return false, nil
		}
	}

	if rec.Signature != "" && l.keyring != nil {
		if err := l.keyring.VerifyRecordHash(rec.StreamID, rec.Hash, rec.Signature, rec.SignatureKeyID); err != nil {
			return false, nil
		}
	}
	return true, nil
}
