package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/syncstore/internal/storage"
)

// Commit journal. The staged batch of a transaction is written as one record
// under the sys namespace before any individual write is applied; the journal
// write is the commit point. A crash between journal write and batch apply
// leaves an orphan journal which Start replays. Replaying is idempotent: every
// op is a full-value put or delete.

const journalKeyPrefix = "txnlog/"

type journalOp struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Payload   []byte `json:"payload,omitempty"`
	Delete    bool   `json:"delete,omitempty"`
}

type journalRecord struct {
	Sequence int64       `json:"sequence"`
	ClientID string      `json:"client_id"`
	Ops      []journalOp `json:"ops"`
}

func journalKey(sequence int64) string {
	return fmt.Sprintf("%s%020d", journalKeyPrefix, sequence)
}

func writeJournal(ctx context.Context, backend storage.Backend, rec journalRecord) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode journal: %w", err)
	}
	key := journalKey(rec.Sequence)
	if _, err := backend.Put(ctx, storage.NamespaceSys, key, payload, storage.PutOptions{}); err != nil {
		return "", err
	}
	return key, nil
}

func applyJournalOps(ctx context.Context, backend storage.Backend, ops []journalOp) error {
	for _, op := range ops {
		if op.Delete {
			err := backend.Delete(ctx, op.Namespace, op.Key, storage.DeleteOptions{IgnoreNotFound: true})
			if err != nil {
				return err
			}
			continue
		}
		if _, err := backend.Put(ctx, op.Namespace, op.Key, op.Payload, storage.PutOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// replayJournals finishes commits interrupted by a crash and returns how many
// journals were replayed. Called once from Start before any transaction runs.
func replayJournals(ctx context.Context, backend storage.Backend, logger pslog.Logger) (int64, error) {
	result, err := backend.List(ctx, storage.NamespaceSys, storage.ListOptions{Prefix: journalKeyPrefix})
	if err != nil {
		return 0, err
	}
	var replayed int64
	for _, entry := range result.Records {
		stored, err := backend.Get(ctx, storage.NamespaceSys, entry.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return replayed, err
		}
		var rec journalRecord
		if err := json.Unmarshal(stored.Payload, &rec); err != nil {
			logger.Warn("txn.journal.corrupt", "key", entry.Key, "error", err)
			if err := backend.Delete(ctx, storage.NamespaceSys, entry.Key, storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
				return replayed, err
			}
			continue
		}
		if err := applyJournalOps(ctx, backend, rec.Ops); err != nil {
			return replayed, err
		}
		if err := backend.Delete(ctx, storage.NamespaceSys, entry.Key, storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
			return replayed, err
		}
		replayed++
		logger.Info("txn.journal.replayed",
			"sequence", rec.Sequence,
			"client_id", rec.ClientID,
			"ops", len(rec.Ops))
	}
	return replayed, nil
}
