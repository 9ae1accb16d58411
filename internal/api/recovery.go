package api

import (
	"encoding/binary"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"

	"github.com/elliott-wen/database-minisql/internal/storage"
	"github.com/elliott-wen/database-minisql/internal/wal"
)

// recoverDatabase redoes, in log order, the page images of every committed
// transaction and of writes made outside a transaction together with every
// chain link, then truncates the log. Images of transactions that never
// committed are dropped.
func recoverDatabase(mgr *storage.Manager, log *wal.Manager) error {
	if log == nil {
		return nil
	}
	records, err := log.Scan()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	committed := wal.Committed(records)
	var applied, skipped int
	for _, rec := range records {
		if rec.Type == wal.RecordLink {
			if err := redoLink(mgr, rec); err != nil {
				return err
			}
			applied++
			continue
		}
		if !rec.Type.HasPageImage() {
			continue
		}
		if !committed[rec.TxnID] {
			skipped++
			continue
		}
		if len(rec.Payload) != storage.PageSize {
			return errors.Errorf("api: invalid log payload length %d for page %d", len(rec.Payload), rec.PageID)
		}
		if err := mgr.WritePage(storage.PageID(rec.PageID), rec.Payload); err != nil {
			return errors.Wrapf(err, "redoing lsn %d", rec.LSN)
		}
		applied++
	}
	grip.Info(message.Fields{
		"message": "replayed write-ahead log",
		"path":    mgr.Path(),
		"records": len(records),
		"applied": applied,
		"skipped": skipped,
	})
	if err := mgr.Sync(); err != nil {
		return err
	}
	return log.Reset()
}

func redoLink(mgr *storage.Manager, rec wal.Record) error {
	if len(rec.Payload) != 4 {
		return errors.Errorf("api: invalid link payload length %d for page %d", len(rec.Payload), rec.PageID)
	}
	id := storage.PageID(rec.PageID)
	buf := make([]byte, storage.PageSize)
	if err := mgr.ReadPage(id, buf); err != nil {
		return errors.Wrapf(err, "redoing lsn %d", rec.LSN)
	}
	tp, err := storage.LoadTablePage(id, buf)
	if err != nil {
		return errors.Wrapf(err, "redoing lsn %d", rec.LSN)
	}
	tp.SetNextPageID(storage.PageID(binary.LittleEndian.Uint32(rec.Payload)))
	return errors.Wrapf(mgr.WritePage(id, buf), "redoing lsn %d", rec.LSN)
}
