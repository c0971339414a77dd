package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"grid-engine/internal/core"
)

var eventPrefix = []byte("ev/")

// PebbleJournal stores events keyed by big-endian sequence number, so an
// iterator walks them in order.
type PebbleJournal struct {
	db     *pebble.DB
	logger *zap.Logger

	mu      sync.Mutex
	lastSeq uint64
}

func OpenPebbleJournal(path string, logger *zap.Logger) (*PebbleJournal, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(8 << 20),
		MemTableSize: 4 << 20,
		MaxOpenFiles: 256,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &PebbleJournal{db: db, logger: logger.Named("journal")}
	last, err := j.loadLastSeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.lastSeq = last
	return j, nil
}

func (j *PebbleJournal) loadLastSeq() (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventPrefix,
		UpperBound: prefixUpperBound(eventPrefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	return seqFromKey(iter.Key()), nil
}

func (j *PebbleJournal) Append(events ...core.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	batch := j.db.NewBatch()
	defer batch.Close()
	last := j.lastSeq
	for _, ev := range events {
		if ev.Seq <= last {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
		if err := batch.Set(eventKey(ev.Seq), data, nil); err != nil {
			return fmt.Errorf("failed to stage event %d: %w", ev.Seq, err)
		}
		last = ev.Seq
	}
	if batch.Empty() {
		return nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	j.lastSeq = last
	return nil
}

func (j *PebbleJournal) Events(after uint64) ([]core.Event, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(after + 1),
		UpperBound: prefixUpperBound(eventPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]core.Event, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var ev core.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			j.logger.Warn("journal_record_skipped", zap.Uint64("seq", seqFromKey(iter.Key())), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *PebbleJournal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

func (j *PebbleJournal) Close() error {
	return j.db.Close()
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}

func seqFromKey(key []byte) uint64 {
	if len(key) != len(eventPrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(eventPrefix):])
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

var _ Journal = (*PebbleJournal)(nil)
