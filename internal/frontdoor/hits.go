package frontdoor

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"frontdoor/internal/redirect"
)

const hitKeyPrefix = "h:"

// hitStore keeps per-source redirect counters in memory and, when backed by
// leveldb, persists them through a single writer goroutine. The request path
// never touches the database.
type hitStore struct {
	db *leveldb.DB

	mu     sync.Mutex
	index  map[string]HitRecord
	closed bool

	ops  chan HitRecord
	done chan struct{}

	dropLog *rateLimitedLogger
}

// newHitStore opens the leveldb directory at path. An empty path keeps the
// counters in memory only.
func newHitStore(path string, logger *zap.Logger) (*hitStore, error) {
	h := &hitStore{
		index:   map[string]HitRecord{},
		ops:     make(chan HitRecord, 1024),
		done:    make(chan struct{}),
		dropLog: newRateLimitedLogger(logger, time.Minute),
	}
	if path != "" {
		db, err := leveldb.OpenFile(path, nil)
		if err != nil {
			return nil, err
		}
		h.db = db
		if err := h.loadIndex(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	go h.writerLoop()
	return h, nil
}

func (h *hitStore) loadIndex() error {
	it := h.db.NewIterator(util.BytesPrefix([]byte(hitKeyPrefix)), nil)
	defer it.Release()

	idx := map[string]HitRecord{}
	for it.Next() {
		var rec HitRecord
		if err := decodeGob(it.Value(), &rec); err != nil {
			continue
		}
		idx[string(bytes.TrimPrefix(it.Key(), []byte(hitKeyPrefix)))] = rec
	}
	if err := it.Error(); err != nil {
		return err
	}
	h.mu.Lock()
	h.index = idx
	h.mu.Unlock()
	return nil
}

// Record counts one redirect for rule. Persistence is best-effort: when the
// writer falls behind the update stays in memory and is flushed with the
// next write for the same source.
func (h *hitStore) Record(rule redirect.Rule, at time.Time) {
	now := at.UTC().UnixNano()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	rec := h.index[rule.Source]
	if rec.Count == 0 {
		rec.FirstAt = now
	}
	rec.Source = rule.Source
	rec.Destination = rule.Destination
	rec.Status = rule.StatusCode()
	rec.Count++
	rec.LastAt = now
	h.index[rule.Source] = rec

	if h.db == nil {
		return
	}
	select {
	case h.ops <- rec:
	default:
		h.dropLog.Warn("redirect hit store is behind, dropping write", zap.String("source", rule.Source))
	}
}

// Snapshot returns all records sorted by source.
func (h *hitStore) Snapshot() []HitRecord {
	h.mu.Lock()
	out := make([]HitRecord, 0, len(h.index))
	for _, rec := range h.index {
		out = append(out, rec)
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (h *hitStore) writerLoop() {
	defer close(h.done)
	for rec := range h.ops {
		b, err := encodeGob(rec)
		if err != nil {
			continue
		}
		_ = h.db.Put([]byte(hitKeyPrefix+rec.Source), b, nil)
	}
}

// close drains pending writes and closes the database.
func (h *hitStore) close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.ops)
	h.mu.Unlock()

	<-h.done
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
