package logsvc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/petrijr/taskworker/pkg/api"
)

// Key layout. Components are separated by 0x00 so ids can contain any
// printable character.
//
//	rec\x00<record id>                         JSON TaskRecord
//	idx\x00<task id>\x00<record id>            empty; task id index
//	tim\x00<started uint64 BE>\x00<record id>  empty; start time index
//	log\x00<seq uint64 BE>                     JSON TaskLog, in write order
//	tlg\x00<task id>\x00<seq uint64 BE>        JSON TaskLog, by task
//	wrk\x00<worker id>                         JSON WorkerHeartbeat
const sep = "\x00"

var (
	recPrefix     = []byte("rec" + sep)
	idxPrefix     = []byte("idx" + sep)
	timPrefix     = []byte("tim" + sep)
	logPrefix     = []byte("log" + sep)
	taskLogPrefix = []byte("tlg" + sep)
	wrkPrefix     = []byte("wrk" + sep)
)

// PebbleLogService persists log events in an embedded Pebble database.
type PebbleLogService struct {
	db        *pebble.DB
	ids       *correlator
	logger    *slog.Logger
	writeOpts *pebble.WriteOptions

	// mu serializes read-modify-write of task records.
	mu  sync.Mutex
	seq atomic.Uint64
}

// PebbleOptions configures OpenPebbleLogService.
type PebbleOptions struct {
	// Dir is the database directory; it is created if missing.
	Dir string
	// Sync forces a WAL sync on every write.
	Sync bool
	// Pebble allows tuning the underlying database.
	Pebble *pebble.Options
	Logger *slog.Logger
}

// OpenPebbleLogService opens or creates the database in opts.Dir.
func OpenPebbleLogService(opts PebbleOptions) (*PebbleLogService, error) {
	if opts.Dir == "" {
		return nil, errors.New("pebble log service: directory is required")
	}
	po := opts.Pebble
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.Dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", opts.Dir, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &PebbleLogService{
		db:        db,
		ids:       newCorrelator(logger),
		logger:    logger,
		writeOpts: pebble.NoSync,
	}
	if opts.Sync {
		s.writeOpts = pebble.Sync
	}
	// Log keys sort by sequence; starting from the clock keeps them ordered
	// across restarts.
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

var (
	_ api.LogService  = (*PebbleLogService)(nil)
	_ api.InfoService = (*PebbleLogService)(nil)
)

// Close closes the database.
func (s *PebbleLogService) Close() error {
	return s.db.Close()
}

func key(prefix []byte, parts ...string) []byte {
	k := append([]byte(nil), prefix...)
	for i, p := range parts {
		if i > 0 {
			k = append(k, sep...)
		}
		k = append(k, p...)
	}
	return k
}

// startedKey orders records by start time; the sign bit is flipped so
// times before 1970 still sort first.
func startedKey(rec api.TaskRecord, id string) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(unixNano(rec.Started))^(1<<63))
	return key(timPrefix, string(ts[:]), id)
}

func (s *PebbleLogService) getRecord(id string) (*api.TaskRecord, error) {
	val, closer, err := s.db.Get(key(recPrefix, id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	var rec api.TaskRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode task record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *PebbleLogService) putRecord(id string, rec api.TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode task record: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key(recPrefix, id), data, nil); err != nil {
		return err
	}
	if err := b.Set(key(idxPrefix, rec.Task.TaskID, id), nil, nil); err != nil {
		return err
	}
	if err := b.Set(startedKey(rec, id), nil, nil); err != nil {
		return err
	}
	return b.Commit(s.writeOpts)
}

func (s *PebbleLogService) TaskStarted(_ context.Context, _ *api.TaskContext, rec api.TaskRecord) error {
	id := s.ids.start(rec.Task.TaskID)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getRecord(id)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return s.putRecord(id, rec)
}

func (s *PebbleLogService) Log(_ context.Context, _ *api.TaskContext, line api.TaskLog) error {
	line.Contents = wrapContents(line.Contents)
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode log contents: %w", err)
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], s.seq.Add(1))

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key(logPrefix, string(seq[:])), data, nil); err != nil {
		return err
	}
	if err := b.Set(key(taskLogPrefix, line.TaskID, string(seq[:])), data, nil); err != nil {
		return err
	}
	return b.Commit(s.writeOpts)
}

func (s *PebbleLogService) TaskCompleted(_ context.Context, _ *api.TaskContext, rec api.TaskRecord) error {
	id := s.ids.finish(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getRecord(id)
	if err != nil {
		return err
	}
	if existing != nil {
		existing.Finished = rec.Finished
		existing.Elapsed = rec.Elapsed
		existing.Result = rec.Result
		existing.Error = rec.Error
		rec = *existing
	}
	return s.putRecord(id, rec)
}

func (s *PebbleLogService) WorkerHeartbeat(_ context.Context, hb api.WorkerHeartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return s.db.Set(key(wrkPrefix, hb.WorkerID), data, s.writeOpts)
}

// scan calls fn for every key/value under prefix, in key order, until fn
// returns false.
func (s *PebbleLogService) scan(prefix []byte, fn func(k, v []byte) (bool, error)) error {
	return s.iterate(prefix, false, fn)
}

// scanReverse is scan in descending key order.
func (s *PebbleLogService) scanReverse(prefix []byte, fn func(k, v []byte) (bool, error)) error {
	return s.iterate(prefix, true, fn)
}

func (s *PebbleLogService) iterate(prefix []byte, reverse bool, fn func(k, v []byte) (bool, error)) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer it.Close()

	first, next := it.First, it.Next
	if reverse {
		first, next = it.Last, it.Prev
	}
	for first(); it.Valid(); next() {
		more, err := fn(it.Key(), it.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return it.Error()
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleLogService) FindTasks(_ context.Context, q api.FindTasks) ([]api.TaskRecord, error) {
	limit := api.EffectiveLimit(q.Limit)

	if q.TaskID == "" {
		// Newest first from the start time index, stopping at the limit.
		var out []api.TaskRecord
		err := s.scanReverse(timPrefix, func(k, _ []byte) (bool, error) {
			id := string(k[len(timPrefix)+8+len(sep):])
			rec, err := s.getRecord(id)
			if err != nil {
				return false, err
			}
			if rec != nil && matchTask(*rec, q) {
				out = append(out, *rec)
			}
			return len(out) < limit, nil
		})
		return out, err
	}

	var ids []string
	prefix := key(idxPrefix, q.TaskID, "")
	err := s.scan(prefix, func(k, _ []byte) (bool, error) {
		ids = append(ids, string(k[len(prefix):]))
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var out []api.TaskRecord
	for _, id := range ids {
		rec, err := s.getRecord(id)
		if err != nil {
			return nil, err
		}
		if rec == nil || !matchTask(*rec, q) {
			continue
		}
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchTask(rec api.TaskRecord, q api.FindTasks) bool {
	return (q.TaskID == "" || rec.Task.TaskID == q.TaskID) &&
		(q.BatchID == "" || rec.Task.BatchID == q.BatchID) &&
		(q.Handler == "" || rec.Task.Handler == q.Handler) &&
		(q.WorkerID == "" || rec.WorkerID == q.WorkerID)
}

func (s *PebbleLogService) FindLogs(_ context.Context, q api.FindLogs) ([]api.TaskLog, error) {
	prefix := logPrefix
	if q.TaskID != "" {
		prefix = key(taskLogPrefix, q.TaskID, "")
	}
	limit := api.EffectiveLimit(q.Limit)

	var out []api.TaskLog
	err := s.scan(prefix, func(_, v []byte) (bool, error) {
		var line api.TaskLog
		if err := json.Unmarshal(v, &line); err != nil {
			return false, fmt.Errorf("decode task log: %w", err)
		}
		if q.WorkerID != "" && line.WorkerID != q.WorkerID {
			return true, nil
		}
		out = append(out, line)
		return len(out) < limit, nil
	})
	return out, err
}

func (s *PebbleLogService) FindWorkers(_ context.Context, q api.FindWorkers) ([]api.WorkerHeartbeat, error) {
	prefix := wrkPrefix
	if q.WorkerID != "" {
		prefix = key(wrkPrefix, q.WorkerID)
	}

	var out []api.WorkerHeartbeat
	err := s.scan(prefix, func(_, v []byte) (bool, error) {
		var hb api.WorkerHeartbeat
		if err := json.Unmarshal(v, &hb); err != nil {
			return false, fmt.Errorf("decode heartbeat: %w", err)
		}
		if q.WorkerID == "" || hb.WorkerID == q.WorkerID {
			out = append(out, hb)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := api.EffectiveLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
