package canbus

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// recorderTimeLayout is fixed width so stored timestamps sort as text.
const recorderTimeLayout = "2006-01-02T15:04:05.000Z"

// FrameRecorder records frames seen on the bus. Optional on the bridge.
type FrameRecorder interface {
	RecordFrame(frame Frame, matched bool)
}

// SeenFrame is one row of the can_frames_seen table.
type SeenFrame struct {
	ID        uint32    `json:"id"`
	LastData  []byte    `json:"last_data"`
	Count     int64     `json:"count"`
	Matched   bool      `json:"matched"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// StateRecord is one row of the state_changes history.
type StateRecord struct {
	UniqueID  string    `json:"unique_id"`
	Kind      Kind      `json:"kind"`
	Value     int       `json:"value"`
	Payload   string    `json:"payload"`
	ChangedAt time.Time `json:"changed_at"`
}

// RecorderOptions configures history retention.
type RecorderOptions struct {
	// RetentionDays is how long state history is kept. 0 keeps it forever.
	RetentionDays int

	// PruneSchedule is a cron expression for the prune job. Default "@daily".
	PruneSchedule string

	// QueueSize bounds the writes waiting for the database. Writes arriving
	// while it is full are dropped and counted. Default: 1024.
	QueueSize int
}

const defaultRecorderQueue = 1024

// recordJob is one queued write: a frame sighting or a state change.
type recordJob struct {
	frame   Frame
	matched bool
	change  *StateChange
	at      time.Time
}

// Recorder keeps a SQLite record of every CAN id seen on the bus and every
// published state change. It implements FrameRecorder and StateObserver.
//
// The database must have the can_frames_seen and state_changes tables from
// the embedded migrations.
//
// Thread Safety: All methods are safe for concurrent use. RecordFrame and
// OnStateChange run on the bus goroutine, so they only queue; one writer
// goroutine owns the statements. A full queue drops the write.
type Recorder struct {
	db     *sql.DB
	opts   RecorderOptions
	logger Logger

	frameStmt *sql.Stmt
	stateStmt *sql.Stmt
	stmtMu    sync.Mutex

	cron *cron.Cron

	queue      chan recordJob
	writerDone chan struct{}
	dropped    atomic.Uint64

	closed bool
	mu     sync.RWMutex

	now func() time.Time
}

// Ensure Recorder implements both hooks.
var (
	_ FrameRecorder = (*Recorder)(nil)
	_ StateObserver = (*Recorder)(nil)
)

// NewRecorder creates a recorder. Call Start before use.
func NewRecorder(db *sql.DB, opts RecorderOptions) *Recorder {
	if opts.PruneSchedule == "" {
		opts.PruneSchedule = "@daily"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultRecorderQueue
	}
	return &Recorder{
		db:    db,
		opts:  opts,
		queue: make(chan recordJob, opts.QueueSize),
		now:   time.Now,
	}
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the statements and schedules retention. Calling it again
// is a no-op.
func (r *Recorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.frameStmt != nil {
		return nil
	}

	frameStmt, err := r.db.Prepare(`
		INSERT INTO can_frames_seen (can_id, last_data, frame_count, matched, first_seen, last_seen)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(can_id) DO UPDATE SET
			last_data = excluded.last_data,
			frame_count = frame_count + 1,
			matched = MAX(matched, excluded.matched),
			last_seen = excluded.last_seen
	`)
	if err != nil {
		return fmt.Errorf("preparing frame upsert statement: %w", err)
	}

	stateStmt, err := r.db.Prepare(`
		INSERT INTO state_changes (unique_id, kind, raw_value, payload, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		frameStmt.Close()
		return fmt.Errorf("preparing state insert statement: %w", err)
	}

	if r.opts.RetentionDays > 0 {
		c := cron.New()
		if _, err := c.AddFunc(r.opts.PruneSchedule, r.runPrune); err != nil {
			frameStmt.Close()
			stateStmt.Close()
			return fmt.Errorf("scheduling history prune %q: %w", r.opts.PruneSchedule, err)
		}
		c.Start()
		r.cron = c
	}

	r.frameStmt = frameStmt
	r.stateStmt = stateStmt

	r.writerDone = make(chan struct{})
	go r.writeLoop(frameStmt, stateStmt, r.writerDone)

	r.log("recorder started", "retention_days", r.opts.RetentionDays)
	return nil
}

// Stop stops accepting writes, flushes the queue, halts the prune schedule
// and releases the statements.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.writerDone != nil {
		<-r.writerDone
		r.writerDone = nil
	}

	if r.cron != nil {
		<-r.cron.Stop().Done()
		r.cron = nil
	}
	if r.frameStmt != nil {
		r.frameStmt.Close()
		r.frameStmt = nil
	}
	if r.stateStmt != nil {
		r.stateStmt.Close()
		r.stateStmt = nil
	}

	r.log("recorder stopped")
}

// RecordFrame queues an upsert of the frame's id row. Called for every
// received frame.
func (r *Recorder) RecordFrame(frame Frame, matched bool) {
	r.enqueue(recordJob{frame: frame, matched: matched, at: r.now()})
}

// OnStateChange queues the change for the history table.
func (r *Recorder) OnStateChange(change StateChange) {
	at := change.At
	if at.IsZero() {
		at = r.now()
	}
	r.enqueue(recordJob{change: &change, at: at})
}

// Dropped returns how many writes were lost to a full queue.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// enqueue never blocks. The read lock keeps Stop from closing the queue
// under a send.
func (r *Recorder) enqueue(job recordJob) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- job:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.logWarn("recorder queue full, dropping writes", "dropped", n)
		}
	}
}

// writeLoop applies queued writes until Stop closes the queue.
func (r *Recorder) writeLoop(frameStmt, stateStmt *sql.Stmt, done chan<- struct{}) {
	defer close(done)
	for job := range r.queue {
		if job.change != nil {
			r.writeState(stateStmt, job)
		} else {
			r.writeFrame(frameStmt, job)
		}
	}
}

func (r *Recorder) writeFrame(stmt *sql.Stmt, job recordJob) {
	at := job.at.UTC().Format(recorderTimeLayout)
	data := job.frame.Data
	if data == nil {
		data = []byte{}
	}
	if _, err := stmt.Exec(int64(job.frame.ID), data, boolToInt(job.matched), at, at); err != nil {
		r.logError("recording frame", err)
	}
}

func (r *Recorder) writeState(stmt *sql.Stmt, job recordJob) {
	change := job.change
	info := change.Device.Info()
	if _, err := stmt.Exec(info.UniqueID, string(change.Device.Kind()), change.Value,
		string(change.Payload), job.at.UTC().Format(recorderTimeLayout)); err != nil {
		r.logError("recording state change", err)
	}
}

// Prune deletes history older than the retention window and returns the
// number of rows removed.
func (r *Recorder) Prune(ctx context.Context) (int64, error) {
	if r.opts.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := r.now().UTC().AddDate(0, 0, -r.opts.RetentionDays).Format(recorderTimeLayout)
	res, err := r.db.ExecContext(ctx, `DELETE FROM state_changes WHERE changed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}
	return res.RowsAffected()
}

// SeenFrames returns recorded CAN ids, most recently seen first.
func (r *Recorder) SeenFrames(ctx context.Context, limit int) ([]SeenFrame, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT can_id, last_data, frame_count, matched, first_seen, last_seen
		FROM can_frames_seen
		ORDER BY last_seen DESC, can_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []SeenFrame
	for rows.Next() {
		var (
			f                   SeenFrame
			id                  int64
			matched             int
			firstSeen, lastSeen string
		)
		if err := rows.Scan(&id, &f.LastData, &f.Count, &matched, &firstSeen, &lastSeen); err != nil {
			return nil, err
		}
		f.ID = uint32(id) // #nosec G115 -- stored from a uint32
		f.Matched = matched == 1
		f.FirstSeen, _ = time.Parse(recorderTimeLayout, firstSeen) //nolint:errcheck // Written by RecordFrame
		f.LastSeen, _ = time.Parse(recorderTimeLayout, lastSeen)   //nolint:errcheck // Written by RecordFrame
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// History returns a device's state changes, newest first.
func (r *Recorder) History(ctx context.Context, uniqueID string, limit int) ([]StateRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT unique_id, kind, raw_value, payload, changed_at
		FROM state_changes
		WHERE unique_id = ?
		ORDER BY changed_at DESC, id DESC
		LIMIT ?
	`, uniqueID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []StateRecord
	for rows.Next() {
		var (
			rec       StateRecord
			kind      string
			changedAt string
		)
		if err := rows.Scan(&rec.UniqueID, &kind, &rec.Value, &rec.Payload, &changedAt); err != nil {
			return nil, err
		}
		rec.Kind = Kind(kind)
		rec.ChangedAt, _ = time.Parse(recorderTimeLayout, changedAt) //nolint:errcheck // Written by OnStateChange
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Recorder) runPrune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := r.Prune(ctx)
	if err != nil {
		r.logError("history prune failed", err)
		return
	}
	r.log("history pruned", "rows", n, "retention_days", r.opts.RetentionDays)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *Recorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

func (r *Recorder) logWarn(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, keysAndValues...)
	}
}

func (r *Recorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
