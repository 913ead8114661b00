// Package queue is the background worker of section 5 / 4.4: LFS version
// trimming ("Garbage collection") and quota recomputation. Its
// download_aggregate task does nothing, since download sessions are counted
// at request time. It runs out of the request path, polling a
// SQLite-backed task table the same way the teacher's pkg/queue does.
//
// Grounded on the teacher's pkg/queue/{store,worker}.go: the same
// CREATE TABLE IF NOT EXISTS / prepared-statement style, the same poll-loop
// + cancel-context shape (one context for the whole worker, not one per
// task), and the same pub/sub task-event channel
// for progress observers, generalized from the teacher's generic
// "repository_sync"/"lfs_sync" import-mirroring task types to this spec's
// three background task kinds.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kohakuhub/hub/internal/blobstore"
	"github.com/kohakuhub/hub/internal/db"
)

// TaskType identifies one of the three background task kinds section 5/4.4
// names: LFS version GC, quota recompute, and download-session aggregation.
type TaskType string

const (
	TaskTypeLFSGC             TaskType = "lfs_gc"
	TaskTypeQuotaRecompute    TaskType = "quota_recompute"
	TaskTypeDownloadAggregate TaskType = "download_aggregate"
)

// TaskStatus mirrors the teacher's queue.TaskStatus enum.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is a queued background unit of work, scoped to one repository.
type Task struct {
	ID          int64
	Type        TaskType
	Status      TaskStatus
	RepoID      int64
	Params      map[string]string
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// TaskEvent is a change notification delivered to Subscribe()d channels.
type TaskEvent struct {
	Kind string // "created", "updated"
	Task *Task
}

// Subscriber receives task change events.
type Subscriber chan TaskEvent

// Store is the SQLite-backed task queue, independent of the main
// relational DB connection so GC/recompute churn never contends with the
// commit engine's transactions.
type Store struct {
	conn *sql.DB

	mu          sync.Mutex
	subMu       sync.RWMutex
	subscribers map[Subscriber]struct{}
}

// NewStore opens (and migrates) the task queue database at dsn.
func NewStore(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			repo_id INTEGER NOT NULL,
			params TEXT,
			error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}
	return &Store{conn: conn, subscribers: make(map[Subscriber]struct{})}, nil
}

func (s *Store) Close() error { return s.conn.Close() }

// Add enqueues one task, the way the teacher's Store.Add does.
func (s *Store) Add(taskType TaskType, repoID int64, params map[string]string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal task params: %w", err)
	}
	res, err := s.conn.Exec(`
		INSERT INTO tasks (type, repo_id, params, created_at) VALUES (?, ?, ?, ?)
	`, taskType, repoID, string(paramsJSON), time.Now())
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	task, err := s.getByID(id)
	if err != nil {
		return nil, err
	}
	s.notify("created", task)
	return task, nil
}

func (s *Store) getByID(id int64) (*Task, error) {
	row := s.conn.QueryRow(`
		SELECT id, type, status, repo_id, params, error, created_at, completed_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// GetNext returns the oldest pending task, or nil if the queue is empty.
func (s *Store) GetNext() (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.conn.QueryRow(`
		SELECT id, type, status, repo_id, params, error, created_at, completed_at
		FROM tasks WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1
	`)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// UpdateStatus transitions a task's status, recording completion time and
// any failure message.
func (s *Store) UpdateStatus(id int64, status TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	switch status {
	case TaskStatusCompleted, TaskStatusFailed:
		_, err = s.conn.Exec(`UPDATE tasks SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
			status, time.Now(), errMsg, id)
	default:
		_, err = s.conn.Exec(`UPDATE tasks SET status = ?, error = ? WHERE id = ?`, status, errMsg, id)
	}
	if err == nil {
		if task, getErr := s.getByID(id); getErr == nil {
			s.notify("updated", task)
		}
	}
	return err
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var paramsJSON string
	var completedAt sql.NullTime
	var errStr sql.NullString
	if err := row.Scan(&t.ID, &t.Type, &t.Status, &t.RepoID, &paramsJSON, &errStr, &t.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &t.Params); err != nil {
			return nil, fmt.Errorf("parse task params: %w", err)
		}
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if errStr.Valid {
		t.Error = errStr.String
	}
	return &t, nil
}

// Subscribe registers a channel for task lifecycle notifications.
func (s *Store) Subscribe() Subscriber {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(Subscriber, 64)
	s.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a previously Subscribe()d channel.
func (s *Store) Unsubscribe(sub Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subscribers[sub]; ok {
		delete(s.subscribers, sub)
		close(sub)
	}
}

func (s *Store) notify(kind string, task *Task) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	ev := TaskEvent{Kind: kind, Task: task}
	for sub := range s.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Worker polls Store for pending tasks and dispatches them to Processor,
// one goroutine at a time per task (teacher's pollLoop/processTask split,
// generalized to this package's narrower task set).
type Worker struct {
	store     *Store
	processor *Processor
	pollDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(store *Store, processor *Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{store: store, processor: processor, pollDelay: time.Second, ctx: ctx, cancel: cancel}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}
		task, err := w.store.GetNext()
		if err != nil {
			log.Printf("queue: error getting next task: %v", err)
			time.Sleep(w.pollDelay)
			continue
		}
		if task == nil {
			time.Sleep(w.pollDelay)
			continue
		}
		if err := w.store.UpdateStatus(task.ID, TaskStatusRunning, ""); err != nil {
			log.Printf("queue: error marking task %d running: %v", task.ID, err)
			continue
		}
		if err := w.processor.Process(w.ctx, task); err != nil {
			log.Printf("queue: task %d (%s) failed: %v", task.ID, task.Type, err)
			w.store.UpdateStatus(task.ID, TaskStatusFailed, err.Error())
			continue
		}
		w.store.UpdateStatus(task.ID, TaskStatusCompleted, "")
	}
}

// Processor dispatches a task to the section 4.4/5 handler for its type.
// It is the narrow GCEnqueuer the commit engine depends on (avoiding an
// import cycle commitengine <-> queue) plus a plain synchronous API the
// Worker and any manual/admin trigger can call directly.
type Processor struct {
	DB    *db.DB
	Blob  *blobstore.Store
	Queue *Store
}

// EnqueueGC implements commitengine.GCEnqueuer: it stages one lfs_gc task
// per touched path rather than running GC inline, so a slow GC pass never
// blocks the commit response (section 4.1 step 11: "enqueue a background
// GC pass").
func (p *Processor) EnqueueGC(repoID int64, paths []string) {
	for _, path := range paths {
		if _, err := p.Queue.Add(TaskTypeLFSGC, repoID, map[string]string{"path": path}); err != nil {
			log.Printf("queue: failed to enqueue lfs_gc for repo %d path %q: %v", repoID, path, err)
		}
	}
}

// EnqueueQuotaRecompute stages a quota recompute pass for a repository.
func (p *Processor) EnqueueQuotaRecompute(repoID int64) {
	if _, err := p.Queue.Add(TaskTypeQuotaRecompute, repoID, nil); err != nil {
		log.Printf("queue: failed to enqueue quota_recompute for repo %d: %v", repoID, err)
	}
}

func (p *Processor) Process(ctx context.Context, task *Task) error {
	switch task.Type {
	case TaskTypeLFSGC:
		return p.runLFSGC(task.RepoID, task.Params["path"])
	case TaskTypeQuotaRecompute:
		return p.DB.RecomputeUsedBytes(task.RepoID)
	case TaskTypeDownloadAggregate:
		return nil // aggregation happens synchronously via db.UpsertDailyStatTx at request time
	default:
		return fmt.Errorf("queue: no handler for task type %q", task.Type)
	}
}

// runLFSGC implements section 4.4's garbage collection: retain the most
// recent lfs_keep_versions unique oids in a path's history; for older
// oids, delete the backing blob once nothing else references it, and
// always trim the superseded history rows themselves so section 8
// invariant 6 ("at most lfs_keep_versions distinct historical oids remain
// in LFS_OBJECT_HISTORY") holds after GC, not just the blob layer.
func (p *Processor) runLFSGC(repoID int64, path string) error {
	repo, err := p.DB.GetRepositoryByID(repoID)
	if err != nil {
		return fmt.Errorf("load repository %d: %w", repoID, err)
	}
	keep := repo.LFSKeepVersions
	if keep <= 0 {
		keep = 5
	}

	history, err := p.DB.ListLFSHistory(repoID, path)
	if err != nil {
		return fmt.Errorf("list lfs history for %s: %w", path, err)
	}

	seen := make(map[string]bool, len(history))
	var stale []string
	for _, h := range history {
		if seen[h.SHA256] {
			continue
		}
		seen[h.SHA256] = true
		if len(seen) > keep {
			stale = append(stale, h.SHA256)
		}
	}

	for _, oid := range stale {
		referenced, err := p.DB.SHA256ReferencedElsewhere(oid, repoID, path)
		if err != nil {
			return fmt.Errorf("check references for %s: %w", oid, err)
		}
		if !referenced {
			// Deletion is best-effort and idempotent: a missing blob is not
			// an error (section 4.4, "Deletion is best-effort and
			// idempotent").
			if err := p.Blob.Delete(oid); err != nil {
				log.Printf("queue: lfs_gc: delete blob %s: %v", oid, err)
			}
		}
		// The history row is trimmed regardless of whether the blob itself
		// could be deleted: invariant 6 bounds LFS_OBJECT_HISTORY per
		// (repo, path), not the blob's global reference count.
		if err := p.DB.DeleteLFSHistory(repoID, path, oid); err != nil {
			return fmt.Errorf("trim lfs history for %s: %w", oid, err)
		}
	}
	return nil
}
