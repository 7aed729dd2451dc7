package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aiworkflow/jobhub/internal/jobs"
)

var errQueueClosed = errors.New("queue is closed")

// Memory はプロセス内で完結するキューです。Redis 無しでの開発とテストに使います。
// 再試行・保持件数・シャットダウン時の扱いは RedisQueue と揃えています。
type Memory struct {
	opts   Options
	logger *log.Logger

	mu        sync.Mutex
	seq       uint64
	entries   map[jobs.JobID]*memEntry
	waiting   []jobs.JobID
	completed []jobs.JobID
	failed    []jobs.JobID
	started   bool
	closed    bool

	wake   chan struct{}
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type memEntry struct {
	id       jobs.JobID
	payload  jobs.Payload
	policy   jobs.RetryPolicy
	state    jobs.State
	progress int
	result   *jobs.ReturnValue
	attempts int
	lastErr  string
	timer    *time.Timer
}

func (e *memEntry) snapshot() *jobs.QueuedJob {
	job := &jobs.QueuedJob{
		ID:           e.id,
		State:        e.state,
		Payload:      e.payload,
		Progress:     e.progress,
		AttemptsMade: e.attempts,
		FailedReason: e.lastErr,
	}
	if e.result != nil {
		rv := *e.result
		job.Return = &rv
	}
	return job
}

// NewMemory は Memory を作成します。
func NewMemory(opts Options, logger *log.Logger) *Memory {
	if logger == nil {
		logger = log.Default()
	}
	return &Memory{
		opts:    opts.withDefaults(),
		logger:  logger,
		entries: make(map[jobs.JobID]*memEntry),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// NextID は連番のジョブIDを払い出します。
func (m *Memory) NextID(ctx context.Context) (jobs.JobID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return jobs.JobID(m.seq), nil
}

// Enqueue はジョブを待機列の末尾に追加します。
func (m *Memory) Enqueue(ctx context.Context, id jobs.JobID, payload jobs.Payload, policy jobs.RetryPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errQueueClosed
	}
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", jobs.ErrDuplicateJob, id)
	}
	if uint64(id) > m.seq {
		m.seq = uint64(id)
	}
	m.entries[id] = &memEntry{
		id:      id,
		payload: payload,
		policy:  normalizePolicy(policy),
		state:   jobs.StateWaiting,
	}
	m.waiting = append(m.waiting, id)
	m.mu.Unlock()

	m.signal()
	return nil
}

// Lookup はジョブの現在値を返します。
func (m *Memory) Lookup(ctx context.Context, id jobs.JobID) (*jobs.QueuedJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return e.snapshot(), nil
}

// List は指定した状態のジョブをID順に返します。
func (m *Memory) List(ctx context.Context, states ...jobs.State) ([]*jobs.QueuedJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[jobs.State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	m.mu.Lock()
	out := make([]*jobs.QueuedJob, 0, len(m.entries))
	for _, e := range m.entries {
		if want[e.state] {
			out = append(out, e.snapshot())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Remove はレコードを削除します。実行中のジョブは jobs.ErrJobActive になります。
func (m *Memory) Remove(ctx context.Context, id jobs.JobID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	if e.state == jobs.StateActive {
		return fmt.Errorf("%w: %s", jobs.ErrJobActive, id)
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	m.waiting = without(m.waiting, id)
	m.completed = without(m.completed, id)
	m.failed = without(m.failed, id)
	delete(m.entries, id)
	return nil
}

// Ping は常に成功します。
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Start は Concurrency 個のワーカーを起動します。
func (m *Memory) Start(proc jobs.Processor) error {
	if proc == nil {
		return errors.New("processor is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errQueueClosed
	}
	if m.started {
		return errors.New("queue already started")
	}
	m.started = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for i := 0; i < m.opts.Concurrency; i++ {
		m.wg.Add(1)
		go m.work(ctx, proc)
	}
	return nil
}

// Shutdown は新規の取り出しを止め、実行中のジョブを ShutdownTimeout まで待ちます。
// 期限を過ぎたジョブは中断して待機列へ戻します。
func (m *Memory) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	started := m.started
	m.mu.Unlock()

	close(m.stop)
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.opts.ShutdownTimeout):
		m.logger.Printf("queue: shutdown timeout, interrupting in-flight jobs")
		m.cancel()
		<-done
	}
	m.cancel()
	return nil
}

func (m *Memory) work(ctx context.Context, proc jobs.Processor) {
	defer m.wg.Done()
	for {
		e, exec := m.take()
		if e == nil {
			select {
			case <-m.wake:
				continue
			case <-m.stop:
				return
			}
		}
		rv, err := process(ctx, proc, exec)
		m.finish(ctx, e, rv, err)
	}
}

func process(ctx context.Context, proc jobs.Processor, exec *jobs.Execution) (rv *jobs.ReturnValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return proc.Process(ctx, exec)
}

// take は待機列の先頭を active にして返します。
func (m *Memory) take() (*memEntry, *jobs.Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil
	}
	for len(m.waiting) > 0 {
		id := m.waiting[0]
		m.waiting = m.waiting[1:]
		e, ok := m.entries[id]
		if !ok || e.state != jobs.StateWaiting {
			continue
		}
		e.state = jobs.StateActive
		e.attempts++
		e.progress = 0
		if len(m.waiting) > 0 {
			m.signal()
		}
		return e, &jobs.Execution{
			ID:      e.id,
			Payload: e.payload,
			Attempt: e.attempts,
			Report:  m.reporter(e),
		}
	}
	return nil, nil
}

func (m *Memory) reporter(e *memEntry) jobs.ProgressFunc {
	return func(ctx context.Context, percent int) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		e.progress = clampPercent(percent)
		return nil
	}
}

func (m *Memory) finish(ctx context.Context, e *memEntry, rv *jobs.ReturnValue, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil && ctx.Err() != nil && m.closed {
		e.state = jobs.StateWaiting
		e.attempts--
		m.waiting = append([]jobs.JobID{e.id}, m.waiting...)
		return
	}

	switch {
	case err == nil:
		e.state = jobs.StateCompleted
		e.result = rv
		e.lastErr = ""
		m.completed = append(m.completed, e.id)
		m.completed = m.evict(m.completed, m.opts.KeepCompleted, jobs.StateCompleted)
	case errors.Is(err, jobs.ErrCancelledByUser) || e.attempts >= e.policy.Attempts:
		e.state = jobs.StateFailed
		e.lastErr = err.Error()
		m.failed = append(m.failed, e.id)
		m.failed = m.evict(m.failed, m.opts.KeepFailed, jobs.StateFailed)
	default:
		e.state = jobs.StateDelayed
		e.lastErr = err.Error()
		delay := backoffDelay(e.policy.Backoff, e.attempts-1)
		e.timer = time.AfterFunc(delay, func() { m.promote(e) })
	}
}

func (m *Memory) promote(e *memEntry) {
	m.mu.Lock()
	if m.closed || m.entries[e.id] != e || e.state != jobs.StateDelayed {
		m.mu.Unlock()
		return
	}
	e.state = jobs.StateWaiting
	e.timer = nil
	m.waiting = append(m.waiting, e.id)
	m.mu.Unlock()
	m.signal()
}

// evict は keep 件を超えた分を古い順にレコードごと削除します。
func (m *Memory) evict(ids []jobs.JobID, keep int, state jobs.State) []jobs.JobID {
	for len(ids) > keep {
		id := ids[0]
		ids = ids[1:]
		if e, ok := m.entries[id]; ok && e.state == state {
			delete(m.entries, id)
		}
	}
	return ids
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func without(ids []jobs.JobID, id jobs.JobID) []jobs.JobID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
