package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"proman-api/domain"
	"proman-api/storage"
)

// Options tunes manager timing. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// SettleDelay is how long a stop waits after the commit so watchers of
	// the user document observe the cleared timer before the next start.
	SettleDelay time.Duration
	// Tick is the cadence of elapsed-seconds updates.
	Tick time.Duration
}

// DefaultOptions are the production timings.
func DefaultOptions() Options {
	return Options{SettleDelay: 500 * time.Millisecond, Tick: time.Second}
}

// State is a snapshot of a user's timer, pushed to watchers on every tick
// and on every lifecycle change.
type State struct {
	Active         *domain.ActiveTimer `json:"active,omitempty"`
	ElapsedSeconds int64               `json:"elapsedSeconds"`
	Stale          bool                `json:"stale"`
}

// Manager runs the timer lifecycle for one user. At most one timer is active
// per user: starting a new one stops the previous one first, and stopping
// commits the time log, both counters and the cleared user pointer in a
// single atomic batch.
type Manager struct {
	store  storage.Store
	logger *log.Entry
	userID string
	opts   Options

	mu       sync.Mutex
	active   *domain.ActiveTimer
	elapsed  int64
	stopping bool
	tickStop chan struct{}
	watchers map[chan State]struct{}
}

// NewManager creates a manager for one user.
func NewManager(store storage.Store, logger *log.Logger, userID string, opts Options) *Manager {
	return &Manager{
		store:    store,
		logger:   logger.WithField("userId", userID),
		userID:   userID,
		opts:     opts,
		watchers: make(map[chan State]struct{}),
	}
}

// Start begins timing a subtask. A running timer is stopped and committed
// first, so its tracked seconds are never lost.
func (m *Manager) Start(ctx context.Context, taskID, subtaskID, projectID string) error {
	if m.userID == "" {
		return fmt.Errorf("start timer: %w", domain.ErrUnauthenticated)
	}

	m.mu.Lock()
	running := m.active != nil
	m.mu.Unlock()
	if running {
		if err := m.Stop(ctx); err != nil {
			return fmt.Errorf("stop previous timer: %w", err)
		}
	}

	now := m.store.ServerNow()
	timer := &domain.ActiveTimer{
		IsRunning:      true,
		TaskID:         taskID,
		SubtaskID:      subtaskID,
		ProjectID:      projectID,
		StartTime:      now,
		LocalStartTime: now.Format(time.RFC3339Nano),
	}
	if err := m.persistUserTimer(ctx, timer); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = timer
	m.elapsed = 0
	m.startTickerLocked()
	m.mu.Unlock()

	m.logger.WithFields(log.Fields{"taskId": taskID, "subtaskId": subtaskID}).Info("timer started")
	m.broadcast()
	return nil
}

// Stop ends the running timer and commits, atomically: a new time log, the
// subtask's actual seconds, the task's aggregate seconds and the cleared
// user pointer. A non-positive duration only clears the timer. If the batch
// fails the timer is force-stopped so the user is never left with a pointer
// to untracked time, and the batch error is returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	timer := m.active
	if timer == nil {
		m.mu.Unlock()
		m.logger.Warn("stop requested with no active timer")
		return nil
	}
	m.stopping = true
	m.mu.Unlock()
	defer m.clearStopping()

	now := m.store.ServerNow()
	duration := int64(now.Sub(timer.StartedAt()) / time.Second)

	if duration <= 0 {
		m.logger.WithField("durationSeconds", duration).Warn("non-positive duration, clearing timer without a log")
		m.clearLocal()
		if err := m.persistUserTimer(ctx, nil); err != nil {
			return err
		}
		m.broadcast()
		return nil
	}

	// Local state goes first so a watcher refresh during the commit cannot
	// resurrect the timer.
	m.clearLocal()

	ops, err := m.stopBatch(ctx, timer, duration, now)
	if err != nil {
		m.ForceStop(ctx)
		return err
	}
	if err := m.store.AtomicBatch(ctx, ops); err != nil {
		m.logger.WithError(err).Error("stop batch failed, force stopping")
		m.ForceStop(ctx)
		return err
	}

	m.logger.WithField("durationSeconds", duration).Info("timer stopped")
	m.settle()
	m.broadcast()
	return nil
}

// stopBatch assembles the four writes of a stop. The counter documents are
// read back so the increments apply to their current values.
func (m *Manager) stopBatch(ctx context.Context, timer *domain.ActiveTimer, duration int64, now time.Time) ([]storage.BatchOp, error) {
	entry := domain.TimeLog{
		UserID:    m.userID,
		TaskID:    timer.TaskID,
		SubtaskID: timer.SubtaskID,
		Seconds:   duration,
		CreatedAt: now,
	}
	logData, err := sonic.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode time log: %w", err)
	}

	subDoc, err := m.store.GetByID(ctx, storage.Subtasks, timer.SubtaskID)
	if err != nil {
		return nil, fmt.Errorf("subtask %s: %w", timer.SubtaskID, err)
	}
	var sub domain.Subtask
	if err := sonic.Unmarshal(subDoc.Data, &sub); err != nil {
		return nil, fmt.Errorf("decode subtask %s: %w", timer.SubtaskID, err)
	}
	sub.ActualSeconds += duration
	subData, err := sonic.Marshal(sub)
	if err != nil {
		return nil, err
	}

	taskDoc, err := m.store.GetByID(ctx, storage.Tasks, timer.TaskID)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", timer.TaskID, err)
	}
	var task domain.Task
	if err := sonic.Unmarshal(taskDoc.Data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", timer.TaskID, err)
	}
	task.Aggregates.TotalActualSeconds += duration
	taskData, err := sonic.Marshal(task)
	if err != nil {
		return nil, err
	}

	userData, err := m.userWithTimer(ctx, nil)
	if err != nil {
		return nil, err
	}

	return []storage.BatchOp{
		{Collection: storage.TimeLogs, Kind: storage.BatchInsert, Data: logData},
		{Collection: storage.Subtasks, Kind: storage.BatchUpdate, ID: timer.SubtaskID, Data: subData},
		{Collection: storage.Tasks, Kind: storage.BatchUpdate, ID: timer.TaskID, Data: taskData},
		{Collection: storage.Users, Kind: storage.BatchUpdate, ID: m.userID, Data: userData},
	}, nil
}

// ForceStop clears the timer without writing a time log. The tracked
// seconds are dropped. Persistence errors are logged, not returned: force
// stop is the cleanup of last resort and must always leave the local state
// cleared.
func (m *Manager) ForceStop(ctx context.Context) {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	defer m.clearStopping()

	m.logger.Warn("force stopping timer")
	m.clearLocal()

	if m.userID != "" {
		if err := m.persistUserTimer(ctx, nil); err != nil {
			m.logger.WithError(err).Error("clear active timer")
		} else {
			m.settle()
		}
	}
	m.broadcast()
}

// StopOrForce is the sign-out path: a failed stop is downgraded to the
// force stop it already fell back to.
func (m *Manager) StopOrForce(ctx context.Context) {
	if err := m.Stop(ctx); err != nil {
		m.logger.WithError(err).Warn("stop on sign-out failed, timer was force stopped")
	}
}

// Load adopts the timer stored on the user profile, as after a reconnect.
// It is skipped while a stop is in flight so the stop cannot be undone by a
// stale snapshot.
func (m *Manager) Load(timer *domain.ActiveTimer) {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		m.logger.Debug("skipping timer load, stop in progress")
		return
	}
	if timer == nil {
		m.stopTickerLocked()
		m.active = nil
		m.elapsed = 0
		m.mu.Unlock()
		m.broadcast()
		return
	}
	m.active = timer
	m.elapsed = elapsedSince(timer, m.store.ServerNow())
	m.startTickerLocked()
	m.mu.Unlock()
	m.broadcast()
}

// State snapshots the timer for transport.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	s := State{ElapsedSeconds: m.elapsed}
	if m.active != nil {
		snapshot := *m.active
		s.Active = &snapshot
		now := m.store.ServerNow()
		s.ElapsedSeconds = elapsedSince(m.active, now)
		s.Stale = now.Sub(m.active.StartedAt()) > domain.StaleTimerThreshold
	}
	return s
}

// IsStale reports whether the timer has been running past the stale
// threshold. Stale timers are surfaced, never auto-stopped.
func (m *Manager) IsStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return false
	}
	return m.store.ServerNow().Sub(m.active.StartedAt()) > domain.StaleTimerThreshold
}

// Watch subscribes to state snapshots. The returned cancel func releases
// the watcher; the channel is latest-wins and never blocks the manager.
func (m *Manager) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	ch <- m.stateLocked()
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.watchers, ch)
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) broadcast() {
	m.mu.Lock()
	state := m.stateLocked()
	for ch := range m.watchers {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
	m.mu.Unlock()
}

func (m *Manager) startTickerLocked() {
	m.stopTickerLocked()
	stop := make(chan struct{})
	m.tickStop = stop
	go func() {
		ticker := time.NewTicker(m.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				if m.active == nil {
					m.mu.Unlock()
					return
				}
				m.elapsed = elapsedSince(m.active, m.store.ServerNow())
				m.mu.Unlock()
				m.broadcast()
			}
		}
	}()
}

func (m *Manager) stopTickerLocked() {
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
}

func (m *Manager) clearLocal() {
	m.mu.Lock()
	m.stopTickerLocked()
	m.active = nil
	m.elapsed = 0
	m.mu.Unlock()
}

func (m *Manager) clearStopping() {
	m.mu.Lock()
	m.stopping = false
	m.mu.Unlock()
}

func (m *Manager) settle() {
	if m.opts.SettleDelay > 0 {
		time.Sleep(m.opts.SettleDelay)
	}
}

// persistUserTimer rewrites the user's activeTimer pointer. nil clears it.
func (m *Manager) persistUserTimer(ctx context.Context, timer *domain.ActiveTimer) error {
	data, err := m.userWithTimer(ctx, timer)
	if err != nil {
		return err
	}
	return m.store.Update(ctx, storage.Users, m.userID, data)
}

// userWithTimer returns the user document re-encoded with the given timer
// pointer.
func (m *Manager) userWithTimer(ctx context.Context, timer *domain.ActiveTimer) ([]byte, error) {
	doc, err := m.store.GetByID(ctx, storage.Users, m.userID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", m.userID, err)
	}
	var user domain.User
	if err := sonic.Unmarshal(doc.Data, &user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", m.userID, err)
	}
	user.ActiveTimer = timer
	return sonic.Marshal(user)
}

func elapsedSince(timer *domain.ActiveTimer, now time.Time) int64 {
	elapsed := int64(now.Sub(timer.StartedAt()) / time.Second)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// FormatTime renders seconds as HH:MM:SS.
func FormatTime(seconds int64) string {
	h := seconds / 3600
	min := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, min, s)
}
