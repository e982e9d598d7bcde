package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event is a progress event for one investigation run, delivered over SSE,
// WebSocket and the optional Redis stream mirror.
type Event struct {
	RunID        string                 `json:"run_id"`
	Type         string                 `json:"type"`
	TaskID       string                 `json:"task_id,omitempty"`
	HypothesisID int                    `json:"hypothesis_id,omitempty"`
	Source       string                 `json:"source,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Seq          uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Publisher is what the research engine needs from the event bus.
type Publisher interface {
	Publish(runID string, evt Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, Event) {}

// Retirer is implemented by publishers that keep per-run state after a run
// ends. Retire is called once the run published its last event.
type Retirer interface {
	Retire(runID string)
}

// Manager provides in-memory pub/sub for run events with per-run replay.
// When a Redis client is attached every event is also appended to a capped
// Redis stream so other instances can replay it.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-run ring buffer for replay and Last-Event-ID support
	history   map[string]*ring
	capacity  int
	retention time.Duration

	redis        *redis.Client
	streamMaxLen int64
	logger       *zap.Logger
}

const (
	defaultCapacity     = 256
	defaultStreamMaxLen = 1000
	defaultRetention    = 15 * time.Minute
	streamKeyPrefix     = "dossier:events:"
)

var (
	defaultMgr *Manager
	once       sync.Once
)

// Get returns the process-wide manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = NewManager(defaultCapacity, nil)
	})
	return defaultMgr
}

// NewManager creates a manager keeping capacity events per run for replay.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers:  make(map[string]map[chan Event]struct{}),
		history:      make(map[string]*ring),
		capacity:     capacity,
		retention:    defaultRetention,
		streamMaxLen: defaultStreamMaxLen,
		logger:       logger,
	}
}

// AttachRedis mirrors every published event to a Redis stream per run.
func (m *Manager) AttachRedis(client *redis.Client, maxLen int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redis = client
	if maxLen > 0 {
		m.streamMaxLen = maxLen
	}
}

// Subscribe adds a subscriber channel for a run; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish assigns the next sequence number and fans the event out (non-blocking).
func (m *Manager) Publish(runID string, evt Event) {
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	rc := m.redis
	maxLen := m.streamMaxLen
	m.mu.Unlock()

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	m.mu.RLock()
	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	m.mu.RUnlock()

	if rc != nil {
		m.mirror(rc, maxLen, evt)
	}
}

func (m *Manager) mirror(rc *redis.Client, maxLen int64, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := rc.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(evt.RunID),
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":     evt.Seq,
			"type":    evt.Type,
			"payload": string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		m.logger.Warn("Failed to mirror event to redis stream",
			zap.String("run_id", evt.RunID),
			zap.String("type", evt.Type),
			zap.Error(err))
	}
}

// StreamKey is the Redis stream holding a run's events.
func StreamKey(runID string) string { return streamKeyPrefix + runID }

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ReplayFromRedis reads a run's mirrored events with Seq > since. It is used
// when the run executed on another instance and the local ring is empty.
func (m *Manager) ReplayFromRedis(ctx context.Context, runID string, since uint64) ([]Event, error) {
	m.mu.RLock()
	rc := m.redis
	m.mu.RUnlock()
	if rc == nil {
		return nil, nil
	}
	msgs, err := rc.XRange(ctx, StreamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		payload, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			m.logger.Debug("Skipping undecodable stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// SetRetention sets how long Retire keeps a finished run's replay buffer.
// Zero or less drops it immediately.
func (m *Manager) SetRetention(d time.Duration) {
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
}

// Retire drops a finished run's replay buffer once the retention period has
// passed, leaving late subscribers time to replay with Last-Event-ID. If the
// run publishes again in the meantime (an activity retry) the buffer is kept.
func (m *Manager) Retire(runID string) {
	m.mu.RLock()
	rg := m.history[runID]
	d := m.retention
	var seq uint64
	if rg != nil {
		seq = rg.nextSeq
	}
	m.mu.RUnlock()
	if rg == nil {
		return
	}
	if d <= 0 {
		m.forget(runID, rg, seq)
		return
	}
	time.AfterFunc(d, func() { m.forget(runID, rg, seq) })
}

func (m *Manager) forget(runID string, rg *ring, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.history[runID] != rg || rg.nextSeq != seq {
		return
	}
	delete(m.history, runID)
}

// Runs reports how many runs currently hold a replay buffer.
func (m *Manager) Runs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
