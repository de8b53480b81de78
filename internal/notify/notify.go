// Package notify 將狀態變更事件非同步推送給訂閱者
//
// Dispatcher 是核心唯一看到的通知介面：Notify 永遠不阻塞，
// 緩衝區滿或已關閉時直接丟棄並計數；投遞失敗只記錄日誌。
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// 通知頻道
const (
	ChannelJobs   = "jobs"
	ChannelBids   = "bids"
	ChannelAgents = "agents"
)

// 事件類型
const (
	EventJobCreated       = "job.created"
	EventSwarmRegistered  = "swarm.registered"
	EventSwarmUpdated     = "swarm.updated"
	EventBidSubmitted     = "bid.submitted"
	EventBidWithdrawn     = "bid.withdrawn"
	EventJobAssigned      = "job.assigned"
	EventJobStarted       = "job.started"
	EventJobCompleted     = "job.completed"
	EventJobDisputed      = "job.disputed"
	EventHandoffFailed    = "execution.handoff_failed"
	EventPermanentFailure = "execution.permanent_failure"
	EventEarningsSettled  = "earnings.settled"
)

// Notification 一則通知
type Notification struct {
	Channel   string      `json:"channel"`
	EventType string      `json:"event_type"`
	Payload   interface{} `json:"payload"`
	At        int64       `json:"at"` // Unix 毫秒
}

// Notifier fire-and-forget 通知介面
type Notifier interface {
	Notify(channel, eventType string, payload interface{})
}

// Sink 實際的推送傳輸
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Nop 丟棄所有通知
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(string, string, interface{}) {}

// Option 設定可選參數
type Option func(*Dispatcher)

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithSendTimeout 單次投遞的逾時
func WithSendTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithDropHook 通知被丟棄時呼叫
func WithDropHook(fn func()) Option {
	return func(d *Dispatcher) { d.onDrop = fn }
}

// WithFailureHook 投遞失敗時呼叫
func WithFailureHook(fn func(sink string, err error)) Option {
	return func(d *Dispatcher) { d.onFailure = fn }
}

// Dispatcher 以單一背景 goroutine 依序投遞通知到所有 sink
type Dispatcher struct {
	mu      sync.RWMutex // 保護 closed 與 ch 的關閉
	ch      chan Notification
	closed  bool
	started bool

	sinks     []Sink
	log       *slog.Logger
	timeout   time.Duration
	now       func() time.Time
	onDrop    func()
	onFailure func(string, error)

	dropped atomic.Int64
	done    chan struct{}
}

// NewDispatcher 建立通知分派器
func NewDispatcher(buffer int, sinks []Sink, opts ...Option) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &Dispatcher{
		ch:      make(chan Notification, buffer),
		sinks:   sinks,
		log:     slog.Default(),
		timeout: 5 * time.Second,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start 啟動投遞 goroutine
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	go d.run()
}

// Notify 排入一則通知，不會阻塞
func (d *Dispatcher) Notify(channel, eventType string, payload interface{}) {
	n := Notification{Channel: channel, EventType: eventType, Payload: payload, At: d.now().UnixMilli()}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(n, "closed")
		return
	}
	select {
	case d.ch <- n:
	default:
		d.drop(n, "buffer full")
	}
}

// Dropped 回傳被丟棄的通知數
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Stop 停止接收新通知，並在 ctx 期限內送完緩衝區中的通知
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	close(d.ch)
	d.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.ch {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Send(ctx, n)
		cancel()
		if err != nil {
			d.log.Warn("Notification delivery failed",
				"sink", s.Name(), "channel", n.Channel, "event", n.EventType, "error", err)
			if d.onFailure != nil {
				d.onFailure(s.Name(), err)
			}
		}
	}
}

func (d *Dispatcher) drop(n Notification, reason string) {
	d.dropped.Add(1)
	d.log.Warn("Notification dropped", "channel", n.Channel, "event", n.EventType, "reason", reason)
	if d.onDrop != nil {
		d.onDrop()
	}
}
