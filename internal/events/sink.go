package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"go.uber.org/zap"
)

// Sink 事件出口，投递失败不影响已提交的业务数据
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// HookSink 基于 hookz 的进程内异步事件总线
type HookSink struct {
	hooks *hookz.Hooks[Event]
	log   *zap.Logger
}

type HookSinkOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Clock     clockz.Clock
}

func NewHookSink(opts HookSinkOptions, log *zap.Logger) *HookSink {
	var hookOpts []hookz.Option
	if opts.Workers > 0 {
		hookOpts = append(hookOpts, hookz.WithWorkers(opts.Workers))
	}
	if opts.QueueSize > 0 {
		hookOpts = append(hookOpts, hookz.WithQueueSize(opts.QueueSize))
	}
	if opts.Timeout > 0 {
		hookOpts = append(hookOpts, hookz.WithTimeout(opts.Timeout))
	}
	if opts.Clock != nil {
		hookOpts = append(hookOpts, hookz.WithClock(opts.Clock))
	}
	return &HookSink{
		hooks: hookz.New[Event](hookOpts...),
		log:   log.Named("EventSink"),
	}
}

// Subscribe 订阅某一类事件，回调在 worker 协程中执行
func (s *HookSink) Subscribe(eventType string, fn func(context.Context, Event) error) (hookz.Hook, error) {
	return s.hooks.Hook(eventType, fn)
}

// Publish 没有订阅者时直接返回；队列满或已关闭时返回错误，由调用方记录日志
func (s *HookSink) Publish(ctx context.Context, evt Event) error {
	if err := s.hooks.Emit(ctx, evt.Type, evt); err != nil {
		if errors.Is(err, hookz.ErrQueueFull) {
			s.log.Warn("事件队列已满，丢弃", zap.String("type", evt.Type), zap.String("id", evt.ID))
		}
		return err
	}
	return nil
}

func (s *HookSink) Close() error {
	return s.hooks.Close()
}

// NopSink 丢弃所有事件
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }

// Recorder 同步记录收到的事件，测试与本地调试使用
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types 按接收顺序返回事件类型
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
