// Package events implements a small generic pub/sub primitive used to
// observe connection lifecycle and dispatch failures without coupling
// the dispatcher or registry to any particular observer.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"reflect"
	"sync"
	"time"
)

// Subject is a topic-addressed event bus. Publishers and subscribers are
// decoupled by topic name; the event payload type is carried by the
// generic Subscribe/Publish functions, not by the Subject itself.
type Subject struct {
	mu     sync.RWMutex
	subs   map[string][]*subscriber
	replay map[string][]envelope
	nextID uint64

	ch   chan envelope
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once

	logger         *slog.Logger
	bufferSize     int
	replaySize     int
	publishTimeout time.Duration
}

type envelope struct {
	topic string
	data  any
	conn  net.Conn
}

type subscriber struct {
	id        uint64
	topic     string
	handler   reflect.Value
	evtType   reflect.Type
	wantsConn bool
}

// Option configures a Subject at construction time.
type Option func(*Subject)

// WithLogger sets the logger used to report handler errors. Defaults to
// a text logger on stderr at Info level.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Subject) { s.logger = logger }
}

// WithBufferSize sets the capacity of the internal publish channel.
// A size of 0 makes Publish synchronous with the event loop's receive.
func WithBufferSize(n int) Option {
	return func(s *Subject) { s.bufferSize = n }
}

// WithReplay enables a per-topic ring buffer of the last n published
// events, delivered synchronously to subscribers that opt into replay.
func WithReplay(n int) Option {
	return func(s *Subject) { s.replaySize = n }
}

// NewSubject creates a Subject and starts its event loop goroutine.
func NewSubject(opts ...Option) *Subject {
	s := &Subject{
		subs:           make(map[string][]*subscriber),
		replay:         make(map[string][]envelope),
		done:           make(chan struct{}),
		bufferSize:     16,
		publishTimeout: 2 * time.Second,
		logger:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ch = make(chan envelope, s.bufferSize)

	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Subject) loop() {
	defer s.wg.Done()
	for {
		select {
		case env, ok := <-s.ch:
			if !ok {
				return
			}
			s.dispatch(env)
		case <-s.done:
			return
		}
	}
}

func (s *Subject) dispatch(env envelope) {
	s.mu.RLock()
	subs := append([]*subscriber(nil), s.subs[env.topic]...)
	s.mu.RUnlock()

	for _, sub := range subs {
		sub := sub
		go s.invoke(sub, env)
	}
}

func (s *Subject) invoke(sub *subscriber, env envelope) {
	if err := s.call(sub, env); err != nil {
		s.logger.Error("event handler error", "topic", env.topic, "error", err)
	}
}

func (s *Subject) call(sub *subscriber, env envelope) error {
	evtVal := reflect.ValueOf(env.data)
	if !evtVal.Type().AssignableTo(sub.evtType) {
		return nil
	}

	args := []reflect.Value{reflect.ValueOf(context.Background()), evtVal}
	if sub.wantsConn {
		connType := sub.handler.Type().In(2)
		if env.conn != nil {
			args = append(args, reflect.ValueOf(env.conn))
		} else {
			args = append(args, reflect.Zero(connType))
		}
	}

	out := sub.handler.Call(args)
	if len(out) == 0 || out[0].IsNil() {
		return nil
	}
	return out[0].Interface().(error)
}

// Subscription represents a live registration created by Subscribe. Call
// Unsubscribe to stop receiving events on that topic.
type Subscription struct {
	subject *Subject
	topic   string
	id      uint64
}

// Unsubscribe removes the subscription. It is safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	sub.subject.mu.Lock()
	defer sub.subject.mu.Unlock()
	list := sub.subject.subs[sub.topic]
	for i, cand := range list {
		if cand.id == sub.id {
			sub.subject.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
}

// Subscribe registers handler to receive events of type T published on
// topic. handler must be a function shaped
// func(context.Context, T) error or func(context.Context, T, net.Conn) error;
// any other shape panics.
//
// When replay[0] is true and the subject was built with WithReplay, the
// cached events for topic are delivered synchronously, in publish order,
// before Subscribe returns. Events published after Subscribe returns are
// delivered asynchronously, one goroutine per subscriber per event.
func Subscribe[T any](subject *Subject, topic string, handler any, replay ...bool) *Subscription {
	hv := reflect.ValueOf(handler)
	if hv.Kind() != reflect.Func {
		panic(fmt.Sprintf("events: Subscribe handler for topic %q must be a function, got %T", topic, handler))
	}
	ht := hv.Type()
	if ht.NumIn() < 2 || ht.NumIn() > 3 {
		panic(fmt.Sprintf("events: Subscribe handler for topic %q must accept (ctx, event) or (ctx, event, net.Conn)", topic))
	}

	evtType := reflect.TypeOf((*T)(nil)).Elem()
	if ht.In(0) != reflect.TypeOf((*context.Context)(nil)).Elem() || ht.In(1) != evtType ||
		(ht.NumIn() == 3 && ht.In(2) != reflect.TypeOf((*net.Conn)(nil)).Elem()) ||
		ht.NumOut() != 1 || ht.Out(0) != reflect.TypeOf((*error)(nil)).Elem() {
		panic(fmt.Sprintf("events: Subscribe handler for topic %q must be func(context.Context, %s[, net.Conn]) error, got %s", topic, evtType, ht))
	}

	sub := &subscriber{
		topic:     topic,
		handler:   hv,
		evtType:   evtType,
		wantsConn: ht.NumIn() == 3,
	}

	subject.mu.Lock()
	subject.nextID++
	sub.id = subject.nextID
	subject.subs[topic] = append(subject.subs[topic], sub)
	var cached []envelope
	if len(replay) > 0 && replay[0] {
		cached = append(cached, subject.replay[topic]...)
	}
	subject.mu.Unlock()

	for _, env := range cached {
		subject.invoke(sub, env)
	}

	return &Subscription{subject: subject, topic: topic, id: sub.id}
}

// Publish emits evt on topic. Optional conn arguments are forwarded to
// subscribers whose handler accepts a net.Conn third parameter; at most
// one is used. Publish returns an error if the subject cannot accept the
// event within its internal timeout, including after Complete has been
// called.
func Publish[T any](subject *Subject, topic string, evt T, conn ...net.Conn) error {
	var c net.Conn
	if len(conn) > 0 {
		c = conn[0]
	}
	env := envelope{topic: topic, data: evt, conn: c}

	if subject.replaySize > 0 {
		subject.mu.Lock()
		list := append(subject.replay[topic], env)
		if len(list) > subject.replaySize {
			list = list[len(list)-subject.replaySize:]
		}
		subject.replay[topic] = list
		subject.mu.Unlock()
	}

	select {
	case <-subject.done:
		return fmt.Errorf("failed to emit event: topic %q: subject is closed", topic)
	default:
	}

	select {
	case subject.ch <- env:
		return nil
	case <-subject.done:
		return fmt.Errorf("failed to emit event: topic %q: subject is closed", topic)
	case <-time.After(subject.publishTimeout):
		return fmt.Errorf("failed to emit event: topic %q: timed out after %s", topic, subject.publishTimeout)
	}
}

// Complete stops the subject's event loop. Publishes after Complete fail.
func Complete(subject *Subject) {
	subject.closeOnce.Do(func() {
		close(subject.done)
	})
	subject.wg.Wait()
}
