package notify

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	// EventRelease is the stream event emitted when versions are added.
	EventRelease     = "release"
	defaultBuffering = 16
)

// ReleaseMessage announces versions newly committed for one changelog.
type ReleaseMessage struct {
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	Versions  []string  `json:"versions"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the subscription key of the message.
func (m ReleaseMessage) Key() string {
	return ChangelogKey(m.Owner, m.Name)
}

// ChangelogKey normalizes an owner/name pair into a subscription key.
func ChangelogKey(owner, name string) string {
	owner = strings.TrimSpace(owner)
	name = strings.TrimSpace(name)
	if owner == "" || name == "" {
		return ""
	}
	return strings.ToLower(owner + "/" + name)
}

// LocalBus fans release messages out to in-process subscribers keyed by changelog.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan ReleaseMessage
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBuffering,
	}
}

// Subscribe registers a stream for one changelog. The stream is released when
// ctx ends or the returned cleanup runs.
func (b *LocalBus) Subscribe(ctx context.Context, owner, name string) (<-chan ReleaseMessage, func()) {
	key := ChangelogKey(owner, name)
	if key == "" {
		ch := make(chan ReleaseMessage)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan ReleaseMessage, b.bufferSize),
	}
	b.register(key, entry)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregister(key, entry.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers the message to current subscribers without blocking;
// slow subscribers miss messages rather than stall publishers.
func (b *LocalBus) Publish(_ context.Context, message ReleaseMessage) error {
	b.deliver(message)
	return nil
}

func (b *LocalBus) deliver(message ReleaseMessage) {
	key := message.Key()
	if key == "" || len(message.Versions) == 0 {
		return
	}
	b.mu.RLock()
	subscribers := b.subscribers[key]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		copies = append(copies, entry)
	}
	b.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- message:
		default:
		}
	}
}

func (b *LocalBus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *LocalBus) register(key string, entry *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[int64]*subscriber)
	}
	b.subscribers[key][entry.id] = entry
}

func (b *LocalBus) unregister(key string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, key)
		}
	}
	b.mu.Unlock()
}
