package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	rediskeys "github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/redis"
)

const (
	// DefaultEventChannel is the default Redis channel prefix for events
	DefaultEventChannel = "voting:events"

	// DefaultBatchSize is the default batch size for publishing
	DefaultBatchSize = 100

	// DefaultFlushInterval is the default interval for flushing batched events
	DefaultFlushInterval = 1 * time.Second
)

// PublisherConfig contains configuration for the Redis publisher
type PublisherConfig struct {
	RedisClient    *redis.Client
	ChannelPrefix  string        // Prefix for Redis channels
	BatchSize      int           // Number of events to batch before publishing
	FlushInterval  time.Duration // Maximum time to wait before flushing
	EnableBatching bool          // Enable event batching
	Contract       string        // Election contract for channel naming
	ChainID        int64
}

// DefaultPublisherConfig returns a default publisher configuration
func DefaultPublisherConfig(redisClient *redis.Client) *PublisherConfig {
	return &PublisherConfig{
		RedisClient:    redisClient,
		ChannelPrefix:  DefaultEventChannel,
		BatchSize:      DefaultBatchSize,
		FlushInterval:  DefaultFlushInterval,
		EnableBatching: true,
	}
}

// Publisher forwards emitted events to Redis Pub/Sub
type Publisher struct {
	config      *PublisherConfig
	redisClient *redis.Client
	keys        *rediskeys.KeyBuilder

	// Batching
	batch      []*Event
	batchMutex sync.Mutex
	flushTimer *time.Timer

	// Channel mapping for event types
	channelMap map[EventType]string

	// Metrics
	eventsPublished  atomic.Uint64
	batchesPublished atomic.Uint64
	publishErrors    atomic.Uint64

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mutex   sync.RWMutex
}

// NewPublisher creates a new Redis event publisher
func NewPublisher(config *PublisherConfig) (*Publisher, error) {
	if config == nil || config.RedisClient == nil {
		return nil, fmt.Errorf("invalid publisher configuration")
	}
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = DefaultEventChannel
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	publisher := &Publisher{
		config:      config,
		redisClient: config.RedisClient,
		keys:        rediskeys.NewKeyBuilder(config.ChannelPrefix, config.ChainID, config.Contract),
		batch:       make([]*Event, 0, config.BatchSize),
		channelMap:  make(map[EventType]string),
		ctx:         ctx,
		cancel:      cancel,
	}

	publisher.initChannelMap()

	return publisher, nil
}

// initChannelMap sets up the mapping from event types to Redis channels
func (p *Publisher) initChannelMap() {
	p.channelMap[EventSessionChanged] = p.keys.SessionChannel()

	p.channelMap[EventSnapshotPublished] = p.keys.SnapshotChannel()
	p.channelMap[EventSyncFailed] = p.keys.SnapshotChannel()

	p.channelMap[EventVoteSubmitted] = p.keys.VoteChannel()
	p.channelMap[EventVoteConfirmed] = p.keys.VoteChannel()
	p.channelMap[EventVoteRejected] = p.keys.VoteChannel()
}

// Channel returns the Redis channel an event type is published on
func (p *Publisher) Channel(eventType EventType) string {
	if channel, ok := p.channelMap[eventType]; ok {
		return channel
	}
	return p.keys.DefaultChannel()
}

// Handler returns an EventHandler that publishes every event it receives,
// for registration on an Emitter
func (p *Publisher) Handler() EventHandler {
	return func(event *Event) {
		if err := p.Publish(event); err != nil {
			log.WithError(err).WithField("type", event.Type).Debug("Failed to publish event to Redis")
		}
	}
}

// Start begins the publisher
func (p *Publisher) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.running {
		return fmt.Errorf("publisher already running")
	}

	p.running = true
	log.WithField("channels", p.keys.AllChannels()).Info("Starting Redis event publisher")

	if p.config.EnableBatching {
		p.wg.Add(1)
		go p.flushWorker()
	}

	return nil
}

// Stop gracefully shuts down the publisher
func (p *Publisher) Stop() error {
	p.mutex.Lock()
	if !p.running {
		p.mutex.Unlock()
		return fmt.Errorf("publisher not running")
	}
	p.running = false
	p.mutex.Unlock()

	log.Info("Stopping Redis event publisher")

	// Flush any remaining events before the context goes away
	if p.config.EnableBatching {
		p.batchMutex.Lock()
		events := p.takeBatchLocked()
		p.batchMutex.Unlock()
		if len(events) > 0 {
			if err := p.publishBatch(events); err != nil {
				log.WithError(err).Warn("Failed to flush events on shutdown")
			}
		}
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("Redis event publisher stopped gracefully")
	case <-time.After(5 * time.Second):
		log.Warn("Redis event publisher shutdown timeout")
	}

	return nil
}

// Publish sends an event to Redis
func (p *Publisher) Publish(event *Event) error {
	p.mutex.RLock()
	running := p.running
	p.mutex.RUnlock()
	if !running {
		return fmt.Errorf("publisher not running")
	}

	if p.config.EnableBatching {
		return p.addToBatch(event)
	}

	return p.publishSingle(event)
}

// PublishBatch publishes multiple events at once
func (p *Publisher) PublishBatch(events []*Event) error {
	p.mutex.RLock()
	running := p.running
	p.mutex.RUnlock()
	if !running {
		return fmt.Errorf("publisher not running")
	}
	return p.publishBatch(events)
}

func (p *Publisher) publishBatch(events []*Event) error {
	pipe := p.redisClient.Pipeline()
	queued := 0
	for _, evt := range events {
		data, err := evt.ToJSON()
		if err != nil {
			log.WithError(err).Error("Failed to serialize event")
			p.publishErrors.Add(1)
			continue
		}
		pipe.Publish(p.ctx, p.Channel(evt.Type), string(data))
		queued++
	}
	if queued == 0 {
		return nil
	}

	if _, err := pipe.Exec(p.ctx); err != nil {
		p.publishErrors.Add(1)
		return fmt.Errorf("failed to publish batch: %w", err)
	}

	p.eventsPublished.Add(uint64(queued))
	p.batchesPublished.Add(1)
	return nil
}

// addToBatch adds an event to the current batch
func (p *Publisher) addToBatch(event *Event) error {
	p.batchMutex.Lock()
	p.batch = append(p.batch, event)

	if p.flushTimer != nil {
		p.flushTimer.Stop()
	}
	p.flushTimer = time.AfterFunc(p.config.FlushInterval, p.flushBatch)

	if len(p.batch) < p.config.BatchSize {
		p.batchMutex.Unlock()
		return nil
	}
	events := p.takeBatchLocked()
	p.batchMutex.Unlock()

	go func() {
		if err := p.publishBatch(events); err != nil {
			log.WithError(err).Error("Failed to publish event batch")
		}
	}()
	return nil
}

// flushBatch publishes whatever is currently batched
func (p *Publisher) flushBatch() {
	p.batchMutex.Lock()
	events := p.takeBatchLocked()
	p.batchMutex.Unlock()

	if len(events) == 0 {
		return
	}
	if err := p.publishBatch(events); err != nil {
		log.WithError(err).Error("Failed to publish event batch")
	}
}

// takeBatchLocked detaches the current batch (assumes lock is held)
func (p *Publisher) takeBatchLocked() []*Event {
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	if len(p.batch) == 0 {
		return nil
	}
	events := make([]*Event, len(p.batch))
	copy(events, p.batch)
	p.batch = p.batch[:0]
	return events
}

// publishSingle publishes a single event immediately
func (p *Publisher) publishSingle(event *Event) error {
	data, err := event.ToJSON()
	if err != nil {
		p.publishErrors.Add(1)
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if err := p.redisClient.Publish(p.ctx, p.Channel(event.Type), string(data)).Err(); err != nil {
		p.publishErrors.Add(1)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.eventsPublished.Add(1)
	return nil
}

// flushWorker periodically flushes batched events
func (p *Publisher) flushWorker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.flushBatch()
		case <-p.ctx.Done():
			return
		}
	}
}

// GetMetrics returns publisher metrics
func (p *Publisher) GetMetrics() map[string]interface{} {
	p.batchMutex.Lock()
	batchSize := len(p.batch)
	p.batchMutex.Unlock()

	p.mutex.RLock()
	running := p.running
	p.mutex.RUnlock()

	return map[string]interface{}{
		"events_published":   p.eventsPublished.Load(),
		"batches_published":  p.batchesPublished.Load(),
		"publish_errors":     p.publishErrors.Load(),
		"current_batch_size": batchSize,
		"running":            running,
	}
}

// Subscribe creates a subscription to event channels
func (p *Publisher) Subscribe(ctx context.Context, eventTypes []EventType) (<-chan *Event, error) {
	seen := make(map[string]bool)
	channels := make([]string, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		channel := p.Channel(eventType)
		if !seen[channel] {
			seen[channel] = true
			channels = append(channels, channel)
		}
	}

	// If no specific types, subscribe to all
	if len(channels) == 0 {
		channels = append(channels, p.keys.AllChannels())
	}

	pubsub := p.redisClient.PSubscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}

	wanted := make(map[EventType]bool, len(eventTypes))
	for _, eventType := range eventTypes {
		wanted[eventType] = true
	}

	eventChan := make(chan *Event, 100)

	go func() {
		defer close(eventChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.WithError(err).Warn("Failed to parse event from Redis")
					continue
				}
				// Channels are shared between related types
				if len(wanted) > 0 && !wanted[event.Type] {
					continue
				}

				select {
				case eventChan <- &event:
				case <-ctx.Done():
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return eventChan, nil
}

// EventStream provides a stream of events with filtering
type EventStream struct {
	publisher  *Publisher
	filter     EventFilter
	eventTypes []EventType
	eventChan  chan *Event
	cancel     context.CancelFunc
}

// NewEventStream creates a new event stream
func (p *Publisher) NewEventStream(eventTypes []EventType, filter EventFilter) (*EventStream, error) {
	ctx, cancel := context.WithCancel(context.Background())

	redisChan, err := p.Subscribe(ctx, eventTypes)
	if err != nil {
		cancel()
		return nil, err
	}

	eventChan := make(chan *Event, 100)

	stream := &EventStream{
		publisher:  p,
		filter:     filter,
		eventTypes: eventTypes,
		eventChan:  eventChan,
		cancel:     cancel,
	}

	go func() {
		defer close(eventChan)

		for event := range redisChan {
			if filter != nil && !filter(event) {
				continue
			}

			select {
			case eventChan <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return stream, nil
}

// Events returns the event channel
func (s *EventStream) Events() <-chan *Event {
	return s.eventChan
}

// Close closes the event stream
func (s *EventStream) Close() {
	s.cancel()
}
