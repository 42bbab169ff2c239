package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisPublisher mirrors events onto Redis pub/sub so that workers attached
// to other controller replicas can follow them. Events are buffered and sent
// from Run; Publish never waits on the network.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	events  chan Event
	log     logrus.FieldLogger
	dropped atomic.Uint64
	timeout time.Duration
}

func NewRedisPublisher(client redis.UniversalClient, channel string, buffer int, log logrus.FieldLogger) *RedisPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	if channel == "" {
		channel = "agentplane:events"
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		events:  make(chan Event, buffer),
		log:     log,
		timeout: 2 * time.Second,
	}
}

// WorkerChannel is the channel carrying one worker's events.
func (p *RedisPublisher) WorkerChannel(workerID string) string {
	return p.channel + ":worker:" + workerID
}

func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) Publish(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped counts events discarded because the buffer was full.
func (p *RedisPublisher) Dropped() uint64 { return p.dropped.Load() }

// Run sends buffered events until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			if err := p.send(ctx, ev); err != nil {
				p.log.WithError(err).WithFields(logrus.Fields{
					"type":     ev.Type,
					"workerId": ev.WorkerID,
				}).Warn("redis publish failed")
			}
		}
	}
}

func (p *RedisPublisher) send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, p.channel, payload)
		if ev.WorkerID != "" {
			pipe.Publish(ctx, p.WorkerChannel(ev.WorkerID), payload)
		}
		return nil
	})
	return err
}
