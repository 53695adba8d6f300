package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack"
)

var ctx = context.Background()

// StreamEvent provides the struct for events that are sent over STAN/NATS
type StreamEvent struct {
	Type    string      `msgpack:"t"`
	ShardID int         `msgpack:"sh"`
	Data    interface{} `msgpack:"d"`
}

// Producer forwards every dispatched event to a STAN channel so external
// consumers can process the stream without holding a gateway connection.
type Producer struct {
	log zerolog.Logger

	natsClient *nats.Conn
	stanClient stan.Conn
	channel    string

	produceChannel chan StreamEvent
	done           chan struct{}
}

// NewProducer connects to NATS/STAN and starts the publish loop.
func NewProducer(configuration Configuration, logger zerolog.Logger) (p *Producer, err error) {
	p = &Producer{
		log:            logger,
		channel:        configuration.Nats.Channel,
		produceChannel: make(chan StreamEvent, BufferSize),
		done:           make(chan struct{}),
	}

	p.natsClient, err = nats.Connect(configuration.Nats.Address)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to nats")
	}

	p.stanClient, err = stan.Connect(
		configuration.Nats.ClusterID,
		configuration.Nats.ClientID,
		stan.NatsConn(p.natsClient),
	)
	if err != nil {
		p.natsClient.Close()
		return nil, errors.Wrap(err, "failed to connect to stan")
	}

	go p.forward()

	return p, nil
}

// Produce queues one event for publishing.
func (p *Producer) Produce(e StreamEvent) {
	select {
	case p.produceChannel <- e:
	case <-p.done:
	}
}

// forward routes messages it receives and publishes them to NATS/STAN
func (p *Producer) forward() {
	for e := range p.produceChannel {
		ep, err := msgpack.Marshal(e)
		if err != nil {
			p.log.Warn().Err(err).Msg("failed to marshal stream event")
			continue
		}

		if err = p.stanClient.Publish(p.channel, ep); err != nil {
			p.log.Warn().Err(err).Msg("failed to publish stream event")
			continue
		}
	}
}

// Close drains the produce channel and closes the STAN/NATS connections.
func (p *Producer) Close() {
	close(p.done)

	start := time.Now()
	for len(p.produceChannel) > 0 && time.Since(start) < 10*time.Second {
		p.log.Info().Int("produce", len(p.produceChannel)).Msg("waiting for produce channel")
		time.Sleep(time.Second)
	}
	close(p.produceChannel)

	if err := p.stanClient.Close(); err != nil {
		p.log.Warn().Err(err).Msg("failed to close stan connection")
	}
	p.natsClient.Close()
}

// StatusSink publishes per shard status and latency into a redis hash so
// dashboards can watch the fleet without touching the process.
type StatusSink struct {
	log zerolog.Logger

	redisClient *redis.Client
	key         string
}

// NewStatusSink connects to redis and verifies the connection.
func NewStatusSink(configuration Configuration, logger zerolog.Logger) (*StatusSink, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     configuration.Redis.Address,
		Password: configuration.Redis.Password,
		DB:       configuration.Redis.Database,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to ping redis")
	}

	prefix := configuration.Redis.Prefix
	if prefix == "" {
		prefix = "magpie"
	}

	return &StatusSink{
		log:         logger,
		redisClient: redisClient,
		key:         prefix + ":status",
	}, nil
}

// Publish records the state of one shard.
func (ss *StatusSink) Publish(shardID int, status ShardStatus, ping time.Duration) {
	value := fmt.Sprintf("%s:%d", status, ping.Milliseconds())

	if err := ss.redisClient.HSet(ctx, ss.key, strconv.Itoa(shardID), value).Err(); err != nil {
		ss.log.Warn().Err(err).Int("shard", shardID).Msg("failed to publish shard status")
	}
}

// Close removes the status hash and closes the redis connection.
func (ss *StatusSink) Close() {
	if err := ss.redisClient.Del(ctx, ss.key).Err(); err != nil {
		ss.log.Warn().Err(err).Msg("failed to remove status key")
	}

	ss.redisClient.Close()
}
