package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecast/native/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultPresenceInterval = 5 * time.Second

// NewRedisClient creates a pooled Redis client and checks it can connect.
func NewRedisClient(ctx context.Context, address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", address,
		"db", db,
		"pool_size", poolSize,
	)
	return client, nil
}

// Redis is a relay backed by Redis pub/sub channels, one channel per topic.
// Redis delivers a publish to every subscriber including the publisher, so
// each frame carries the publishing subscription's id and is filtered on
// receipt unless ReceiveOwn is set.
//
// Redis has no join or leave notifications, so presence is polled with
// PUBSUB NUMSUB and reported when the count changes.
type Redis struct {
	client           *redis.Client
	subscribeTimeout time.Duration
	presenceInterval time.Duration
	logger           *zap.SugaredLogger
}

// NewRedis creates a Redis relay. subscribeTimeout bounds the wait for the
// server's subscribe confirmation before TIMED_OUT is reported.
func NewRedis(client *redis.Client, subscribeTimeout time.Duration, logger *zap.SugaredLogger) *Redis {
	return &Redis{
		client:           client,
		subscribeTimeout: subscribeTimeout,
		presenceInterval: defaultPresenceInterval,
		logger:           logger.Named("relay"),
	}
}

type redisSub struct {
	relay      *Redis
	id         string
	topic      string
	receiveOwn bool
	onPresence func(int)
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

// Subscribe starts a subscription; status is reported from a background
// goroutine once Redis confirms or the timeout elapses.
func (r *Redis) Subscribe(topic string, opts domain.SubscribeOptions, onStatus func(domain.ChannelStatus, error), onMessage func(string, []byte)) (domain.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{
		relay:      r,
		id:         uuid.NewString(),
		topic:      topic,
		receiveOwn: opts.ReceiveOwn,
		onPresence: opts.OnPresence,
		pubsub:     r.client.Subscribe(ctx, topic),
		cancel:     cancel,
	}
	go sub.run(ctx, onStatus, onMessage)
	return sub, nil
}

func (s *redisSub) run(ctx context.Context, onStatus func(domain.ChannelStatus, error), onMessage func(string, []byte)) {
	log := s.relay.logger

	if err := s.awaitConfirmation(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		status := domain.StatusChannelError
		if errors.Is(err, context.DeadlineExceeded) {
			status = domain.StatusTimedOut
		}
		log.Warnw("subscribe failed", "topic", s.topic, "status", status, "error", err)
		onStatus(status, err)
		return
	}

	log.Debugw("subscribed", "topic", s.topic, "sub", s.id)
	onStatus(domain.StatusSubscribed, nil)
	if s.onPresence != nil {
		go s.pollPresence(ctx)
	}

	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			status := domain.StatusChannelError
			if errors.Is(err, redis.ErrClosed) {
				status = domain.StatusClosed
			}
			log.Warnw("subscription lost", "topic", s.topic, "status", status, "error", err)
			onStatus(status, err)
			return
		}

		env, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			log.Warnw("failed to decode relay frame", "topic", s.topic, "error", err)
			continue
		}
		if env.Origin == s.id && !s.receiveOwn {
			continue
		}
		onMessage(env.Event, env.Payload)
	}
}

func (s *redisSub) pollPresence(ctx context.Context) {
	ticker := time.NewTicker(s.relay.presenceInterval)
	defer ticker.Stop()

	last := -1
	for {
		counts, err := s.relay.client.PubSubNumSub(ctx, s.topic).Result()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			s.relay.logger.Debugw("presence poll failed", "topic", s.topic, "error", err)
		default:
			if n := int(counts[s.topic]); n != last {
				last = n
				s.onPresence(n)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *redisSub) awaitConfirmation(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.relay.subscribeTimeout)
	defer cancel()

	for {
		msg, err := s.pubsub.Receive(ctx)
		if err != nil {
			return err
		}
		if sub, ok := msg.(*redis.Subscription); ok && sub.Kind == "subscribe" && sub.Channel == s.topic {
			return nil
		}
	}
}

func (s *redisSub) Send(ctx context.Context, event string, payload []byte) error {
	data, err := encodeEnvelope(event, s.id, payload)
	if err != nil {
		return err
	}
	if err := s.relay.client.Publish(ctx, s.topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", s.topic, err)
	}
	return nil
}

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}
