// Package sse fans bot status events out to Server-Sent Events clients. Events
// go through Redis pub/sub so any instance can serve the stream of a bot that
// runs on another instance.
package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/dm-responder-go/internal/model"
	redisclient "github.com/openclaw/dm-responder-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBuffer      = 32
)

const EventStatus = "status"

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	AccountID int64
	Events    chan Event
	Done      chan struct{}
}

type Broker struct {
	redis   *redisclient.Client
	clients map[int64]map[*Client]bool
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[int64]map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(accountID int64) *Client {
	client := &Client{
		AccountID: accountID,
		Events:    make(chan Event, clientBuffer),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[accountID] == nil {
		b.clients[accountID] = make(map[*Client]bool)
		if b.redis != nil {
			go b.subscribeToRedis(accountID)
		}
	}
	b.clients[accountID][client] = true
	clientCount := len(b.clients[accountID])
	b.mu.Unlock()

	log.Info().
		Int64("accountId", accountID).
		Int("clientCount", clientCount).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.AccountID]; ok {
		if _, present := clients[client]; !present {
			return
		}
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.AccountID)
		}

		log.Info().
			Int64("accountId", client.AccountID).
			Int("clientCount", len(clients)).
			Msg("sse client unsubscribed")
	}
}

// Publish sends event to every subscriber of accountID. Without Redis the
// event is delivered to local subscribers only.
func (b *Broker) Publish(ctx context.Context, accountID int64, event Event) error {
	if b.redis == nil {
		b.broadcast(accountID, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.StatusChannel(accountID), data).Err()
}

func (b *Broker) PublishStatus(ctx context.Context, status *model.LiveStatus) error {
	return b.Publish(ctx, status.AccountID, Event{Type: EventStatus, Data: status.ToSSEEventData()})
}

func (b *Broker) subscribeToRedis(accountID int64) {
	channel := redisclient.StatusChannel(accountID)
	pubsub := b.redis.Subscribe(b.ctx, channel)
	defer pubsub.Close()

	log.Debug().
		Int64("accountId", accountID).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			if !b.broadcast(accountID, event) {
				return
			}
		}
	}
}

// broadcast reports whether anyone is still subscribed to accountID.
func (b *Broker) broadcast(accountID int64, event Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	clients, ok := b.clients[accountID]
	if !ok {
		return false
	}
	for client := range clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Int64("accountId", accountID).
				Msg("client event buffer full, dropping event")
		}
	}
	return true
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[int64]map[*Client]bool)
}

func (b *Broker) ClientCount(accountID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[accountID])
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
