package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// StatusChannel is the pub/sub channel carrying status events of one bot.
func StatusChannel(accountID int64) string {
	return fmt.Sprintf("bot:status:%d", accountID)
}

// LeaseKey guards a single running worker per account across processes.
func LeaseKey(accountID int64) string {
	return fmt.Sprintf("bot:lease:%d", accountID)
}

func VerificationLimitKey(accountID int64) string {
	return fmt.Sprintf("verify:%d", accountID)
}
