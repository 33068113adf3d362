package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ladlebox/ladlebox/internal/pkg/env"
)

var (
	client *redis.Client
	ctx    = context.Background()
)

// SetupCache initializes the connection to the Redis cache server.
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       0, // use default DB
	})

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Printf("Warning: could not connect to cache: %v", err)
	} else {
		log.Printf("Successfully connected to cache: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Set stores a value in the cache with the given key and expiration time
func Set(key string, value interface{}, expiration time.Duration) error {
	return GetClient().Set(ctx, key, value, expiration).Err()
}

// Get retrieves a value from the cache by key
func Get(key string) (string, error) {
	return GetClient().Get(ctx, key).Result()
}

// Delete removes a value from the cache by key
func Delete(key string) error {
	return GetClient().Del(ctx, key).Err()
}

const tierKeyPrefix = "subscriber_tier:"
const tierTTL = 15 * time.Minute

// SetSubscriberTier caches the resolved entitlement tier for a user.
func SetSubscriberTier(externalUserID, tier string) error {
	return Set(tierKeyPrefix+externalUserID, tier, tierTTL)
}

// GetSubscriberTier returns the cached tier, or "" on miss.
func GetSubscriberTier(externalUserID string) string {
	val, err := Get(tierKeyPrefix + externalUserID)
	if err != nil {
		return ""
	}
	return val
}

// InvalidateSubscriberTier drops the cached tier after an entitlement write.
func InvalidateSubscriberTier(externalUserID string) {
	if externalUserID == "" {
		return
	}
	_ = Delete(tierKeyPrefix + externalUserID)
}
