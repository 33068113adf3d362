package session

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/storage/redis"

	"github.com/ladlebox/ladlebox/internal/pkg/cache"
	"github.com/ladlebox/ladlebox/internal/pkg/env"
)

var sessionStore *session.Store

func NewSessionStore() *session.Store {
	// Reuse the cache server connection details for session storage
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	// Sessions live in database 1; the cache uses DB 0.
	storage := redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})

	sessionStore = session.New(session.Config{
		Storage:        storage,
		CookieHTTPOnly: true,
		CookieSecure:   !env.IsDev(),
		Expiration:     time.Hour * 24,
		KeyLookup:      "cookie:session_id",
	})

	return sessionStore
}

func GetSessionStore() *session.Store {
	return sessionStore
}

// SetSessionValue stores a key-value pair in the user's individual session
func SetSessionValue(c *fiber.Ctx, key string, value string) error {
	if sessionStore == nil {
		return fmt.Errorf("session store not initialized")
	}

	sess, err := sessionStore.Get(c)
	if err != nil {
		return fmt.Errorf("failed to get session: %v", err)
	}

	sess.Set(key, value)
	return sess.Save()
}

// GetSessionValue retrieves a value by key from the user's individual session
func GetSessionValue(c *fiber.Ctx, key string) string {
	if sessionStore == nil {
		return ""
	}

	sess, err := sessionStore.Get(c)
	if err != nil {
		return ""
	}

	value := sess.Get(key)
	if value == nil {
		return ""
	}

	if strValue, ok := value.(string); ok {
		return strValue
	}

	return ""
}
