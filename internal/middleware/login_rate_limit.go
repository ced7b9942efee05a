package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const loginWindow = time.Minute

// LoginRateLimit limits login attempts per phone (or IP) per minute. Redis keeps the
// counters shared across instances; without Redis an in-process go-cache is used.
func LoginRateLimit(client *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 5
	}
	var local *cache.Cache
	if client == nil {
		local = cache.New(loginWindow, 2*loginWindow)
	}
	return func(c *fiber.Ctx) error {
		var req struct {
			Phone string `json:"phone"`
		}
		_ = c.BodyParser(&req)
		subject := strings.TrimSpace(req.Phone)
		if subject == "" {
			subject = c.IP()
		}
		key := "rl:login:" + subject

		var count int64
		if client != nil {
			cnt, err := client.Incr(c.UserContext(), key).Result()
			if err != nil {
				return c.Next() // fail-open on cache errors
			}
			if cnt == 1 {
				client.Expire(c.UserContext(), key, loginWindow)
			}
			count = cnt
		} else {
			if err := local.Add(key, int64(1), loginWindow); err == nil {
				count = 1
			} else if n, err := local.IncrementInt64(key, 1); err == nil {
				count = n
			}
		}

		if count > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many login attempts, try again later")
		}
		return c.Next()
	}
}
