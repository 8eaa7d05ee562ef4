package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// Limiter decide se o sujeito ainda cabe na janela atual
type Limiter interface {
	Allow(ctx context.Context, subject string) (bool, error)
}

// RedisLimiter conta requisições por janela fixa com INCR + EXPIRE
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter cria o limitador sobre um cliente Redis
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	start := l.now().Truncate(l.window)
	key := fmt.Sprintf("rl:%s:%d", subject, start.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// a chave expira com a janela, mesmo que o processo morra
	pipe.ExpireAt(ctx, key, start.Add(l.window))
	if _, err := pipe.Exec(ctx); err != nil {
		return true, err
	}
	return incr.Val() <= int64(l.limit), nil
}

// PostgresLimiter usa a tabela rate_limits quando não há Redis
type PostgresLimiter struct {
	repository RateLimitRepository
	limit      int
	window     time.Duration
	now        func() time.Time
}

// NewPostgresLimiter cria o limitador sobre o banco
func NewPostgresLimiter(repository RateLimitRepository, limit int, window time.Duration) *PostgresLimiter {
	return &PostgresLimiter{repository: repository, limit: limit, window: window, now: time.Now}
}

func (l *PostgresLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	start := l.now().Truncate(l.window)
	count, err := l.repository.IncrementRateLimit(ctx, subject, start, l.window)
	if err != nil {
		return true, err
	}
	return count <= l.limit, nil
}

// RateLimit aplica o limitador por usuário (ou IP sem sessão).
// Falha do limitador deixa a requisição passar.
func RateLimit(limiter Limiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := currentUserID(c)
		if subject == "" {
			subject = c.ClientIP()
		}
		subject = scope + ":" + subject

		allowed, err := limiter.Allow(c.Request.Context(), subject)
		if err != nil {
			log.Printf("⚠️ [RATELIMIT] limiter unavailable for %s: %v", subject, err)
		}
		if !allowed {
			abortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
