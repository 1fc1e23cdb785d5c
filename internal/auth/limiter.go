package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle はIPごとのログイン失敗回数を Redis で数え、上限に達したIPを一定時間ロックします。
// API サーバーを複数起動しても同じカウンターを共有します。
type Throttle struct {
	rdb         *redis.Client
	prefix      string
	window      time.Duration
	lock        time.Duration
	maxAttempts int64
}

// NewThrottle は Throttle を作成します。
func NewThrottle(rdb *redis.Client, prefix string) *Throttle {
	return &Throttle{
		rdb:         rdb,
		prefix:      prefix + ":login:",
		window:      loginWindow,
		lock:        lockDuration,
		maxAttempts: int64(maxLoginAttempts),
	}
}

func (t *Throttle) failKey(ip string) string { return t.prefix + "fail:" + ip }
func (t *Throttle) lockKey(ip string) string { return t.prefix + "lock:" + ip }

// Locked はロック中であれば残り時間を返します。
func (t *Throttle) Locked(ctx context.Context, ip string) (time.Duration, error) {
	ttl, err := t.rdb.PTTL(ctx, t.lockKey(ip)).Result()
	if err != nil {
		return 0, fmt.Errorf("read login lock: %w", err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// RecordFailure は失敗を1回記録し、ロックまでの残り回数を返します。
// 最初の失敗から window を過ぎるとカウンターはリセットされます。
func (t *Throttle) RecordFailure(ctx context.Context, ip string) (int, error) {
	count, err := t.rdb.Incr(ctx, t.failKey(ip)).Result()
	if err != nil {
		return 0, fmt.Errorf("record login failure: %w", err)
	}
	if count == 1 {
		if err := t.rdb.Expire(ctx, t.failKey(ip), t.window).Err(); err != nil {
			return 0, fmt.Errorf("expire login failures: %w", err)
		}
	}
	if count >= t.maxAttempts {
		pipe := t.rdb.TxPipeline()
		pipe.Set(ctx, t.lockKey(ip), 1, t.lock)
		pipe.Del(ctx, t.failKey(ip))
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("lock login: %w", err)
		}
		return 0, nil
	}
	return int(t.maxAttempts - count), nil
}

// Reset は失敗回数とロックを消去します。
func (t *Throttle) Reset(ctx context.Context, ip string) error {
	return t.rdb.Del(ctx, t.failKey(ip), t.lockKey(ip)).Err()
}
