package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "parsevk:dedup:job:"

// Deduplicator 在时间窗口内拒绝相同指纹的采集任务。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// Fingerprint 由来源、起始地址、页数与截止时间组成，参数相同的任务指纹相同。
func Fingerprint(source, baseURL string, maxPages int, publishedAfter *time.Time) string {
	parts := []string{strings.ToLower(source), baseURL, strconv.Itoa(maxPages)}
	if publishedAfter != nil {
		parts = append(parts, strconv.FormatInt(publishedAfter.Unix(), 10))
	}
	return strings.Join(parts, "|")
}

// IsDuplicate 首次出现时占位并返回 false，窗口内再次出现返回 true。
func (d *Deduplicator) IsDuplicate(ctx context.Context, fingerprint string) (bool, error) {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return false, nil
	}
	key := keyPrefix + hashKey(fingerprint)
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Delete 释放占位，失败的任务可以立即重试。
func (d *Deduplicator) Delete(ctx context.Context, fingerprint string) error {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return nil
	}
	key := keyPrefix + hashKey(fingerprint)
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashKey(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
