package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"foundry-dash/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss 传感器没有缓存的最新值
var ErrCacheMiss = errors.New("no cached value for sensor")

// LatestValue 传感器最近一次测量
type LatestValue struct {
	SensorCode string  `json:"sensor_code"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// LatestValueCache 最新测量值缓存
// 由遥测通配符订阅喂入，刚打开的看板可以先画出最近已知值，不必等流上新帧
type LatestValueCache struct {
	redisClient *redis.Client
	keyPrefix   string
	ttl         time.Duration
	logger      *zap.Logger
}

// NewLatestValueCache 创建最新值缓存
func NewLatestValueCache(redisClient *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *LatestValueCache {
	return &LatestValueCache{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		ttl:         ttl,
		logger:      logger,
	}
}

// Store 写入一次测量（带 TTL）
func (c *LatestValueCache) Store(ctx context.Context, value LatestValue) error {
	if value.SensorCode == "" {
		return errors.New("sensor code is required")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal latest value: %w", err)
	}

	key := c.keyPrefix + value.SensorCode
	if err := c.redisClient.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set latest value cache: %w", err)
	}

	return nil
}

// Get 读取传感器的最新测量，没有则返回 ErrCacheMiss
func (c *LatestValueCache) Get(ctx context.Context, sensorCode string) (*LatestValue, error) {
	key := c.keyPrefix + sensorCode

	raw, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get latest value cache: %w", err)
	}

	var value LatestValue
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal latest value: %w", err)
	}

	return &value, nil
}

// GetMany 批量读取；没有缓存的传感器不出现在结果里
func (c *LatestValueCache) GetMany(ctx context.Context, sensorCodes []string) (map[string]LatestValue, error) {
	if len(sensorCodes) == 0 {
		return map[string]LatestValue{}, nil
	}

	keys := make([]string, len(sensorCodes))
	for i, code := range sensorCodes {
		keys[i] = c.keyPrefix + code
	}

	raws, err := c.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget latest values: %w", err)
	}

	result := make(map[string]LatestValue, len(sensorCodes))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}

		var value LatestValue
		if err := json.Unmarshal([]byte(str), &value); err != nil {
			c.logger.Warn("Skipping corrupt cached value",
				zap.String("sensor_code", sensorCodes[i]),
				zap.Error(err),
			)
			continue
		}
		result[sensorCodes[i]] = value
	}

	return result, nil
}

// Feed 返回喂入缓存的遥测处理器，用于注册在通配符路由键上
// 只处理测量事件；写入失败记日志，不影响分发
func (c *LatestValueCache) Feed() telemetry.Handler {
	return func(event telemetry.Event) {
		if event.SensorCode == "" {
			return
		}

		err := c.Store(context.Background(), LatestValue{
			SensorCode: event.SensorCode,
			Value:      event.Value,
			Unit:       event.Unit,
			Timestamp:  event.Timestamp,
		})
		if err != nil {
			c.logger.Warn("Failed to cache latest value",
				zap.String("sensor_code", event.SensorCode),
				zap.Error(err),
			)
		}
	}
}
