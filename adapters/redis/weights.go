package redis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// WeightStore keeps the latest weight table of every key as a JSON document.
type WeightStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewWeightStore(client *redis.Client, keyPrefix string) *WeightStore {
	return &WeightStore{client: client, keyPrefix: keyPrefix}
}

func (s *WeightStore) SaveWeights(ctx context.Context, key string, weights map[string]float64) error {
	data, err := json.Marshal(weights)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyPrefix+key, data, 0).Err()
}

// LoadWeights returns nil when no table was stored under the key.
func (s *WeightStore) LoadWeights(ctx context.Context, key string) (map[string]float64, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var weights map[string]float64
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, err
	}
	return weights, nil
}

// DeleteAll deletes all stored tables. It should only be used for testing.
func (s *WeightStore) DeleteAll(ctx context.Context) error {
	return deleteAll(ctx, s.client, s.keyPrefix)
}
