// Copyright 2022-2023 The livedata Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RedisBackingStore keeps last known value images in redis, one JSON document per key
type RedisBackingStore struct {
	common.Component
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisBackingStore define a redis backing store
func NewRedisBackingStore(client redis.UniversalClient, keyPrefix string) *RedisBackingStore {
	return &RedisBackingStore{
		Component: common.NewComponent("lkv", "redis-backing", keyPrefix),
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// ConnectRedisBackingStore connect to redis and define a backing store
func ConnectRedisBackingStore(
	ctxt context.Context, config common.RedisConfig,
) (*RedisBackingStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctxt).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", config.Addr, err)
	}
	return NewRedisBackingStore(client, config.KeyPrefix), nil
}

func (s *RedisBackingStore) redisKey(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", s.keyPrefix, key)
}

// Update replace the image stored under the key
func (s *RedisBackingStore) Update(ctxt context.Context, key string, msg livedata.Message) error {
	serialized, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctxt, s.redisKey(key), serialized, 0).Err(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	return nil
}

// Read fetch the image stored under the key
func (s *RedisBackingStore) Read(ctxt context.Context, key string) (livedata.Message, error) {
	raw, err := s.client.Get(ctxt, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return livedata.Message{}, nil
	} else if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to GET %s", key)
		return livedata.Message{}, err
	}
	var msg livedata.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return livedata.Message{}, fmt.Errorf("stored image %s is corrupt: %w", key, err)
	}
	return msg, nil
}

// Close close the redis client
func (s *RedisBackingStore) Close() error {
	return s.client.Close()
}
