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

// Package lkv holds the last known value stores behind each distributor
package lkv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/apex/log"
)

// LastKnownValueStore the latest normalized image of one distribution
type LastKnownValueStore interface {
	livedata.FieldHistory
	// UpdateFields merge a normalized update into the image
	UpdateFields(msg livedata.Message) error
	// IsEmpty whether nothing was received yet
	IsEmpty() bool
}

// LastKnownValueStoreProvider creates the store for a distribution
type LastKnownValueStoreProvider interface {
	// NewLastKnownValueStore define the store of a distribution
	NewLastKnownValueStore(spec *livedata.DistributionSpecification) (LastKnownValueStore, error)
}

// StoreKey the key a distribution's last known values are kept under
func StoreKey(spec *livedata.DistributionSpecification) string {
	fq := spec.FullyQualifiedSpec()
	return fmt.Sprintf("%s/%s", fq.NormalizationRuleSetID, fq.Identifier)
}

// ==============================================================================

// memoryStore keeps the last known values in process
type memoryStore struct {
	history *livedata.FieldHistoryStore
}

// NewMemoryStore define an in-process store
func NewMemoryStore() LastKnownValueStore {
	return &memoryStore{history: livedata.NewFieldHistoryStore()}
}

func (s *memoryStore) UpdateFields(msg livedata.Message) error {
	s.history.LiveDataReceived(msg)
	return nil
}

func (s *memoryStore) LastKnownValues() livedata.Message {
	return s.history.LastKnownValues()
}

func (s *memoryStore) IsEmpty() bool {
	return s.history.IsEmpty()
}

// MemoryStoreProvider creates in-process stores
type MemoryStoreProvider struct{}

// NewLastKnownValueStore define the store of a distribution
func (MemoryStoreProvider) NewLastKnownValueStore(
	_ *livedata.DistributionSpecification,
) (LastKnownValueStore, error) {
	return NewMemoryStore(), nil
}

// ==============================================================================

// BackingStore external durable home of last known values
type BackingStore interface {
	// Update replace the image stored under the key
	Update(ctxt context.Context, key string, msg livedata.Message) error
	// Read fetch the image stored under the key. A missing key reads as empty.
	Read(ctxt context.Context, key string) (livedata.Message, error)
}

// backedStore keeps an in-process image and writes every change through to a
// backing store. Reads are served from the in-process image.
type backedStore struct {
	common.Component
	key     string
	backing BackingStore
	timeout time.Duration
	lock    sync.Mutex
	local   *livedata.FieldHistoryStore
}

func (s *backedStore) UpdateFields(msg livedata.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.local.LiveDataReceived(msg)
	ctxt, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.backing.Update(ctxt, s.key, s.local.LastKnownValues()); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to write through %s", s.key)
		return err
	}
	return nil
}

func (s *backedStore) LastKnownValues() livedata.Message {
	return s.local.LastKnownValues()
}

func (s *backedStore) IsEmpty() bool {
	return s.local.IsEmpty()
}

// BackedStoreProvider creates write-through stores over a backing store
type BackedStoreProvider struct {
	Backing BackingStore
	// Timeout bounds each backing store call
	Timeout time.Duration
}

// NewLastKnownValueStore define the store of a distribution, seeded with
// whatever the backing store already holds for it
func (p BackedStoreProvider) NewLastKnownValueStore(
	spec *livedata.DistributionSpecification,
) (LastKnownValueStore, error) {
	key := StoreKey(spec)
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Second * 5
	}
	store := &backedStore{
		Component: common.NewComponent("lkv", "backed-store", key),
		key:       key,
		backing:   p.Backing,
		timeout:   timeout,
		local:     livedata.NewFieldHistoryStore(),
	}
	ctxt, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	existing, err := p.Backing.Read(ctxt, key)
	if err != nil {
		log.WithError(err).WithFields(store.LogTags).Errorf("Unable to read stored image %s", key)
		return nil, err
	}
	if !existing.IsEmpty() {
		log.WithFields(store.LogTags).Debugf("Recovered %d stored fields", existing.Len())
		store.local.LiveDataReceived(existing)
	}
	return store, nil
}

// ==============================================================================

// MemoryBackingStore a BackingStore held in a map
type MemoryBackingStore struct {
	lock   sync.RWMutex
	images map[string]livedata.Message
}

// NewMemoryBackingStore define an empty MemoryBackingStore
func NewMemoryBackingStore() *MemoryBackingStore {
	return &MemoryBackingStore{images: make(map[string]livedata.Message)}
}

// Update replace the image stored under the key
func (s *MemoryBackingStore) Update(_ context.Context, key string, msg livedata.Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.images[key] = msg
	return nil
}

// Read fetch the image stored under the key
func (s *MemoryBackingStore) Read(_ context.Context, key string) (livedata.Message, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.images[key], nil
}
