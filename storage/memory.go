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

package storage

import (
	"context"
	"sync"

	"github.com/alwitt/livedata/livedata"
)

// memoryStore keeps the persistent subscription set in process
type memoryStore struct {
	lock    sync.Mutex
	specs   []livedata.LiveDataSpecification
	written int
}

// NewMemoryPersistentSubscriptionStore define an in-process store
func NewMemoryPersistentSubscriptionStore(
	initial ...livedata.LiveDataSpecification,
) PersistentSubscriptionStore {
	return &memoryStore{specs: normalizeSpecs(initial)}
}

// ReadAll fetch the stored set
func (s *memoryStore) ReadAll(_ context.Context) ([]livedata.LiveDataSpecification, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]livedata.LiveDataSpecification, len(s.specs))
	copy(result, s.specs)
	return result, nil
}

// ReplaceAll overwrite the stored set
func (s *memoryStore) ReplaceAll(_ context.Context, specs []livedata.LiveDataSpecification) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.specs = normalizeSpecs(specs)
	s.written++
	return nil
}

// Close no-op
func (s *memoryStore) Close() error {
	return nil
}

// NumWrites number of ReplaceAll calls made on a store from
// NewMemoryPersistentSubscriptionStore
func NumWrites(store PersistentSubscriptionStore) int {
	if s, ok := store.(*memoryStore); ok {
		s.lock.Lock()
		defer s.lock.Unlock()
		return s.written
	}
	return -1
}
