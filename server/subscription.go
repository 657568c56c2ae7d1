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

package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/alwitt/livedata/lkv"
	"github.com/apex/log"
)

// Subscription one upstream subscription for one instrument, shared by every
// distributor of that instrument
type Subscription struct {
	common.Component
	securityUniqueID string
	creationTime     time.Time
	lkvProvider      lkv.LastKnownValueStoreProvider
	senders          []MarketDataSender
	now              Clock

	handleLock sync.Mutex
	handle     interface{}

	// deliveryLock serializes updates for this instrument. It is always taken
	// before distLock.
	deliveryLock sync.Mutex
	history      *livedata.FieldHistoryStore

	distLock     sync.RWMutex
	distributors map[livedata.DistributionKey]*MarketDataDistributor
}

func newSubscription(
	securityUniqueID string,
	lkvProvider lkv.LastKnownValueStoreProvider,
	senders []MarketDataSender,
	now Clock,
) *Subscription {
	return &Subscription{
		Component:        common.NewComponent("server", "subscription", securityUniqueID),
		securityUniqueID: securityUniqueID,
		creationTime:     now(),
		lkvProvider:      lkvProvider,
		senders:          senders,
		now:              now,
		history:          livedata.NewFieldHistoryStore(),
		distributors:     make(map[livedata.DistributionKey]*MarketDataDistributor),
	}
}

// SecurityUniqueID the feed's ID of the instrument
func (s *Subscription) SecurityUniqueID() string {
	return s.securityUniqueID
}

// CreationTime when the subscription was created
func (s *Subscription) CreationTime() time.Time {
	return s.creationTime
}

// Handle the feed's handle of the subscription. Nil when not active with the feed.
func (s *Subscription) Handle() interface{} {
	s.handleLock.Lock()
	defer s.handleLock.Unlock()
	return s.handle
}

func (s *Subscription) setHandle(handle interface{}) {
	s.handleLock.Lock()
	defer s.handleLock.Unlock()
	s.handle = handle
}

// LastKnownValues the merged raw image of the instrument
func (s *Subscription) LastKnownValues() livedata.Message {
	return s.history.LastKnownValues()
}

// Distributors the current distributors, ordered by topic
func (s *Subscription) Distributors() []*MarketDataDistributor {
	s.distLock.RLock()
	defer s.distLock.RUnlock()
	result := make([]*MarketDataDistributor, 0, len(s.distributors))
	for _, d := range s.distributors {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].spec.Topic() < result[j].spec.Topic()
	})
	return result
}

// NumDistributors number of distributors
func (s *Subscription) NumDistributors() int {
	s.distLock.RLock()
	defer s.distLock.RUnlock()
	return len(s.distributors)
}

// MarketDataDistributor fetch the distributor of a distribution specification
func (s *Subscription) MarketDataDistributor(
	spec *livedata.DistributionSpecification,
) *MarketDataDistributor {
	s.distLock.RLock()
	defer s.distLock.RUnlock()
	return s.distributors[spec.Key()]
}

// IsPersistent whether any distributor is persistent
func (s *Subscription) IsPersistent() bool {
	for _, d := range s.Distributors() {
		if d.IsPersistent() {
			return true
		}
	}
	return false
}

// CreateDistributor fetch the distributor of a distribution specification,
// creating it if needed. Persistence is only ever promoted here.
//
// A new distributor is seeded from the raw image already received.
func (s *Subscription) CreateDistributor(
	spec *livedata.DistributionSpecification, persistent bool,
) (*MarketDataDistributor, error) {
	if spec.MarketDataID().Value != s.securityUniqueID {
		return nil, fmt.Errorf(
			"distribution %s does not belong to subscription %s", spec, s.securityUniqueID,
		)
	}
	s.deliveryLock.Lock()
	defer s.deliveryLock.Unlock()
	s.distLock.Lock()
	defer s.distLock.Unlock()

	if existing, ok := s.distributors[spec.Key()]; ok {
		if persistent {
			existing.SetPersistent(true)
		}
		return existing, nil
	}

	store, err := s.lkvProvider.NewLastKnownValueStore(spec)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to define LKV store for %s", spec)
		return nil, err
	}
	distributor := newMarketDataDistributor(spec, s, store, s.senders, persistent, s.now)
	if !s.history.IsEmpty() {
		distributor.updateFieldHistory(s.history.LastKnownValues())
	}
	s.distributors[spec.Key()] = distributor
	log.WithFields(s.LogTags).Debugf("Created distributor %s", spec)
	return distributor, nil
}

// RemoveDistributor remove a distributor. Returns false if it was not present.
func (s *Subscription) RemoveDistributor(distributor *MarketDataDistributor) bool {
	s.distLock.Lock()
	defer s.distLock.Unlock()
	key := distributor.spec.Key()
	if current, ok := s.distributors[key]; !ok || current != distributor {
		return false
	}
	delete(s.distributors, key)
	return true
}

// removeAllDistributors drop every distributor
func (s *Subscription) removeAllDistributors() {
	s.distLock.Lock()
	defer s.distLock.Unlock()
	s.distributors = make(map[livedata.DistributionKey]*MarketDataDistributor)
}

// LiveDataReceived absorb a raw update and fan it out to every distributor
func (s *Subscription) LiveDataReceived(msg livedata.Message) {
	s.deliveryLock.Lock()
	defer s.deliveryLock.Unlock()
	s.history.LiveDataReceived(msg)
	for _, d := range s.Distributors() {
		d.distributeLiveData(msg)
	}
}

// InitialSnapshotReceived absorb the initial image without publishing it
func (s *Subscription) InitialSnapshotReceived(msg livedata.Message) {
	s.deliveryLock.Lock()
	defer s.deliveryLock.Unlock()
	s.history.LiveDataReceived(msg)
	for _, d := range s.Distributors() {
		d.updateFieldHistory(msg)
	}
}

// String toString for Subscription
func (s *Subscription) String() string {
	return fmt.Sprintf("Subscription[%s]", s.securityUniqueID)
}
