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
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livedata/livedata"
	"github.com/stretchr/testify/assert"
)

// mockFeed records every call made by the server
type mockFeed struct {
	lock                sync.Mutex
	domain              string
	connectErr          error
	subscribeErr        error
	snapshotErr         error
	checkErr            error
	dropHandles         map[string]bool
	dropSnapshots       map[string]bool
	snapshotOnSubscribe bool
	allowEmptySnapshot  bool
	images              map[string]livedata.Message
	handleSeq           int
	// duringSubscribe runs inside Subscribe, after the handles are allocated,
	// the way a feed delivering its first tick early would
	duringSubscribe func(uniqueIDs []string)

	connectCalls    int
	disconnectCalls int
	subscribeCalls  [][]string
	snapshotCalls   [][]string
	unsubscribed    []interface{}
	doneCalls       [][]string
}

func newMockFeed(domain string) *mockFeed {
	return &mockFeed{
		domain:        domain,
		dropHandles:   make(map[string]bool),
		dropSnapshots: make(map[string]bool),
		images:        make(map[string]livedata.Message),
	}
}

func (f *mockFeed) Connect() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.connectCalls++
	return f.connectErr
}

func (f *mockFeed) Disconnect() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.disconnectCalls++
	return nil
}

func (f *mockFeed) Subscribe(uniqueIDs []string) (map[string]interface{}, error) {
	handles, err := f.subscribe(uniqueIDs)
	if err == nil && f.duringSubscribe != nil {
		f.duringSubscribe(uniqueIDs)
	}
	return handles, err
}

func (f *mockFeed) subscribe(uniqueIDs []string) (map[string]interface{}, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	ids := append([]string{}, uniqueIDs...)
	f.subscribeCalls = append(f.subscribeCalls, ids)
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	result := make(map[string]interface{})
	for _, id := range uniqueIDs {
		if f.dropHandles[id] {
			continue
		}
		f.handleSeq++
		result[id] = fmt.Sprintf("%s-%d", id, f.handleSeq)
	}
	return result, nil
}

func (f *mockFeed) Unsubscribe(handles []interface{}) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.unsubscribed = append(f.unsubscribed, handles...)
	return nil
}

func (f *mockFeed) Snapshot(uniqueIDs []string) (map[string]livedata.Message, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	ids := append([]string{}, uniqueIDs...)
	f.snapshotCalls = append(f.snapshotCalls, ids)
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	result := make(map[string]livedata.Message)
	for _, id := range uniqueIDs {
		if f.dropSnapshots[id] {
			continue
		}
		if image, ok := f.images[id]; ok {
			result[id] = image
		} else {
			result[id] = quote(100.0, 101.0)
		}
	}
	return result, nil
}

func (f *mockFeed) SnapshotRequiredOnSubscribe(_ *Subscription) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.snapshotOnSubscribe
}

func (f *mockFeed) UniqueIDDomain() string {
	return f.domain
}

func (f *mockFeed) CheckSubscribe(_ []string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.checkErr
}

func (f *mockFeed) SubscriptionDone(uniqueIDs []string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.doneCalls = append(f.doneCalls, append([]string{}, uniqueIDs...))
}

func (f *mockFeed) CanSatisfySnapshotFromEmptySubscription(_ *MarketDataDistributor) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.allowEmptySnapshot
}

func (f *mockFeed) numSubscribeCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.subscribeCalls)
}

func (f *mockFeed) lastSubscribeCall() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.subscribeCalls) == 0 {
		return nil
	}
	return f.subscribeCalls[len(f.subscribeCalls)-1]
}

func (f *mockFeed) numSnapshotCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.snapshotCalls)
}

func (f *mockFeed) numUnsubscribed() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.unsubscribed)
}

// ==============================================================================

type sentUpdate struct {
	topic  string
	update livedata.LiveDataValueUpdate
}

// collectingSender keeps every update sent
type collectingSender struct {
	lock sync.Mutex
	sent []sentUpdate
}

func (s *collectingSender) Send(
	_ context.Context, topic string, update livedata.LiveDataValueUpdate,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sent = append(s.sent, sentUpdate{topic: topic, update: update})
	return nil
}

func (s *collectingSender) onTopic(topic string) []livedata.LiveDataValueUpdate {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]livedata.LiveDataValueUpdate, 0)
	for _, entry := range s.sent {
		if entry.topic == topic {
			result = append(result, entry.update)
		}
	}
	return result
}

func (s *collectingSender) count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.sent)
}

// ==============================================================================

type fakeClock struct {
	lock    sync.Mutex
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2023, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.current = c.current.Add(d)
}

// ==============================================================================

type countingListener struct {
	lock         sync.Mutex
	subscribed   []string
	unsubscribed []string
}

func (l *countingListener) Subscribed(sub *Subscription) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.subscribed = append(l.subscribed, sub.SecurityUniqueID())
	return nil
}

func (l *countingListener) Unsubscribed(sub *Subscription) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.unsubscribed = append(l.unsubscribed, sub.SecurityUniqueID())
	return nil
}

func (l *countingListener) counts() (int, int) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.subscribed), len(l.unsubscribed)
}

// ==============================================================================

func quote(bid, ask float64) livedata.Message {
	return livedata.NewMessage(
		livedata.Field{Name: "BID_PRICE", Value: bid},
		livedata.Field{Name: "ASK_PRICE", Value: ask},
	)
}

func simSpec(ruleSet, id string) livedata.LiveDataSpecification {
	return livedata.NewLiveDataSpecification(ruleSet, livedata.ExternalID{Scheme: "SIM", Value: id})
}

type testServerOption func(params *LiveDataServerParams)

func defineTestServer(
	t *testing.T,
	feed *mockFeed,
	sender *collectingSender,
	clock *fakeClock,
	opts ...testServerOption,
) *liveDataServerImpl {
	params := LiveDataServerParams{
		Instance: "unit-test",
		Adapter:  feed,
		Resolver: livedata.NewNaiveDistributionSpecificationResolver(
			livedata.DefaultRuleSetSource(), feed.domain, "",
		),
		Senders:         []MarketDataSender{sender},
		ExpiryExtension: time.Second * 30,
		Clock:           clock.Now,
	}
	for _, opt := range opts {
		opt(&params)
	}
	uut, err := DefineLiveDataServer(params)
	assert.Nil(t, err)
	return uut.(*liveDataServerImpl)
}

// checkIndexConsistency every distributor reachable by spec belongs to exactly one
// active subscription, which is registered under its instrument ID
func checkIndexConsistency(t *testing.T, uut *liveDataServerImpl) {
	uut.subscriptionLock.Lock()
	defer uut.subscriptionLock.Unlock()
	for fq, distributor := range uut.bySpec {
		assert.Equal(t, fq, distributor.FullyQualifiedSpec())
		sub := distributor.Subscription()
		_, active := uut.activeSubscriptions[sub]
		assert.True(t, active, "subscription of %s not active", fq)
		raw, ok := uut.byInstrumentID.Load(sub.SecurityUniqueID())
		assert.True(t, ok)
		assert.Same(t, sub, raw)
		assert.Same(t, distributor, sub.MarketDataDistributor(distributor.DistributionSpec()))
	}
	for sub := range uut.activeSubscriptions {
		raw, ok := uut.byInstrumentID.Load(sub.SecurityUniqueID())
		assert.True(t, ok)
		assert.Same(t, sub, raw)
		for _, distributor := range sub.Distributors() {
			assert.Same(t, distributor, uut.bySpec[distributor.FullyQualifiedSpec()])
		}
	}
	ids := make([]string, 0)
	uut.byInstrumentID.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	assert.Equal(t, len(uut.activeSubscriptions), len(ids))
}
