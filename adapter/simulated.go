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

// Package adapter provides feed adapters for the live data server
package adapter

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/alwitt/livedata/server"
	"github.com/apex/log"
	"github.com/shopspring/decimal"
)

// Raw field names published by the simulated feed
const (
	FieldBidPrice  = "BID_PRICE"
	FieldAskPrice  = "ASK_PRICE"
	FieldLastPrice = "LAST_PRICE"
	FieldVolume    = "VOLUME"
)

// SimulatedFeedParams parameters of a SimulatedFeed
type SimulatedFeedParams struct {
	// Domain is the identifier scheme the feed serves
	Domain string
	// TickInterval is the period between ticks of a subscribed instrument
	TickInterval time.Duration
	// SnapshotOnSubscribe whether a subscription needs an explicit snapshot
	SnapshotOnSubscribe bool
	// MaxSubscriptions caps the number of live subscriptions. Zero means no cap.
	MaxSubscriptions int
	// Seed seeds the price walk
	Seed int64
}

// simulatedInstrument the random walk state of one instrument
type simulatedInstrument struct {
	mid    decimal.Decimal
	spread decimal.Decimal
	volume int64
}

// SimulatedFeed a self-contained synthetic market data feed. Prices follow a
// random walk in cents, one step per tick.
type SimulatedFeed struct {
	common.Component
	params SimulatedFeedParams

	lock        sync.Mutex
	connected   bool
	rng         *rand.Rand
	instruments map[string]*simulatedInstrument
	handles     map[string]string
	handleSeq   int
	denied      map[string]bool
	lastTick    time.Time
}

// NewSimulatedFeed define a SimulatedFeed
func NewSimulatedFeed(params SimulatedFeedParams) (*SimulatedFeed, error) {
	if params.Domain == "" {
		return nil, fmt.Errorf("simulated feed requires a domain")
	}
	if params.TickInterval <= 0 {
		params.TickInterval = time.Millisecond * 500
	}
	if params.Seed == 0 {
		params.Seed = time.Now().UnixNano()
	}
	return &SimulatedFeed{
		Component:   common.NewComponent("adapter", "simulated-feed", params.Domain),
		params:      params,
		rng:         rand.New(rand.NewSource(params.Seed)),
		instruments: make(map[string]*simulatedInstrument),
		handles:     make(map[string]string),
		denied:      make(map[string]bool),
	}, nil
}

// NewSimulatedFeedFromConfig define a SimulatedFeed from config
func NewSimulatedFeedFromConfig(cfg common.SimulatedFeedConfig) (*SimulatedFeed, error) {
	return NewSimulatedFeed(SimulatedFeedParams{
		Domain:              cfg.Domain,
		TickInterval:        time.Millisecond * time.Duration(cfg.TickInterval),
		SnapshotOnSubscribe: cfg.SnapshotOnSubscribe,
	})
}

// DenyPermission mark an instrument as not visible to this process. Its images
// carry the permission denied marker from then on.
func (f *SimulatedFeed) DenyPermission(securityUniqueID string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.denied[securityUniqueID] = true
}

// SimulateConnectionLoss drop the connection as if the upstream went away
func (f *SimulatedFeed) SimulateConnectionLoss() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.connected = false
	f.handles = make(map[string]string)
	log.WithFields(f.LogTags).Warn("Connection lost")
}

// Connected whether the feed is connected
func (f *SimulatedFeed) Connected() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.connected
}

// SubscribedIDs the instruments with a live upstream subscription
func (f *SimulatedFeed) SubscribedIDs() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.subscribedIDs()
}

func (f *SimulatedFeed) subscribedIDs() []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(f.handles))
	for _, id := range f.handles {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	sort.Strings(result)
	return result
}

func (f *SimulatedFeed) Connect() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.connected {
		log.WithFields(f.LogTags).Info("Connected")
	}
	f.connected = true
	return nil
}

func (f *SimulatedFeed) Disconnect() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.connected = false
	f.handles = make(map[string]string)
	log.WithFields(f.LogTags).Info("Disconnected")
	return nil
}

func (f *SimulatedFeed) UniqueIDDomain() string {
	return f.params.Domain
}

func (f *SimulatedFeed) SnapshotRequiredOnSubscribe(_ *server.Subscription) bool {
	return f.params.SnapshotOnSubscribe
}

// CheckSubscribe reject a batch which would exceed the subscription cap
func (f *SimulatedFeed) CheckSubscribe(uniqueIDs []string) error {
	if f.params.MaxSubscriptions <= 0 {
		return nil
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.subscribedIDs())+len(uniqueIDs) > f.params.MaxSubscriptions {
		return fmt.Errorf(
			"subscribing %d more would exceed the cap of %d", len(uniqueIDs), f.params.MaxSubscriptions,
		)
	}
	return nil
}

func (f *SimulatedFeed) Subscribe(uniqueIDs []string) (map[string]interface{}, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.connected {
		return nil, server.ErrNotConnected
	}
	result := make(map[string]interface{}, len(uniqueIDs))
	for _, id := range uniqueIDs {
		f.handleSeq++
		handle := fmt.Sprintf("%s-%s-%d", f.params.Domain, id, f.handleSeq)
		f.handles[handle] = id
		f.instrument(id)
		result[id] = handle
	}
	log.WithFields(f.LogTags).Debugf("Subscribed %v", uniqueIDs)
	return result, nil
}

func (f *SimulatedFeed) Unsubscribe(handles []interface{}) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, raw := range handles {
		handle, ok := raw.(string)
		if !ok {
			return fmt.Errorf("handle %v of type %T was not issued by this feed", raw, raw)
		}
		delete(f.handles, handle)
	}
	return nil
}

func (f *SimulatedFeed) Snapshot(uniqueIDs []string) (map[string]livedata.Message, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.connected {
		return nil, server.ErrNotConnected
	}
	result := make(map[string]livedata.Message, len(uniqueIDs))
	for _, id := range uniqueIDs {
		result[id] = f.image(id)
	}
	return result, nil
}

// instrument fetch or start the walk of an instrument
func (f *SimulatedFeed) instrument(securityUniqueID string) *simulatedInstrument {
	if state, ok := f.instruments[securityUniqueID]; ok {
		return state
	}
	// Start somewhere between 10.00 and 500.00
	state := &simulatedInstrument{
		mid:    decimal.New(int64(1000+f.rng.Intn(49000)), -2),
		spread: decimal.New(int64(1+f.rng.Intn(10)), -2),
		volume: 0,
	}
	f.instruments[securityUniqueID] = state
	return state
}

// image the full current image of an instrument
func (f *SimulatedFeed) image(securityUniqueID string) livedata.Message {
	if f.denied[securityUniqueID] {
		return livedata.NewMessage(livedata.Field{Name: livedata.PermissionDeniedField, Value: true})
	}
	state := f.instrument(securityUniqueID)
	halfSpread := state.spread.Div(decimal.NewFromInt(2))
	return livedata.NewMessage(
		livedata.Field{Name: FieldBidPrice, Value: state.mid.Sub(halfSpread)},
		livedata.Field{Name: FieldAskPrice, Value: state.mid.Add(halfSpread)},
		livedata.Field{Name: FieldLastPrice, Value: state.mid},
		livedata.Field{Name: FieldVolume, Value: state.volume},
	)
}

// step move an instrument one tick along its walk
func (f *SimulatedFeed) step(state *simulatedInstrument) {
	move := decimal.New(int64(f.rng.Intn(11)-5), -2)
	next := state.mid.Add(move)
	if next.LessThanOrEqual(state.spread) {
		next = state.mid
	}
	state.mid = next
	state.volume += int64(1 + f.rng.Intn(100))
}

// GenerateTicks produce one tick for every subscribed instrument
func (f *SimulatedFeed) GenerateTicks() ([]server.LiveDataEvent, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.connected {
		return nil, server.ErrNotConnected
	}
	ids := f.subscribedIDs()
	events := make([]server.LiveDataEvent, 0, len(ids))
	for _, id := range ids {
		if !f.denied[id] {
			f.step(f.instrument(id))
		}
		events = append(events, server.LiveDataEvent{SecurityUniqueID: id, Fields: f.image(id)})
	}
	return events, nil
}

// NextEvents wait for the next tick. Returns nothing if the tick is not due
// within maxWait.
func (f *SimulatedFeed) NextEvents(
	ctxt context.Context, maxWait time.Duration,
) ([]server.LiveDataEvent, error) {
	f.lock.Lock()
	if !f.connected {
		f.lock.Unlock()
		return nil, server.ErrNotConnected
	}
	wait := time.Until(f.lastTick.Add(f.params.TickInterval))
	f.lock.Unlock()

	if wait > maxWait {
		wait = maxWait
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctxt.Done():
			return nil, ctxt.Err()
		case <-timer.C:
		}
	}

	f.lock.Lock()
	due := !time.Now().Before(f.lastTick.Add(f.params.TickInterval))
	if due {
		f.lastTick = time.Now()
	}
	f.lock.Unlock()
	if !due {
		return nil, nil
	}
	return f.GenerateTicks()
}
