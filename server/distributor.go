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
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/alwitt/livedata/lkv"
	"github.com/alwitt/livedata/metrics"
	"github.com/apex/log"
)

// senderTimeout bounds one sender call
const senderTimeout = time.Second * 5

// MarketDataDistributor delivers one instrument to one destination in one format
type MarketDataDistributor struct {
	common.Component
	spec         *livedata.DistributionSpecification
	fqSpec       livedata.LiveDataSpecification
	subscription *Subscription
	store        lkv.LastKnownValueStore
	senders      []MarketDataSender
	now          Clock

	lock       sync.Mutex
	persistent bool
	expiry     time.Time

	sequence     atomic.Int64
	messagesSent atomic.Int64
}

func newMarketDataDistributor(
	spec *livedata.DistributionSpecification,
	subscription *Subscription,
	store lkv.LastKnownValueStore,
	senders []MarketDataSender,
	persistent bool,
	now Clock,
) *MarketDataDistributor {
	return &MarketDataDistributor{
		Component:    common.NewComponent("server", "distributor", spec.String()),
		spec:         spec,
		fqSpec:       spec.FullyQualifiedSpec(),
		subscription: subscription,
		store:        store,
		senders:      senders,
		now:          now,
		persistent:   persistent,
		expiry:       now(),
	}
}

// DistributionSpec the distribution specification served
func (d *MarketDataDistributor) DistributionSpec() *livedata.DistributionSpecification {
	return d.spec
}

// FullyQualifiedSpec the server-wide unique specification of the distributor
func (d *MarketDataDistributor) FullyQualifiedSpec() livedata.LiveDataSpecification {
	return d.fqSpec
}

// Subscription the owning subscription
func (d *MarketDataDistributor) Subscription() *Subscription {
	return d.subscription
}

// IsPersistent whether the distributor is protected from expiry
func (d *MarketDataDistributor) IsPersistent() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.persistent
}

// SetPersistent change the persistence flag.
//
// Consumers only ever promote a distributor. Demotion is reserved for removing a
// persistent subscription.
func (d *MarketDataDistributor) SetPersistent(persistent bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.persistent = persistent
}

// ExtendExpiry push the expiry out to the given duration from now. An expiry
// already further out is kept.
func (d *MarketDataDistributor) ExtendExpiry(extension time.Duration) {
	d.lock.Lock()
	defer d.lock.Unlock()
	newExpiry := d.now().Add(extension)
	if newExpiry.After(d.expiry) {
		d.expiry = newExpiry
	}
}

// Expiry the current expiry deadline
func (d *MarketDataDistributor) Expiry() time.Time {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.expiry
}

// HasExpired whether the expiry deadline has passed
func (d *MarketDataDistributor) HasExpired() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.now().After(d.expiry)
}

// NumMessagesSent number of updates published
func (d *MarketDataDistributor) NumMessagesSent() int64 {
	return d.messagesSent.Load()
}

// Snapshot the last known image, or nil if nothing was received yet
func (d *MarketDataDistributor) Snapshot() *livedata.LiveDataValueUpdate {
	if d.store.IsEmpty() {
		return nil
	}
	return &livedata.LiveDataValueUpdate{
		SequenceNumber: d.sequence.Load(),
		Specification:  d.fqSpec,
		Fields:         d.store.LastKnownValues(),
	}
}

// normalize run the rule set against the distributor's own history
func (d *MarketDataDistributor) normalize(raw livedata.Message) (livedata.Message, bool) {
	return d.spec.NormalizedMessage(raw, d.subscription.SecurityUniqueID(), d.store)
}

// updateFieldHistory absorb an image without publishing it.
//
// Caller must hold the subscription's delivery lock.
func (d *MarketDataDistributor) updateFieldHistory(raw livedata.Message) {
	normalized, ok := d.normalize(raw)
	if !ok {
		return
	}
	if err := d.store.UpdateFields(normalized); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to update last known values")
	}
}

// distributeLiveData normalize a raw update and publish the result.
//
// Caller must hold the subscription's delivery lock.
func (d *MarketDataDistributor) distributeLiveData(raw livedata.Message) {
	normalized, ok := d.normalize(raw)
	if !ok {
		log.WithFields(d.LogTags).Debug("Nothing left after normalization")
		return
	}
	if err := d.store.UpdateFields(normalized); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to update last known values")
	}
	update := livedata.LiveDataValueUpdate{
		SequenceNumber: d.sequence.Add(1),
		Specification:  d.fqSpec,
		Fields:         normalized,
	}
	ruleSet := d.fqSpec.NormalizationRuleSetID
	for _, sender := range d.senders {
		ctxt, cancel := context.WithTimeout(context.Background(), senderTimeout)
		err := sender.Send(ctxt, d.spec.Topic(), update)
		cancel()
		if err != nil {
			metrics.SendFailures.WithLabelValues(ruleSet).Inc()
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Failed to send update %d", update.SequenceNumber,
			)
		}
	}
	d.messagesSent.Add(1)
	metrics.MessagesDistributed.WithLabelValues(ruleSet).Inc()
}
