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
	"errors"
	"time"

	"github.com/alwitt/livedata/livedata"
)

// ErrNotConnected the server is not connected to its feed
var ErrNotConnected = errors.New("connection to market data feed down")

// ErrAdapterContract the feed adapter did not honor its contract
var ErrAdapterContract = errors.New("feed adapter contract violation")

// FeedAdapter the hooks a market data feed must implement
type FeedAdapter interface {
	// Connect establish the upstream connection
	Connect() error
	// Disconnect tear down the upstream connection
	Disconnect() error
	// Subscribe subscribe to the instruments. Must return a handle for every ID
	// or fail.
	Subscribe(uniqueIDs []string) (map[string]interface{}, error)
	// Unsubscribe cancel subscriptions by handle
	Unsubscribe(handles []interface{}) error
	// Snapshot fetch the current image of the instruments. Must return an image
	// for every ID or fail.
	Snapshot(uniqueIDs []string) (map[string]livedata.Message, error)
	// SnapshotRequiredOnSubscribe whether subscribing alone does not produce a
	// full image, so an explicit snapshot must be taken
	SnapshotRequiredOnSubscribe(sub *Subscription) bool
	// UniqueIDDomain the identifier scheme the feed understands
	UniqueIDDomain() string
}

// SubscribeChecker optional FeedAdapter hook which can veto new subscriptions
// before any upstream call is made
type SubscribeChecker interface {
	CheckSubscribe(uniqueIDs []string) error
}

// SubscriptionDoneHook optional FeedAdapter hook called after new instruments
// were successfully subscribed
type SubscriptionDoneHook interface {
	SubscriptionDone(uniqueIDs []string)
}

// EmptySnapshotPolicy optional FeedAdapter hook deciding whether a subscription
// which has not produced any data can answer a snapshot with an empty image
type EmptySnapshotPolicy interface {
	CanSatisfySnapshotFromEmptySubscription(distributor *MarketDataDistributor) bool
}

// LiveDataEvent one raw update for one instrument
type LiveDataEvent struct {
	// SecurityUniqueID is the feed's ID of the instrument
	SecurityUniqueID string
	// Fields are the raw values
	Fields livedata.Message
}

// TickSource optional FeedAdapter hook for feeds which are polled for updates
type TickSource interface {
	// NextEvents wait at most maxWait for the next batch of updates. An error
	// means the feed is no longer usable.
	NextEvents(ctxt context.Context, maxWait time.Duration) ([]LiveDataEvent, error)
}

// MarketDataSender delivers normalized updates to a topic on some transport
type MarketDataSender interface {
	// Send publish one update on a topic
	Send(ctxt context.Context, topic string, update livedata.LiveDataValueUpdate) error
}

// Clock source of the current time
type Clock func() time.Time
