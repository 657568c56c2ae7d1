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

// Package metrics holds the prometheus collectors of the live data server
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksReceived raw updates received from the feed
	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livedata_ticks_received_total",
		Help: "Raw market data updates received from the feed",
	}, []string{"server"})
	// TicksDropped raw updates for instruments with no subscription
	TicksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livedata_ticks_dropped_total",
		Help: "Raw market data updates received for unknown instruments",
	}, []string{"server"})
	// MessagesDistributed normalized updates handed to senders
	MessagesDistributed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livedata_messages_distributed_total",
		Help: "Normalized updates published to topics",
	}, []string{"rule_set"})
	// SendFailures failed sender calls
	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livedata_send_failures_total",
		Help: "Failed attempts to publish a normalized update",
	}, []string{"rule_set"})
	// ActiveSubscriptions current number of upstream subscriptions
	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livedata_active_subscriptions",
		Help: "Instruments currently subscribed with the feed",
	}, []string{"server"})
	// ActiveDistributors current number of distributors
	ActiveDistributors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livedata_active_distributors",
		Help: "Distributors currently registered",
	}, []string{"server"})
	// SubscriptionResponses outcomes of requested specifications
	SubscriptionResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livedata_subscription_responses_total",
		Help: "Subscription request outcomes per requested specification",
	}, []string{"server", "type", "result"})
	// ExpiredDistributors distributors stopped for lack of heartbeats
	ExpiredDistributors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livedata_expired_distributors_total",
		Help: "Distributors stopped because they expired",
	}, []string{"server"})
	// Connected 1 when the server is connected to its feed
	Connected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livedata_feed_connected",
		Help: "Whether the server is connected to its feed",
	}, []string{"server"})
	// Reconnects successful reconnect attempts
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livedata_feed_reconnects_total",
		Help: "Successful reconnections to the feed",
	}, []string{"server"})
	// HeartbeatsReceived consumer heartbeats received
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_heartbeats_received_total",
		Help: "Consumer heartbeats received",
	})
	// PersistentSaves writes of the persistent subscription set
	PersistentSaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livedata_persistent_saves_total",
		Help: "Writes of the persistent subscription set to durable storage",
	})
)
