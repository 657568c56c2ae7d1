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
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/livedata/livedata"
)

// ErrUnknownSubscription no subscription exists for the instrument
var ErrUnknownSubscription = errors.New("no such subscription")

// DistributorTrace state of one distributor
type DistributorTrace struct {
	// Specification is the fully qualified specification
	Specification livedata.LiveDataSpecification `json:"specification"`
	// Topic is where the updates go
	Topic string `json:"topic"`
	// Expiry is when the distributor expires without heartbeats
	Expiry time.Time `json:"expiry"`
	// Expired is whether the expiry has passed
	Expired bool `json:"expired"`
	// Persistent is whether the distributor is protected from expiry
	Persistent bool `json:"persistent"`
	// MessagesSent is the number of updates published
	MessagesSent int64 `json:"messages_sent"`
	// Snapshot is the last known normalized image
	Snapshot *livedata.LiveDataValueUpdate `json:"snapshot,omitempty"`
}

// SubscriptionTrace state of one subscription
type SubscriptionTrace struct {
	// SecurityUniqueID is the feed's ID of the instrument
	SecurityUniqueID string `json:"id"`
	// CreationTime is when the subscription was made
	CreationTime time.Time `json:"created"`
	// HasHandle is whether the feed subscription is live
	HasHandle bool `json:"has_handle"`
	// LastKnownValues is the raw image
	LastKnownValues livedata.Message `json:"last_known_values"`
	// Distributors are the subscription's distributors
	Distributors []DistributorTrace `json:"distributors"`
}

func (s *liveDataServerImpl) GetSubscriptionTrace(securityUniqueID string) (SubscriptionTrace, error) {
	sub := s.GetSubscription(securityUniqueID)
	if sub == nil {
		return SubscriptionTrace{}, fmt.Errorf("%w: %s", ErrUnknownSubscription, securityUniqueID)
	}
	trace := SubscriptionTrace{
		SecurityUniqueID: sub.SecurityUniqueID(),
		CreationTime:     sub.CreationTime(),
		HasHandle:        sub.Handle() != nil,
		LastKnownValues:  sub.LastKnownValues(),
	}
	for _, distributor := range sub.Distributors() {
		trace.Distributors = append(trace.Distributors, DistributorTrace{
			Specification: distributor.FullyQualifiedSpec(),
			Topic:         distributor.DistributionSpec().Topic(),
			Expiry:        distributor.Expiry(),
			Expired:       distributor.HasExpired(),
			Persistent:    distributor.IsPersistent(),
			MessagesSent:  distributor.NumMessagesSent(),
			Snapshot:      distributor.Snapshot(),
		})
	}
	return trace, nil
}
