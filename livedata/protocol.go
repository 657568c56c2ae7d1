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

package livedata

import (
	"fmt"
)

// UserPrincipal who is making a request
type UserPrincipal struct {
	// UserName is the user name
	UserName string `json:"user_name" validate:"required"`
	// IPAddress is where the user is connecting from
	IPAddress string `json:"ip_address,omitempty"`
}

// String toString for UserPrincipal
func (u UserPrincipal) String() string {
	if u.IPAddress == "" {
		return u.UserName
	}
	return fmt.Sprintf("%s@%s", u.UserName, u.IPAddress)
}

// SubscriptionType kind of subscription request
type SubscriptionType string

// Kinds of subscription request
const (
	// SubscriptionTypeSnapshot one-off image of the current values
	SubscriptionTypeSnapshot SubscriptionType = "SNAPSHOT"
	// SubscriptionTypeNonPersistent a subscription kept alive by heartbeats
	SubscriptionTypeNonPersistent SubscriptionType = "NON_PERSISTENT"
	// SubscriptionTypePersistent a subscription kept alive until removed by an operator
	SubscriptionTypePersistent SubscriptionType = "PERSISTENT"
)

// LiveDataSubscriptionRequest a consumer subscription request
type LiveDataSubscriptionRequest struct {
	// User is the requesting user
	User UserPrincipal `json:"user" validate:"required"`
	// Type is the kind of request
	Type SubscriptionType `json:"type" validate:"required,oneof=SNAPSHOT NON_PERSISTENT PERSISTENT"`
	// Specifications are what is being requested
	Specifications []LiveDataSpecification `json:"specifications" validate:"required,min=1,dive"`
}

// SubscriptionResult outcome of one requested specification
type SubscriptionResult string

// Outcomes of one requested specification
const (
	ResultSuccess       SubscriptionResult = "SUCCESS"
	ResultNotPresent    SubscriptionResult = "NOT_PRESENT"
	ResultNotAuthorized SubscriptionResult = "NOT_AUTHORIZED"
	ResultInternalError SubscriptionResult = "INTERNAL_ERROR"
)

// LiveDataValueUpdate one normalized update as published to a topic, or as
// returned in a snapshot
type LiveDataValueUpdate struct {
	// SequenceNumber is the distributor's sequence number of the update
	SequenceNumber int64 `json:"seq"`
	// Specification is the fully qualified specification of the data
	Specification LiveDataSpecification `json:"specification"`
	// Fields are the normalized values
	Fields Message `json:"fields"`
}

// LiveDataSubscriptionResponse the outcome for one requested specification
type LiveDataSubscriptionResponse struct {
	// RequestedSpecification is the specification as requested
	RequestedSpecification LiveDataSpecification `json:"requested"`
	// Result is the outcome
	Result SubscriptionResult `json:"result"`
	// Message is a human readable explanation
	Message string `json:"message,omitempty"`
	// FullyQualifiedSpecification is the resolved specification on success
	FullyQualifiedSpecification *LiveDataSpecification `json:"fully_qualified,omitempty"`
	// Topic is where updates are published on success
	Topic string `json:"topic,omitempty"`
	// Snapshot is the current image, when one was requested or available
	Snapshot *LiveDataValueUpdate `json:"snapshot,omitempty"`
}

// NewFailedResponse define a response without a resolved specification
func NewFailedResponse(
	requested LiveDataSpecification, result SubscriptionResult, msg string,
) LiveDataSubscriptionResponse {
	return LiveDataSubscriptionResponse{
		RequestedSpecification: requested, Result: result, Message: msg,
	}
}

// LiveDataSubscriptionResponseMsg the responses to one request
type LiveDataSubscriptionResponseMsg struct {
	// RequestingUser is the user which made the request
	RequestingUser UserPrincipal `json:"user"`
	// Responses has one entry per requested specification, in request order
	Responses []LiveDataSubscriptionResponse `json:"responses"`
}

// HeartbeatMessage a consumer's declaration that it still uses some specifications
type HeartbeatMessage struct {
	// SenderID identifies the heartbeat sender
	SenderID string `json:"sender_id" validate:"required"`
	// Specifications are the fully qualified specifications still in use
	Specifications []LiveDataSpecification `json:"specifications" validate:"dive"`
}
