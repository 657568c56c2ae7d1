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
	"encoding/json"
	"fmt"
	"strings"
)

// ExternalID an identifier within a named identifier scheme
type ExternalID struct {
	// Scheme is the identifier namespace
	Scheme string `json:"scheme" validate:"required"`
	// Value is the identifier within the namespace
	Value string `json:"value" validate:"required"`
}

// String toString for ExternalID
func (e ExternalID) String() string {
	return fmt.Sprintf("%s~%s", e.Scheme, e.Value)
}

// ParseExternalID parse the "<scheme>~<value>" form of an ExternalID
func ParseExternalID(raw string) (ExternalID, error) {
	parts := strings.SplitN(raw, "~", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ExternalID{}, fmt.Errorf("'%s' is not of the form <scheme>~<value>", raw)
	}
	return ExternalID{Scheme: parts[0], Value: parts[1]}, nil
}

// LiveDataSpecification what a consumer asks for: an instrument in a normalized format
type LiveDataSpecification struct {
	// NormalizationRuleSetID is the ID of the normalization rule set to apply
	NormalizationRuleSetID string `json:"rule_set" validate:"required"`
	// Identifier is the instrument identifier
	Identifier ExternalID `json:"id" validate:"required"`
}

// NewLiveDataSpecification define a LiveDataSpecification
func NewLiveDataSpecification(ruleSetID string, id ExternalID) LiveDataSpecification {
	return LiveDataSpecification{NormalizationRuleSetID: ruleSetID, Identifier: id}
}

// String toString for LiveDataSpecification
func (s LiveDataSpecification) String() string {
	return fmt.Sprintf("%s[%s]", s.Identifier, s.NormalizationRuleSetID)
}

// ==============================================================================

// DistributionKey identity of a DistributionSpecification
type DistributionKey struct {
	MarketDataID ExternalID
	RuleSetID    string
	Topic        string
}

// DistributionSpecification how one instrument is delivered to one destination:
// which market data ID, which normalization, and which topic
type DistributionSpecification struct {
	marketDataID ExternalID
	ruleSet      *NormalizationRuleSet
	topic        string
}

// NewDistributionSpecification define a DistributionSpecification
func NewDistributionSpecification(
	marketDataID ExternalID, ruleSet *NormalizationRuleSet, topic string,
) (*DistributionSpecification, error) {
	if ruleSet == nil {
		return nil, fmt.Errorf("distribution specification for %s has no rule set", marketDataID)
	}
	if topic == "" {
		return nil, fmt.Errorf("distribution specification for %s has no topic", marketDataID)
	}
	return &DistributionSpecification{
		marketDataID: marketDataID, ruleSet: ruleSet, topic: topic,
	}, nil
}

// MarketDataID the identifier the feed adapter understands
func (d *DistributionSpecification) MarketDataID() ExternalID {
	return d.marketDataID
}

// RuleSet the normalization rule set
func (d *DistributionSpecification) RuleSet() *NormalizationRuleSet {
	return d.ruleSet
}

// Topic the destination topic
func (d *DistributionSpecification) Topic() string {
	return d.topic
}

// Key the identity of the specification
func (d *DistributionSpecification) Key() DistributionKey {
	return DistributionKey{
		MarketDataID: d.marketDataID, RuleSetID: d.ruleSet.ID(), Topic: d.topic,
	}
}

// FullyQualifiedSpec the server-wide unique specification of this distribution
func (d *DistributionSpecification) FullyQualifiedSpec() LiveDataSpecification {
	return NewLiveDataSpecification(d.ruleSet.ID(), d.marketDataID)
}

// NormalizedMessage run the rule set over a raw message. Returns false if the
// message should not be distributed.
func (d *DistributionSpecification) NormalizedMessage(
	raw Message, securityUniqueID string, history FieldHistory,
) (Message, bool) {
	return d.ruleSet.Normalize(raw, securityUniqueID, history)
}

// String toString for DistributionSpecification
func (d *DistributionSpecification) String() string {
	return fmt.Sprintf("%s[%s]->%s", d.marketDataID, d.ruleSet.ID(), d.topic)
}

type distributionSpecificationJSON struct {
	MarketDataID ExternalID `json:"market_data_id"`
	RuleSet      string     `json:"rule_set"`
	Topic        string     `json:"topic"`
}

// MarshalJSON encode the specification with the rule set referenced by ID
func (d *DistributionSpecification) MarshalJSON() ([]byte, error) {
	return json.Marshal(distributionSpecificationJSON{
		MarketDataID: d.marketDataID, RuleSet: d.ruleSet.ID(), Topic: d.topic,
	})
}
