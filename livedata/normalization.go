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
	"github.com/shopspring/decimal"
)

// Standard field names produced by the STANDARD rule set
const (
	FieldBid         = "BID"
	FieldAsk         = "ASK"
	FieldLast        = "LAST"
	FieldVolume      = "VOLUME"
	FieldMarketValue = "MARKET_VALUE"
	// PermissionDeniedField marks a feed image the requesting process may not see
	PermissionDeniedField = "LIVE_DATA_PERMISSION_DENIED"
)

// Rule set IDs known out of the box
const (
	RawRuleSetID      = "RAW"
	StandardRuleSetID = "STANDARD"
)

// NormalizationRule one step of normalizing a raw message
type NormalizationRule interface {
	// Apply transform the message. Returning false drops the message.
	Apply(msg Message, securityUniqueID string, history FieldHistory) (Message, bool)
}

// NormalizationRuleFunc adapter to use a plain function as a NormalizationRule
type NormalizationRuleFunc func(
	msg Message, securityUniqueID string, history FieldHistory,
) (Message, bool)

// Apply transform the message
func (f NormalizationRuleFunc) Apply(
	msg Message, securityUniqueID string, history FieldHistory,
) (Message, bool) {
	return f(msg, securityUniqueID, history)
}

// NormalizationRuleSet an ordered list of rules, identified by name
type NormalizationRuleSet struct {
	id    string
	rules []NormalizationRule
}

// NewNormalizationRuleSet define a rule set
func NewNormalizationRuleSet(id string, rules ...NormalizationRule) *NormalizationRuleSet {
	return &NormalizationRuleSet{id: id, rules: rules}
}

// ID the rule set ID
func (r *NormalizationRuleSet) ID() string {
	return r.id
}

// Normalize apply every rule in order. Returns false if any rule drops the
// message or nothing is left of it.
func (r *NormalizationRuleSet) Normalize(
	msg Message, securityUniqueID string, history FieldHistory,
) (Message, bool) {
	current := msg
	for _, rule := range r.rules {
		next, ok := rule.Apply(current, securityUniqueID, history)
		if !ok {
			return Message{}, false
		}
		current = next
	}
	if current.IsEmpty() {
		return Message{}, false
	}
	return current, true
}

// ==============================================================================
// Rules

// FieldFilter keeps only the listed fields
type FieldFilter struct {
	keep map[string]bool
}

// NewFieldFilter define a FieldFilter
func NewFieldFilter(fields ...string) FieldFilter {
	keep := make(map[string]bool, len(fields))
	for _, f := range fields {
		keep[f] = true
	}
	return FieldFilter{keep: keep}
}

// Apply drop every field not listed
func (r FieldFilter) Apply(msg Message, _ string, _ FieldHistory) (Message, bool) {
	return msg.Filter(func(f Field) bool { return r.keep[f.Name] }), true
}

// FieldNameChange renames fields
type FieldNameChange struct {
	Renames map[string]string
}

// Apply rename fields, keeping their position
func (r FieldNameChange) Apply(msg Message, _ string, _ FieldHistory) (Message, bool) {
	renamed := make([]Field, 0, msg.Len())
	for _, f := range msg.Fields() {
		if to, ok := r.Renames[f.Name]; ok {
			f.Name = to
		}
		renamed = append(renamed, f)
	}
	return NewMessage(renamed...), true
}

// RequiredFieldFilter drops messages unless the listed fields are known, either
// in the message itself or in the history
type RequiredFieldFilter struct {
	Required []string
}

// Apply drop the message if a required field was never seen
func (r RequiredFieldFilter) Apply(
	msg Message, _ string, history FieldHistory,
) (Message, bool) {
	var known Message
	if history != nil {
		known = history.LastKnownValues()
	}
	for _, f := range r.Required {
		if !msg.Has(f) && !known.Has(f) {
			return Message{}, false
		}
	}
	return msg, true
}

// MarketValueCalculator adds the MARKET_VALUE field: the bid / ask mid when both
// are known, otherwise the last trade
type MarketValueCalculator struct{}

func latestDecimal(name string, msg Message, known Message) (decimal.Decimal, bool) {
	if v, ok := msg.GetDecimal(name); ok {
		return v, true
	}
	return known.GetDecimal(name)
}

// Apply compute the market value if any input changed
func (r MarketValueCalculator) Apply(
	msg Message, _ string, history FieldHistory,
) (Message, bool) {
	if !msg.Has(FieldBid) && !msg.Has(FieldAsk) && !msg.Has(FieldLast) {
		return msg, true
	}
	var known Message
	if history != nil {
		known = history.LastKnownValues()
	}
	bid, haveBid := latestDecimal(FieldBid, msg, known)
	ask, haveAsk := latestDecimal(FieldAsk, msg, known)
	if haveBid && haveAsk && bid.IsPositive() && ask.IsPositive() {
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		return msg.With(FieldMarketValue, mid.InexactFloat64()), true
	}
	if last, ok := latestDecimal(FieldLast, msg, known); ok {
		return msg.With(FieldMarketValue, last.InexactFloat64()), true
	}
	return msg, true
}

// UnitChange scales the listed numeric fields by a constant factor
type UnitChange struct {
	Fields []string
	Factor decimal.Decimal
}

// Apply scale the listed fields. Non-numeric values are left untouched.
func (r UnitChange) Apply(msg Message, _ string, _ FieldHistory) (Message, bool) {
	result := msg
	for _, f := range r.Fields {
		if v, ok := msg.GetDecimal(f); ok {
			result = result.With(f, v.Mul(r.Factor).InexactFloat64())
		}
	}
	return result, true
}

// PermissionDeniedFilter drops feed images flagged as not permissioned
type PermissionDeniedFilter struct{}

// Apply drop the message if it carries the permission denied marker
func (r PermissionDeniedFilter) Apply(msg Message, _ string, _ FieldHistory) (Message, bool) {
	if msg.Has(PermissionDeniedField) {
		return Message{}, false
	}
	return msg, true
}

// ==============================================================================

// NormalizationRuleSetSource looks up rule sets by ID
type NormalizationRuleSetSource interface {
	// GetRuleSet fetch a rule set
	GetRuleSet(id string) (*NormalizationRuleSet, bool)
}

// StaticRuleSetSource a fixed collection of rule sets
type StaticRuleSetSource map[string]*NormalizationRuleSet

// GetRuleSet fetch a rule set
func (s StaticRuleSetSource) GetRuleSet(id string) (*NormalizationRuleSet, bool) {
	rs, ok := s[id]
	return rs, ok
}

// Add register a rule set
func (s StaticRuleSetSource) Add(ruleSet *NormalizationRuleSet) StaticRuleSetSource {
	s[ruleSet.ID()] = ruleSet
	return s
}

// StandardFeedFieldNames the raw field names the STANDARD rule set maps from
var StandardFeedFieldNames = map[string]string{
	"BID_PRICE":  FieldBid,
	"ASK_PRICE":  FieldAsk,
	"LAST_PRICE": FieldLast,
	"VOLUME":     FieldVolume,
}

// RawRuleSet passes messages through untouched
func RawRuleSet() *NormalizationRuleSet {
	return NewNormalizationRuleSet(RawRuleSetID)
}

// StandardRuleSet maps feed field names to the standard names, keeps only the
// standard fields, and adds the market value
func StandardRuleSet() *NormalizationRuleSet {
	return NewNormalizationRuleSet(
		StandardRuleSetID,
		PermissionDeniedFilter{},
		FieldNameChange{Renames: StandardFeedFieldNames},
		NewFieldFilter(FieldBid, FieldAsk, FieldLast, FieldVolume),
		MarketValueCalculator{},
		RequiredFieldFilter{Required: []string{FieldMarketValue}},
	)
}

// DefaultRuleSetSource the RAW and STANDARD rule sets
func DefaultRuleSetSource() StaticRuleSetSource {
	return StaticRuleSetSource{}.Add(RawRuleSet()).Add(StandardRuleSet())
}
