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
	"testing"

	"github.com/apex/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStandardNormalization(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := StandardRuleSet()
	history := NewFieldHistoryStore()

	// Case 0: renames, filtering and market value from bid / ask
	{
		raw := NewMessage(
			Field{Name: "BID_PRICE", Value: 100.0},
			Field{Name: "ASK_PRICE", Value: 101.0},
			Field{Name: "VENDOR_SEQ", Value: 77.0},
		)
		normalized, ok := uut.Normalize(raw, "AAPL", history)
		assert.True(ok)
		assert.Equal([]string{FieldBid, FieldAsk, FieldMarketValue}, normalized.Names())
		mv, _ := normalized.GetFloat(FieldMarketValue)
		assert.Equal(100.5, mv)
		history.LiveDataReceived(normalized)
	}

	// Case 1: market value uses history for the side which did not tick
	{
		raw := NewMessage(Field{Name: "BID_PRICE", Value: 100.2})
		normalized, ok := uut.Normalize(raw, "AAPL", history)
		assert.True(ok)
		mv, _ := normalized.GetFloat(FieldMarketValue)
		assert.Equal(100.6, mv)
		history.LiveDataReceived(normalized)
	}

	// Case 2: nothing left after filtering
	{
		raw := NewMessage(Field{Name: "VENDOR_SEQ", Value: 78.0})
		_, ok := uut.Normalize(raw, "AAPL", history)
		assert.False(ok)
	}

	// Case 3: volume only update passes since the market value is already known
	{
		raw := NewMessage(Field{Name: "VOLUME", Value: 1000.0})
		normalized, ok := uut.Normalize(raw, "AAPL", history)
		assert.True(ok)
		assert.Equal([]string{FieldVolume}, normalized.Names())
	}

	// Case 4: volume only update without any history is dropped
	{
		raw := NewMessage(Field{Name: "VOLUME", Value: 1000.0})
		_, ok := uut.Normalize(raw, "MSFT", NewFieldHistoryStore())
		assert.False(ok)
	}

	// Case 5: permission denied image is dropped
	{
		raw := NewMessage(
			Field{Name: "LAST_PRICE", Value: 5.0},
			Field{Name: PermissionDeniedField, Value: true},
		)
		_, ok := uut.Normalize(raw, "AAPL", NewFieldHistoryStore())
		assert.False(ok)
	}

	// Case 6: last price fallback
	{
		raw := NewMessage(Field{Name: "LAST_PRICE", Value: 42.0})
		normalized, ok := uut.Normalize(raw, "IBM", NewFieldHistoryStore())
		assert.True(ok)
		mv, _ := normalized.GetFloat(FieldMarketValue)
		assert.Equal(42.0, mv)
	}
}

func TestRawAndCustomNormalization(t *testing.T) {
	assert := assert.New(t)

	// Case 0: RAW passes through but drops empty messages
	{
		uut := RawRuleSet()
		raw := NewMessage(Field{Name: "ANYTHING", Value: "goes"})
		normalized, ok := uut.Normalize(raw, "X", nil)
		assert.True(ok)
		assert.Equal(raw, normalized)
		_, ok = uut.Normalize(Message{}, "X", nil)
		assert.False(ok)
	}

	// Case 1: unit change and a function rule
	{
		uut := NewNormalizationRuleSet(
			"PENCE",
			UnitChange{Fields: []string{"LAST"}, Factor: decimal.NewFromInt(100)},
			NormalizationRuleFunc(func(msg Message, id string, _ FieldHistory) (Message, bool) {
				return msg.With("TICKER", id), true
			}),
		)
		normalized, ok := uut.Normalize(NewMessage(Field{Name: "LAST", Value: 1.23}), "VOD", nil)
		assert.True(ok)
		last, _ := normalized.GetFloat("LAST")
		assert.Equal(123.0, last)
		ticker, _ := normalized.Get("TICKER")
		assert.Equal("VOD", ticker)
	}
}

func TestNaiveResolver(t *testing.T) {
	assert := assert.New(t)

	uut := NewNaiveDistributionSpecificationResolver(DefaultRuleSetSource(), "SIM", "")

	good := NewLiveDataSpecification(StandardRuleSetID, ExternalID{Scheme: "SIM", Value: "AAPL"})
	raw := NewLiveDataSpecification(RawRuleSetID, ExternalID{Scheme: "SIM", Value: "AAPL"})
	badRuleSet := NewLiveDataSpecification("MYSTERY", ExternalID{Scheme: "SIM", Value: "AAPL"})
	badDomain := NewLiveDataSpecification(StandardRuleSetID, ExternalID{Scheme: "RIC", Value: "AAPL.O"})

	resolved, err := uut.Resolve([]LiveDataSpecification{good, raw, badRuleSet, badDomain})
	assert.Nil(err)
	assert.Len(resolved, 4)

	// Case 0: resolvable
	{
		dist := resolved[good]
		assert.NotNil(dist)
		assert.Equal("LiveData.SIM.AAPL.STANDARD", dist.Topic())
		assert.Equal(good, dist.FullyQualifiedSpec())
		assert.Equal(good.Identifier, dist.MarketDataID())
	}

	// Case 1: same instrument, different format, different topic
	{
		dist := resolved[raw]
		assert.NotNil(dist)
		assert.NotEqual(resolved[good].Topic(), dist.Topic())
		assert.NotEqual(resolved[good].Key(), dist.Key())
	}

	// Case 2: unresolvable
	assert.Nil(resolved[badRuleSet])
	assert.Nil(resolved[badDomain])
}
