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
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestMessageFieldOperations(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: later duplicates win but keep the first position
	msg := NewMessage(
		Field{Name: "A", Value: 1.0},
		Field{Name: "B", Value: "x"},
		Field{Name: "A", Value: 2.0},
	)
	assert.Equal(2, msg.Len())
	assert.Equal([]string{"A", "B"}, msg.Names())
	v, ok := msg.Get("A")
	assert.True(ok)
	assert.Equal(2.0, v)

	// Case 1: With does not touch the original
	changed := msg.With("C", true)
	assert.Equal(2, msg.Len())
	assert.Equal(3, changed.Len())
	assert.False(msg.Has("C"))

	// Case 2: Merge
	merged := msg.Merge(NewMessage(Field{Name: "B", Value: "y"}, Field{Name: "D", Value: 4.0}))
	assert.Equal([]string{"A", "B", "D"}, merged.Names())
	v, _ = merged.Get("B")
	assert.Equal("y", v)

	// Case 3: Without
	trimmed := merged.Without("A", "D")
	assert.Equal([]string{"B"}, trimmed.Names())

	// Case 4: numeric access
	f, ok := merged.GetFloat("D")
	assert.True(ok)
	assert.Equal(4.0, f)
	_, ok = merged.GetFloat("B")
	assert.False(ok)

	// Case 5: empty message
	assert.True(Message{}.IsEmpty())
	assert.True(NewMessage().IsEmpty())
}

func TestMessageJSON(t *testing.T) {
	assert := assert.New(t)

	msg := NewMessage(Field{Name: "Z", Value: 1.5}, Field{Name: "A", Value: "text"})
	encoded, err := json.Marshal(msg)
	assert.Nil(err)
	assert.Equal(`[{"name":"Z","value":1.5},{"name":"A","value":"text"}]`, string(encoded))

	var decoded Message
	assert.Nil(json.Unmarshal(encoded, &decoded))
	assert.Equal(msg, decoded)

	encoded, err = json.Marshal(Message{})
	assert.Nil(err)
	assert.Equal("[]", string(encoded))
}

func TestFieldHistoryStore(t *testing.T) {
	assert := assert.New(t)

	uut := NewFieldHistoryStore()
	assert.True(uut.IsEmpty())

	uut.LiveDataReceived(NewMessage(Field{Name: "BID", Value: 1.0}, Field{Name: "ASK", Value: 2.0}))
	uut.LiveDataReceived(NewMessage(Field{Name: "BID", Value: 1.5}))
	lkv := uut.LastKnownValues()
	bid, _ := lkv.GetFloat("BID")
	ask, _ := lkv.GetFloat("ASK")
	assert.Equal(1.5, bid)
	assert.Equal(2.0, ask)

	uut.Clear()
	assert.True(uut.IsEmpty())
}

func TestProtocolValidation(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	spec := NewLiveDataSpecification(StandardRuleSetID, ExternalID{Scheme: "SIM", Value: "AAPL"})

	// Case 0: valid request
	{
		req := LiveDataSubscriptionRequest{
			User:           UserPrincipal{UserName: "tester"},
			Type:           SubscriptionTypeNonPersistent,
			Specifications: []LiveDataSpecification{spec},
		}
		assert.Nil(validate.Struct(&req))
	}

	// Case 1: unknown request type
	{
		req := LiveDataSubscriptionRequest{
			User:           UserPrincipal{UserName: "tester"},
			Type:           SubscriptionType("FOREVER"),
			Specifications: []LiveDataSpecification{spec},
		}
		assert.NotNil(validate.Struct(&req))
	}

	// Case 2: specification without an identifier
	{
		req := LiveDataSubscriptionRequest{
			User:           UserPrincipal{UserName: "tester"},
			Type:           SubscriptionTypeSnapshot,
			Specifications: []LiveDataSpecification{{NormalizationRuleSetID: RawRuleSetID}},
		}
		assert.NotNil(validate.Struct(&req))
	}

	// Case 3: ExternalID parsing
	{
		id, err := ParseExternalID("SIM~AAPL")
		assert.Nil(err)
		assert.Equal(spec.Identifier, id)
		_, err = ParseExternalID("AAPL")
		assert.NotNil(err)
	}
}
