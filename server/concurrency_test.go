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
	"testing"
	"time"

	"github.com/alwitt/livedata/livedata"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// blockingSender holds every send on one topic until released
type blockingSender struct {
	collectingSender
	blockTopic string
	entered    chan struct{}
	release    chan struct{}
	enterOnce  sync.Once
}

func newBlockingSender(topic string) *blockingSender {
	return &blockingSender{
		blockTopic: topic,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (s *blockingSender) Send(
	ctxt context.Context, topic string, update livedata.LiveDataValueUpdate,
) error {
	if topic == s.blockTopic {
		s.enterOnce.Do(func() { close(s.entered) })
		select {
		case <-s.release:
		case <-ctxt.Done():
			return ctxt.Err()
		}
	}
	return s.collectingSender.Send(ctxt, topic, update)
}

func TestTickDuringFeedSubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	feed.duringSubscribe = func(uniqueIDs []string) {
		for _, uid := range uniqueIDs {
			uut.LiveDataReceived(uid, quote(100.0, 101.0))
		}
	}

	// Case 0: the tick delivered while the feed call is running is published
	resp, err := uut.Subscribe("AAPL", false)
	assert.Nil(err)
	assert.Equal(livedata.ResultSuccess, resp.Result)
	sent := sender.onTopic("LiveData.SIM.AAPL.STANDARD")
	assert.Len(sent, 1)
	mv, ok := sent[0].Fields.GetFloat(livedata.FieldMarketValue)
	assert.True(ok)
	assert.Equal(100.5, mv)
	assert.Equal(int64(1), uut.GetNumMarketDataUpdatesReceived())

	// Case 1: the tick also reached the subscription's history
	distributor := uut.GetMarketDataDistributor(simSpec(livedata.StandardRuleSetID, "AAPL"))
	assert.NotNil(distributor)
	snapshot := distributor.Snapshot()
	assert.NotNil(snapshot)
	checkIndexConsistency(t, uut)
}

func TestSlowDeliveryIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := newBlockingSender("LiveData.SIM.AAPL.STANDARD")
	clock := newFakeClock()
	uut := defineTestServer(t, feed, &sender.collectingSender, clock,
		func(params *LiveDataServerParams) {
			params.Senders = []MarketDataSender{sender}
		},
	)
	assert.Nil(uut.Connect())

	_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{
		simSpec(livedata.StandardRuleSetID, "AAPL"),
		simSpec(livedata.StandardRuleSetID, "MSFT"),
	}, false)
	assert.Nil(err)

	// Case 0: a delivery for AAPL blocks inside the sender
	aaplDone := make(chan struct{})
	go func() {
		defer close(aaplDone)
		uut.LiveDataReceived("AAPL", quote(100.0, 101.0))
	}()
	select {
	case <-sender.entered:
	case <-time.After(time.Second):
		assert.Fail("AAPL delivery never reached the sender")
	}

	// Case 1: MSFT ticks and an unrelated subscribe still go through
	othersDone := make(chan struct{})
	go func() {
		defer close(othersDone)
		uut.LiveDataReceived("MSFT", quote(50.0, 51.0))
		resp, err := uut.Subscribe("IBM", false)
		assert.Nil(err)
		assert.Equal(livedata.ResultSuccess, resp.Result)
		uut.LiveDataReceived("IBM", quote(10.0, 11.0))
	}()
	select {
	case <-othersDone:
	case <-time.After(time.Second):
		assert.Fail("blocked behind the AAPL delivery")
	}
	assert.Len(sender.onTopic("LiveData.SIM.MSFT.STANDARD"), 1)
	assert.Len(sender.onTopic("LiveData.SIM.IBM.STANDARD"), 1)
	assert.Empty(sender.onTopic("LiveData.SIM.AAPL.STANDARD"))
	assert.NotNil(uut.GetSubscription("IBM"))

	// Case 2: once released, the AAPL update is delivered
	close(sender.release)
	select {
	case <-aaplDone:
	case <-time.After(time.Second):
		assert.Fail("AAPL delivery never finished")
	}
	assert.Len(sender.onTopic("LiveData.SIM.AAPL.STANDARD"), 1)
	checkIndexConsistency(t, uut)
}
