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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livedata/livedata"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestSubscribeDeduplication(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())
	assert.Equal(Connected, uut.ConnectionStatus())

	aapl := simSpec(livedata.StandardRuleSetID, "AAPL")

	// Case 0: first subscription
	{
		resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
		assert.Nil(err)
		assert.Len(resp, 1)
		assert.Equal(livedata.ResultSuccess, resp[0].Result)
		assert.Equal("LiveData.SIM.AAPL.STANDARD", resp[0].Topic)
		assert.Equal(aapl, *resp[0].FullyQualifiedSpecification)
		assert.Nil(resp[0].Snapshot)
		assert.Equal(1, feed.numSubscribeCalls())
		assert.Equal([]string{"AAPL"}, feed.lastSubscribeCall())
		assert.Equal([]string{"AAPL"}, uut.GetActiveSubscriptionIDs())
		assert.NotNil(uut.GetSubscription("AAPL").Handle())
	}

	// Case 1: same specification again
	{
		resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
		assert.Nil(err)
		assert.Equal(livedata.ResultSuccess, resp[0].Result)
		assert.Equal(1, feed.numSubscribeCalls())
		assert.Equal(1, uut.GetNumActiveSubscriptions())
	}

	// Case 2: same new instrument twice in one batch
	msft := simSpec(livedata.StandardRuleSetID, "MSFT")
	{
		resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{msft, msft}, false)
		assert.Nil(err)
		assert.Len(resp, 2)
		assert.Equal(livedata.ResultSuccess, resp[0].Result)
		assert.Equal(livedata.ResultSuccess, resp[1].Result)
		assert.Equal(2, feed.numSubscribeCalls())
		assert.Equal([]string{"MSFT"}, feed.lastSubscribeCall())
		assert.Equal(2, uut.GetNumActiveSubscriptions())
	}

	// Case 3: subscribe by unique ID uses the default rule set
	{
		resp, err := uut.Subscribe("AAPL", false)
		assert.Nil(err)
		assert.Equal(livedata.ResultSuccess, resp.Result)
		assert.Equal(aapl, *resp.FullyQualifiedSpecification)
		assert.Equal(2, feed.numSubscribeCalls())
	}

	// Case 4: unresolvable specifications
	{
		resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{
			livedata.NewLiveDataSpecification(
				livedata.StandardRuleSetID, livedata.ExternalID{Scheme: "BBG", Value: "X"},
			),
			simSpec("UNKNOWN_RULES", "AAPL"),
		}, false)
		assert.Nil(err)
		assert.Equal(livedata.ResultNotPresent, resp[0].Result)
		assert.Equal(livedata.ResultNotPresent, resp[1].Result)
		assert.Equal(2, feed.numSubscribeCalls())
	}

	assert.Equal([][]string{{"AAPL"}, {"MSFT"}}, feed.doneCalls)
	checkIndexConsistency(t, uut)
}

func TestTwoDistributorsOneInstrument(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	standard := simSpec(livedata.StandardRuleSetID, "AAPL")
	raw := simSpec(livedata.RawRuleSetID, "AAPL")

	// Case 0: both formats in one request
	{
		resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{standard, raw}, false)
		assert.Nil(err)
		assert.Equal(livedata.ResultSuccess, resp[0].Result)
		assert.Equal(livedata.ResultSuccess, resp[1].Result)
		assert.Equal("LiveData.SIM.AAPL.STANDARD", resp[0].Topic)
		assert.Equal("LiveData.SIM.AAPL.RAW", resp[1].Topic)
		assert.Equal(1, feed.numSubscribeCalls())
		assert.NotNil(uut.GetMarketDataDistributor(standard))
		assert.NotNil(uut.GetMarketDataDistributor(raw))
		assert.NotSame(uut.GetMarketDataDistributor(standard), uut.GetMarketDataDistributor(raw))
		assert.Same(uut.GetSubscriptionBySpec(standard), uut.GetSubscriptionBySpec(raw))
		assert.Equal(2, uut.GetSubscription("AAPL").NumDistributors())
	}

	// Case 1: ticks fan out to both topics
	{
		uut.LiveDataReceived("AAPL", quote(100.0, 101.0))
		uut.LiveDataReceived("AAPL", livedata.NewMessage(
			livedata.Field{Name: "VENDOR_SEQ", Value: 3.0},
		))
		standardSent := sender.onTopic("LiveData.SIM.AAPL.STANDARD")
		rawSent := sender.onTopic("LiveData.SIM.AAPL.RAW")
		// The vendor only tick normalizes to nothing under STANDARD
		assert.Len(standardSent, 1)
		assert.Len(rawSent, 2)
		mv, ok := standardSent[0].Fields.GetFloat(livedata.FieldMarketValue)
		assert.True(ok)
		assert.Equal(100.5, mv)
		assert.Equal(int64(1), standardSent[0].SequenceNumber)
		assert.Equal(int64(2), rawSent[1].SequenceNumber)
		assert.Equal(int64(2), uut.GetNumMarketDataUpdatesReceived())
	}

	// Case 2: ticks for unknown instruments are dropped
	{
		uut.LiveDataReceived("IBM", quote(1.0, 2.0))
		assert.Equal(int64(2), uut.GetNumMarketDataUpdatesReceived())
		assert.Equal(3, sender.count())
	}

	// Case 3: subscribing again returns the current image
	{
		resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{standard}, false)
		assert.Nil(err)
		assert.NotNil(resp[0].Snapshot)
		assert.Equal(1, feed.numSubscribeCalls())
	}

	checkIndexConsistency(t, uut)
}

func TestAttachDistributorToLiveSubscription(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	// Case 0: subscribe the RAW format and tick
	raw := simSpec(livedata.RawRuleSetID, "AAPL")
	{
		resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{raw}, false)
		assert.Nil(err)
		assert.Equal(livedata.ResultSuccess, resp[0].Result)
		uut.LiveDataReceived("AAPL", quote(100.0, 101.0))
	}

	// Case 1: the STANDARD format in a later request reuses the subscription and
	// is seeded from the raw image
	standard := simSpec(livedata.StandardRuleSetID, "AAPL")
	{
		resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{standard}, false)
		assert.Nil(err)
		assert.Equal(livedata.ResultSuccess, resp[0].Result)
		assert.Equal(1, feed.numSubscribeCalls())
		assert.NotNil(resp[0].Snapshot)
		mv, ok := resp[0].Snapshot.Fields.GetFloat(livedata.FieldMarketValue)
		assert.True(ok)
		assert.Equal(100.5, mv)
		assert.Equal(2, uut.GetSubscription("AAPL").NumDistributors())
	}

	// Case 2: stopping one format keeps the instrument subscribed
	{
		assert.True(uut.StopDistributor(uut.GetMarketDataDistributor(raw)))
		assert.Nil(uut.GetMarketDataDistributor(raw))
		assert.Equal(1, uut.GetNumActiveSubscriptions())
		assert.Equal(0, feed.numUnsubscribed())
	}

	// Case 3: stopping the last format drops the instrument
	{
		distributor := uut.GetMarketDataDistributor(standard)
		assert.True(uut.StopDistributor(distributor))
		assert.False(uut.StopDistributor(distributor))
		assert.Equal(0, uut.GetNumActiveSubscriptions())
		assert.Equal(1, feed.numUnsubscribed())
		assert.Nil(uut.GetSubscription("AAPL"))
	}

	checkIndexConsistency(t, uut)
}

func TestSubscribeRollback(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	ibm := simSpec(livedata.StandardRuleSetID, "IBM")
	aapl := simSpec(livedata.StandardRuleSetID, "AAPL")
	msft := simSpec(livedata.StandardRuleSetID, "MSFT")
	rawIBM := simSpec(livedata.RawRuleSetID, "IBM")

	// Case 0: a pre-existing subscription
	{
		_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{ibm}, false)
		assert.Nil(err)
	}
	original := uut.GetSubscription("IBM")

	// Case 1: feed subscribe fails
	feed.subscribeErr = errors.New("feed down")
	{
		_, err := uut.SubscribeSpecs(
			[]livedata.LiveDataSpecification{ibm, aapl, msft, rawIBM}, false,
		)
		assert.NotNil(err)
		assert.Nil(uut.GetSubscription("AAPL"))
		assert.Nil(uut.GetSubscription("MSFT"))
		assert.Nil(uut.GetMarketDataDistributor(aapl))
		assert.Nil(uut.GetMarketDataDistributor(msft))
		assert.Nil(uut.GetMarketDataDistributor(rawIBM))
		assert.Same(original, uut.GetSubscription("IBM"))
		assert.NotNil(uut.GetMarketDataDistributor(ibm))
		assert.Equal(1, original.NumDistributors())
		assert.Equal([]string{"IBM"}, uut.GetActiveSubscriptionIDs())
	}
	feed.subscribeErr = nil
	checkIndexConsistency(t, uut)

	// Case 2: feed omits a handle
	feed.dropHandles["MSFT"] = true
	{
		_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl, msft}, false)
		assert.NotNil(err)
		assert.True(errors.Is(err, ErrAdapterContract))
		assert.Nil(uut.GetSubscription("AAPL"))
		assert.Nil(uut.GetSubscription("MSFT"))
		// The handle which was handed out is given back
		assert.Equal(1, feed.numUnsubscribed())
	}
	delete(feed.dropHandles, "MSFT")
	checkIndexConsistency(t, uut)

	// Case 3: the subscribe guard vetoes
	feed.checkErr = errors.New("not allowed")
	calls := feed.numSubscribeCalls()
	{
		_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
		assert.NotNil(err)
		assert.Equal(calls, feed.numSubscribeCalls())
		assert.Nil(uut.GetSubscription("AAPL"))
	}
	feed.checkErr = nil

	// Case 4: snapshot on subscribe fails
	feed.snapshotOnSubscribe = true
	feed.snapshotErr = errors.New("no snapshot")
	{
		_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
		assert.NotNil(err)
		assert.Equal(calls, feed.numSubscribeCalls())
		assert.Nil(uut.GetSubscription("AAPL"))
	}
	feed.snapshotErr = nil

	// Case 5: snapshot on subscribe omits an instrument
	feed.dropSnapshots["AAPL"] = true
	{
		_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
		assert.True(errors.Is(err, ErrAdapterContract))
		assert.Nil(uut.GetSubscription("AAPL"))
	}
	delete(feed.dropSnapshots, "AAPL")

	// Case 6: things work again
	{
		resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl, msft}, false)
		assert.Nil(err)
		assert.Equal(livedata.ResultSuccess, resp[0].Result)
		assert.Equal(livedata.ResultSuccess, resp[1].Result)
		// Seeded by the snapshot taken on subscribe
		assert.NotNil(resp[0].Snapshot)
		assert.Equal(3, uut.GetNumActiveSubscriptions())
	}
	checkIndexConsistency(t, uut)
}

func TestSubscribePermissionDenied(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	feed.snapshotOnSubscribe = true
	feed.images["AAPL"] = livedata.NewMessage(
		livedata.Field{Name: livedata.PermissionDeniedField, Value: true},
	)
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	// Case 0: the denied instrument is dropped from the batch
	{
		resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{
			simSpec(livedata.StandardRuleSetID, "AAPL"),
			simSpec(livedata.StandardRuleSetID, "MSFT"),
			simSpec(livedata.RawRuleSetID, "AAPL"),
		}, false)
		assert.Nil(err)
		assert.Equal(livedata.ResultNotAuthorized, resp[0].Result)
		assert.Equal(livedata.ResultSuccess, resp[1].Result)
		assert.Equal(livedata.ResultNotAuthorized, resp[2].Result)
		assert.Equal([]string{"MSFT"}, feed.lastSubscribeCall())
		assert.Equal([]string{"MSFT"}, uut.GetActiveSubscriptionIDs())
	}

	// Case 1: snapshots of the denied instrument
	{
		resp, err := uut.Snapshot([]livedata.LiveDataSpecification{
			simSpec(livedata.StandardRuleSetID, "AAPL"),
		})
		assert.Nil(err)
		assert.Equal(livedata.ResultNotAuthorized, resp[0].Result)
	}
	checkIndexConsistency(t, uut)
}

func TestSnapshot(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	aapl := simSpec(livedata.StandardRuleSetID, "AAPL")
	msft := simSpec(livedata.StandardRuleSetID, "MSFT")

	_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
	assert.Nil(err)
	uut.LiveDataReceived("AAPL", quote(50.0, 52.0))

	// Case 0: served from the live distributor
	{
		resp, err := uut.Snapshot([]livedata.LiveDataSpecification{aapl})
		assert.Nil(err)
		assert.Equal(livedata.ResultSuccess, resp[0].Result)
		assert.NotNil(resp[0].Snapshot)
		mv, _ := resp[0].Snapshot.Fields.GetFloat(livedata.FieldMarketValue)
		assert.Equal(51.0, mv)
		assert.Equal(0, feed.numSnapshotCalls())
	}

	// Case 1: instruments without a distributor are fetched in one call
	feed.images["IBM"] = quote(10.0, 12.0)
	{
		resp, err := uut.Snapshot([]livedata.LiveDataSpecification{
			msft, aapl, simSpec(livedata.StandardRuleSetID, "IBM"), msft,
		})
		assert.Nil(err)
		assert.Len(resp, 4)
		for _, r := range resp {
			assert.Equal(livedata.ResultSuccess, r.Result)
		}
		assert.Equal(1, feed.numSnapshotCalls())
		assert.Equal([]string{"MSFT", "IBM"}, feed.snapshotCalls[0])
		mv, _ := resp[2].Snapshot.Fields.GetFloat(livedata.FieldMarketValue)
		assert.Equal(11.0, mv)
		assert.Equal("LiveData.SIM.IBM.STANDARD", resp[2].Topic)
		// A snapshot does not subscribe
		assert.Nil(uut.GetSubscription("MSFT"))
	}

	// Case 2: unresolvable, missing, and empty images
	feed.dropSnapshots["MSFT"] = true
	feed.images["IBM"] = livedata.NewMessage(livedata.Field{Name: "VENDOR_SEQ", Value: 1.0})
	{
		resp, err := uut.Snapshot([]livedata.LiveDataSpecification{
			livedata.NewLiveDataSpecification(
				livedata.StandardRuleSetID, livedata.ExternalID{Scheme: "BBG", Value: "X"},
			),
			msft,
			simSpec(livedata.StandardRuleSetID, "IBM"),
		})
		assert.Nil(err)
		assert.Equal(livedata.ResultNotPresent, resp[0].Result)
		assert.Equal(livedata.ResultInternalError, resp[1].Result)
		assert.Equal(livedata.ResultInternalError, resp[2].Result)
	}

	// Case 3: feed failure
	feed.snapshotErr = errors.New("feed down")
	{
		_, err := uut.Snapshot([]livedata.LiveDataSpecification{msft})
		assert.NotNil(err)
	}
}

func TestSnapshotFromEmptySubscription(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	feed.snapshotOnSubscribe = true
	feed.images["AAPL"] = livedata.NewMessage()
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	aapl := simSpec(livedata.StandardRuleSetID, "AAPL")
	resp, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
	assert.Nil(err)
	assert.Equal(livedata.ResultSuccess, resp[0].Result)
	assert.Nil(resp[0].Snapshot)
	assert.Equal(1, feed.numSnapshotCalls())

	// Case 0: the existing subscription already failed to produce an image
	{
		resp, err := uut.Snapshot([]livedata.LiveDataSpecification{aapl})
		assert.Nil(err)
		assert.Equal(livedata.ResultInternalError, resp[0].Result)
		assert.Equal("existing subscription failed to retrieve a snapshot", resp[0].Message)
		assert.Equal(1, feed.numSnapshotCalls())
	}

	// Case 1: the feed accepts an empty image as an answer
	feed.allowEmptySnapshot = true
	{
		resp, err := uut.Snapshot([]livedata.LiveDataSpecification{aapl})
		assert.Nil(err)
		assert.Equal(livedata.ResultSuccess, resp[0].Result)
		assert.NotNil(resp[0].Snapshot)
		assert.True(resp[0].Snapshot.Fields.IsEmpty())
		assert.Equal(1, feed.numSnapshotCalls())
	}
}

func TestExpiryScenario(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	listener := &countingListener{}
	uut.AddSubscriptionListener(listener)
	assert.Nil(uut.Connect())

	aapl := simSpec(livedata.StandardRuleSetID, "AAPL")
	_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
	assert.Nil(err)

	// Case 0: ticks flow
	for i := 0; i < 3; i++ {
		uut.LiveDataReceived("AAPL", quote(100.0+float64(i), 101.0+float64(i)))
	}
	assert.Len(sender.onTopic("LiveData.SIM.AAPL.STANDARD"), 3)

	// Case 1: not yet expired
	clock.Advance(time.Second * 29)
	assert.Equal(0, uut.ExpireSubscriptions())
	assert.Equal(1, uut.GetNumActiveSubscriptions())

	// Case 2: expired without heartbeats
	clock.Advance(time.Second * 2)
	assert.Equal(1, uut.ExpireSubscriptions())
	assert.Equal(0, uut.GetNumActiveSubscriptions())
	assert.Nil(uut.GetMarketDataDistributor(aapl))
	assert.Equal(1, feed.numUnsubscribed())
	subscribed, unsubscribed := listener.counts()
	assert.Equal(1, subscribed)
	assert.Equal(1, unsubscribed)

	// Case 3: nothing left to expire
	assert.Equal(0, uut.ExpireSubscriptions())
	checkIndexConsistency(t, uut)
}

func TestPersistentDistributorProtection(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	aapl := simSpec(livedata.StandardRuleSetID, "AAPL")

	// Case 0: promote an ordinary distributor by subscribing persistently
	{
		_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
		assert.Nil(err)
		assert.False(uut.GetMarketDataDistributor(aapl).IsPersistent())
		_, err = uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, true)
		assert.Nil(err)
		assert.True(uut.GetMarketDataDistributor(aapl).IsPersistent())
		// Subscribing again non-persistently never demotes
		_, err = uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
		assert.Nil(err)
		assert.True(uut.GetMarketDataDistributor(aapl).IsPersistent())
		assert.True(uut.GetSubscription("AAPL").IsPersistent())
	}

	// Case 1: persistent distributors survive expiry and stop requests
	clock.Advance(time.Hour)
	distributor := uut.GetMarketDataDistributor(aapl)
	{
		assert.True(distributor.HasExpired())
		assert.Equal(0, uut.ExpireSubscriptions())
		assert.False(uut.StopDistributor(distributor))
		assert.False(uut.StopDistributor(distributor))
		assert.Same(distributor, uut.GetMarketDataDistributor(aapl))
	}

	// Case 2: once demoted it expires normally
	distributor.SetPersistent(false)
	assert.Equal(1, uut.ExpireSubscriptions())
	assert.Nil(uut.GetMarketDataDistributor(aapl))
	checkIndexConsistency(t, uut)
}

func TestUnsubscribe(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{
		simSpec(livedata.StandardRuleSetID, "AAPL"),
		simSpec(livedata.RawRuleSetID, "AAPL"),
		simSpec(livedata.StandardRuleSetID, "MSFT"),
	}, true)
	assert.Nil(err)
	sub := uut.GetSubscription("AAPL")

	// Case 0: unsubscribe drops persistent distributors too
	{
		ok, err := uut.UnsubscribeByID("AAPL")
		assert.Nil(err)
		assert.True(ok)
		assert.Equal(0, sub.NumDistributors())
		assert.Nil(sub.Handle())
		assert.Equal([]string{"MSFT"}, uut.GetActiveSubscriptionIDs())
		assert.Len(uut.GetActiveDistributionSpecs(), 1)
		assert.Equal(1, feed.numUnsubscribed())
	}

	// Case 1: unknown or already dropped
	{
		ok, err := uut.UnsubscribeByID("AAPL")
		assert.Nil(err)
		assert.False(ok)
		assert.False(uut.Unsubscribe(sub))
		assert.Equal(1, feed.numUnsubscribed())
	}

	// Case 2: not connected
	assert.Nil(uut.Disconnect())
	{
		_, err := uut.UnsubscribeByID("MSFT")
		assert.True(errors.Is(err, ErrNotConnected))
	}
	checkIndexConsistency(t, uut)
}

func TestNotConnected(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	aapl := simSpec(livedata.StandardRuleSetID, "AAPL")

	// Case 0: direct calls fail fast
	{
		_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{aapl}, false)
		assert.True(errors.Is(err, ErrNotConnected))
		_, err = uut.Snapshot([]livedata.LiveDataSpecification{aapl})
		assert.True(errors.Is(err, ErrNotConnected))
		_, err = uut.Subscribe("AAPL", false)
		assert.True(errors.Is(err, ErrNotConnected))
		assert.Equal(0, feed.numSubscribeCalls())
	}

	// Case 1: consumer requests get responses
	{
		resp := uut.SubscriptionRequestMade(livedata.LiveDataSubscriptionRequest{
			User: livedata.UserPrincipal{UserName: "alice"},
			Type: livedata.SubscriptionTypeNonPersistent,
			Specifications: []livedata.LiveDataSpecification{
				aapl, simSpec("UNKNOWN_RULES", "AAPL"),
			},
		})
		assert.Equal("alice", resp.RequestingUser.UserName)
		assert.Len(resp.Responses, 2)
		assert.Equal(livedata.ResultInternalError, resp.Responses[0].Result)
		assert.Equal(livedata.ResultNotPresent, resp.Responses[1].Result)
	}

	// Case 2: connect failures
	feed.connectErr = errors.New("refused")
	assert.NotNil(uut.Start())
	assert.Equal(NotConnected, uut.ConnectionStatus())
	feed.connectErr = nil
	assert.Nil(uut.Start())
	assert.Equal(Connected, uut.ConnectionStatus())
	assert.Nil(uut.Start())
	assert.Equal(2, feed.connectCalls)
	assert.Nil(uut.Stop())
	assert.Nil(uut.Stop())
	assert.Equal(1, feed.disconnectCalls)
}

type mapEntitlements map[string]bool

func (m mapEntitlements) IsEntitled(
	user livedata.UserPrincipal, specs []livedata.LiveDataSpecification,
) (map[livedata.LiveDataSpecification]bool, error) {
	result := make(map[livedata.LiveDataSpecification]bool)
	for _, spec := range specs {
		if allowed, ok := m[user.UserName+"/"+spec.Identifier.Value]; ok {
			result[spec] = allowed
		}
	}
	return result, nil
}

func TestSubscriptionRequestMade(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	entitlements := mapEntitlements{
		"alice/AAPL": true, "alice/MSFT": false, "alice/IBM": true, "alice/GOOG": true,
	}
	uut := defineTestServer(t, feed, sender, clock, func(params *LiveDataServerParams) {
		params.Entitlements = entitlements
	})
	assert.Nil(uut.Connect())
	alice := livedata.UserPrincipal{UserName: "alice", IPAddress: "10.0.0.1"}

	// Case 0: mixed outcomes in request order
	{
		resp := uut.SubscriptionRequestMade(livedata.LiveDataSubscriptionRequest{
			User: alice,
			Type: livedata.SubscriptionTypeNonPersistent,
			Specifications: []livedata.LiveDataSpecification{
				simSpec(livedata.StandardRuleSetID, "MSFT"),
				simSpec(livedata.StandardRuleSetID, "AAPL"),
				simSpec("UNKNOWN_RULES", "AAPL"),
				simSpec(livedata.StandardRuleSetID, "ORCL"),
			},
		})
		assert.Len(resp.Responses, 4)
		assert.Equal(livedata.ResultNotAuthorized, resp.Responses[0].Result)
		assert.Equal(livedata.ResultSuccess, resp.Responses[1].Result)
		assert.Equal(livedata.ResultNotPresent, resp.Responses[2].Result)
		// The checker gave no answer for ORCL
		assert.Equal(livedata.ResultInternalError, resp.Responses[3].Result)
		assert.Equal(simSpec(livedata.StandardRuleSetID, "MSFT"), resp.Responses[0].RequestedSpecification)
		assert.Equal([]string{"AAPL"}, uut.GetActiveSubscriptionIDs())
		assert.False(uut.GetMarketDataDistributor(simSpec(livedata.StandardRuleSetID, "AAPL")).IsPersistent())
	}

	// Case 1: persistent request
	{
		resp := uut.SubscriptionRequestMade(livedata.LiveDataSubscriptionRequest{
			User:           alice,
			Type:           livedata.SubscriptionTypePersistent,
			Specifications: []livedata.LiveDataSpecification{simSpec(livedata.StandardRuleSetID, "IBM")},
		})
		assert.Equal(livedata.ResultSuccess, resp.Responses[0].Result)
		assert.True(uut.GetMarketDataDistributor(simSpec(livedata.StandardRuleSetID, "IBM")).IsPersistent())
	}

	// Case 2: snapshot request does not subscribe
	calls := feed.numSubscribeCalls()
	{
		resp := uut.SubscriptionRequestMade(livedata.LiveDataSubscriptionRequest{
			User: alice,
			Type: livedata.SubscriptionTypeSnapshot,
			Specifications: []livedata.LiveDataSpecification{
				simSpec(livedata.RawRuleSetID, "IBM"),
				simSpec(livedata.StandardRuleSetID, "MSFT"),
			},
		})
		assert.Equal(livedata.ResultSuccess, resp.Responses[0].Result)
		assert.NotNil(resp.Responses[0].Snapshot)
		assert.Equal(livedata.ResultNotAuthorized, resp.Responses[1].Result)
		assert.Equal(calls, feed.numSubscribeCalls())
	}

	// Case 3: feed failure becomes INTERNAL_ERROR
	feed.subscribeErr = errors.New("feed down")
	{
		resp := uut.SubscriptionRequestMade(livedata.LiveDataSubscriptionRequest{
			User: alice,
			Type: livedata.SubscriptionTypeNonPersistent,
			Specifications: []livedata.LiveDataSpecification{
				simSpec(livedata.StandardRuleSetID, "MSFT"),
				simSpec(livedata.StandardRuleSetID, "GOOG"),
			},
		})
		assert.Equal(livedata.ResultNotAuthorized, resp.Responses[0].Result)
		assert.Equal(livedata.ResultInternalError, resp.Responses[1].Result)
		assert.Nil(uut.GetSubscription("GOOG"))
	}
	feed.subscribeErr = nil
	checkIndexConsistency(t, uut)
}

func TestSubscriptionRequestMadeNeverPanics(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock, func(params *LiveDataServerParams) {
		params.Resolver = livedata.DistributionSpecificationResolverFunc(
			func(specs []livedata.LiveDataSpecification) (
				map[livedata.LiveDataSpecification]*livedata.DistributionSpecification, error,
			) {
				panic("resolver broke")
			},
		)
	})
	assert.Nil(uut.Connect())

	resp := uut.SubscriptionRequestMade(livedata.LiveDataSubscriptionRequest{
		User: livedata.UserPrincipal{UserName: "alice"},
		Type: livedata.SubscriptionTypeNonPersistent,
		Specifications: []livedata.LiveDataSpecification{
			simSpec(livedata.StandardRuleSetID, "AAPL"),
			simSpec(livedata.StandardRuleSetID, "MSFT"),
		},
	})
	assert.Len(resp.Responses, 2)
	for _, r := range resp.Responses {
		assert.Equal(livedata.ResultInternalError, r.Result)
	}
}

type brokenListener struct {
	panics bool
}

func (l brokenListener) Subscribed(_ *Subscription) error {
	if l.panics {
		panic("listener broke")
	}
	return errors.New("listener failed")
}

func (l brokenListener) Unsubscribed(sub *Subscription) error {
	return l.Subscribed(sub)
}

func TestListenerIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	listener := &countingListener{}
	uut.AddSubscriptionListener(brokenListener{panics: true})
	uut.AddSubscriptionListener(brokenListener{panics: false})
	uut.AddSubscriptionListener(listener)
	assert.Nil(uut.Connect())

	// Case 0: subscribe still notifies the healthy listener
	{
		resp, err := uut.Subscribe("AAPL", false)
		assert.Nil(err)
		assert.Equal(livedata.ResultSuccess, resp.Result)
		subscribed, _ := listener.counts()
		assert.Equal(1, subscribed)
	}

	// Case 1: unsubscribe too
	{
		ok, err := uut.UnsubscribeByID("AAPL")
		assert.Nil(err)
		assert.True(ok)
		_, unsubscribed := listener.counts()
		assert.Equal(1, unsubscribed)
	}
}

func TestReconnectScenario(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{
		simSpec(livedata.StandardRuleSetID, "AAPL"),
		simSpec(livedata.StandardRuleSetID, "MSFT"),
	}, false)
	assert.Nil(err)
	aapl := uut.GetSubscription("AAPL")
	msft := uut.GetSubscription("MSFT")
	oldHandle := aapl.Handle()

	mgr, err := GetReconnectManager(ctxt, &wg, uut, nil, time.Hour)
	assert.Nil(err)

	hookCalls := []string{}
	mgr.AddReconnectHook(func() error {
		hookCalls = append(hookCalls, "failing")
		return errors.New("hook failed")
	})
	mgr.AddReconnectHook(func() error {
		// Subscriptions are already back in place when hooks run
		assert.NotNil(uut.GetSubscription("AAPL").Handle())
		hookCalls = append(hookCalls, "second")
		return nil
	})

	// Case 0: nothing to do while connected
	{
		reconnected, err := mgr.CheckConnection()
		assert.Nil(err)
		assert.False(reconnected)
		assert.Empty(hookCalls)
	}

	// Case 1: connection drops
	uut.SetConnectionStatus(NotConnected)
	assert.Nil(aapl.Handle())
	assert.Nil(msft.Handle())

	// Case 2: reconnect fails
	feed.connectErr = errors.New("refused")
	{
		reconnected, err := mgr.CheckConnection()
		assert.NotNil(err)
		assert.False(reconnected)
		assert.Equal(NotConnected, uut.ConnectionStatus())
		assert.Empty(hookCalls)
	}
	feed.connectErr = nil

	// Case 3: reconnect restores the handles in place
	{
		reconnected, err := mgr.CheckConnection()
		assert.Nil(err)
		assert.True(reconnected)
		assert.Equal(Connected, uut.ConnectionStatus())
		assert.Equal([]string{"AAPL", "MSFT"}, feed.lastSubscribeCall())
		assert.NotNil(aapl.Handle())
		assert.NotNil(msft.Handle())
		assert.NotEqual(oldHandle, aapl.Handle())
		assert.Same(aapl, uut.GetSubscription("AAPL"))
		assert.Same(msft, uut.GetSubscription("MSFT"))
		assert.Equal(2, uut.GetNumActiveSubscriptions())
		// A failing hook does not stop the ones after it
		assert.Equal([]string{"failing", "second"}, hookCalls)
	}
	checkIndexConsistency(t, uut)
}

func TestReestablishDropsUnhandledInstruments(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	listener := &countingListener{}
	uut.AddSubscriptionListener(listener)
	assert.Nil(uut.Connect())

	_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{
		simSpec(livedata.StandardRuleSetID, "AAPL"),
		simSpec(livedata.StandardRuleSetID, "MSFT"),
	}, false)
	assert.Nil(err)

	// Case 0: the feed fails outright, state is kept
	uut.SetConnectionStatus(NotConnected)
	assert.Nil(uut.Connect())
	feed.subscribeErr = errors.New("feed down")
	uut.ReestablishSubscriptions()
	assert.Equal(2, uut.GetNumActiveSubscriptions())
	assert.Nil(uut.GetSubscription("AAPL").Handle())
	feed.subscribeErr = nil

	// Case 1: the feed no longer knows MSFT
	feed.dropHandles["MSFT"] = true
	uut.ReestablishSubscriptions()
	assert.Equal([]string{"AAPL"}, uut.GetActiveSubscriptionIDs())
	assert.NotNil(uut.GetSubscription("AAPL").Handle())
	assert.Nil(uut.GetMarketDataDistributor(simSpec(livedata.StandardRuleSetID, "MSFT")))
	_, unsubscribed := listener.counts()
	assert.Equal(1, unsubscribed)
	checkIndexConsistency(t, uut)
}

func TestSubscriptionTrace(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	feed := newMockFeed("SIM")
	sender := &collectingSender{}
	clock := newFakeClock()
	uut := defineTestServer(t, feed, sender, clock)
	assert.Nil(uut.Connect())

	// Case 0: unknown instrument
	{
		_, err := uut.GetSubscriptionTrace("AAPL")
		assert.True(errors.Is(err, ErrUnknownSubscription))
	}

	// Case 1: live instrument
	_, err := uut.SubscribeSpecs([]livedata.LiveDataSpecification{
		simSpec(livedata.StandardRuleSetID, "AAPL"),
		simSpec(livedata.RawRuleSetID, "AAPL"),
	}, false)
	assert.Nil(err)
	uut.LiveDataReceived("AAPL", quote(1.0, 3.0))
	{
		trace, err := uut.GetSubscriptionTrace("AAPL")
		assert.Nil(err)
		assert.Equal("AAPL", trace.SecurityUniqueID)
		assert.True(trace.HasHandle)
		assert.Equal(clock.Now(), trace.CreationTime)
		assert.Equal(2, trace.LastKnownValues.Len())
		assert.Len(trace.Distributors, 2)
		assert.Equal("LiveData.SIM.AAPL.RAW", trace.Distributors[0].Topic)
		assert.Equal("LiveData.SIM.AAPL.STANDARD", trace.Distributors[1].Topic)
		assert.Equal(int64(1), trace.Distributors[0].MessagesSent)
		assert.Equal(clock.Now().Add(time.Second*30), trace.Distributors[1].Expiry)
		assert.False(trace.Distributors[1].Expired)
	}
	assert.InDelta(1.0/60.0, uut.GetUpdateRate(), 1e-9)
}
