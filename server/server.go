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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/alwitt/livedata/lkv"
	"github.com/alwitt/livedata/metrics"
	"github.com/apex/log"
)

// ConnectionStatus state of the connection to the feed
type ConnectionStatus int32

// Connection states
const (
	NotConnected ConnectionStatus = iota
	Connected
)

// String toString for ConnectionStatus
func (c ConnectionStatus) String() string {
	if c == Connected {
		return "CONNECTED"
	}
	return "NOT_CONNECTED"
}

// LiveDataServer the coordinator which owns every subscription and distributor
type LiveDataServer interface {
	/*
		Connect establish the connection to the feed. No-op when already connected.

		 @return whether successful
	*/
	Connect() error

	/*
		Disconnect tear down the connection to the feed. No-op when not connected.

		 @return whether successful
	*/
	Disconnect() error

	// ConnectionStatus the current connection state
	ConnectionStatus() ConnectionStatus

	/*
		SetConnectionStatus record a connection state change reported by the feed.
		Every subscription loses its handle when the connection is lost.

		 @param status ConnectionStatus - the new state
	*/
	SetConnectionStatus(status ConnectionStatus)

	// Start connect to the feed if not connected
	Start() error

	// Stop disconnect from the feed
	Stop() error

	// Instance the server's name
	Instance() string

	// UniqueIDDomain the identifier scheme of the feed
	UniqueIDDomain() string

	// DefaultRuleSetID the rule set used when subscribing by unique ID
	DefaultRuleSetID() string

	/*
		AddSubscriptionListener register a listener for subscription changes

		 @param listener SubscriptionListener - the listener
	*/
	AddSubscriptionListener(listener SubscriptionListener)

	/*
		Subscribe subscribe to an instrument using the default rule set

		 @param securityUniqueID string - the feed's ID of the instrument
		 @param persistent bool - whether the distributor is kept without heartbeats
		 @return the response for the instrument
	*/
	Subscribe(securityUniqueID string, persistent bool) (livedata.LiveDataSubscriptionResponse, error)

	/*
		SubscribeSpecs resolve and subscribe to a batch of specifications. On failure
		every subscription staged by the call is rolled back.

		 @param specs []livedata.LiveDataSpecification - the specifications
		 @param persistent bool - whether the distributors are kept without heartbeats
		 @return one response per specification, in order
	*/
	SubscribeSpecs(
		specs []livedata.LiveDataSpecification, persistent bool,
	) ([]livedata.LiveDataSubscriptionResponse, error)

	/*
		Snapshot fetch the current image of a batch of specifications

		 @param specs []livedata.LiveDataSpecification - the specifications
		 @return one response per specification, in order
	*/
	Snapshot(specs []livedata.LiveDataSpecification) ([]livedata.LiveDataSubscriptionResponse, error)

	/*
		SubscriptionRequestMade process a consumer request. Never fails: any error is
		reported as INTERNAL_ERROR responses.

		 @param request livedata.LiveDataSubscriptionRequest - the request
		 @return the responses, one per requested specification
	*/
	SubscriptionRequestMade(
		request livedata.LiveDataSubscriptionRequest,
	) livedata.LiveDataSubscriptionResponseMsg

	/*
		Unsubscribe drop an active subscription and all of its distributors

		 @param sub *Subscription - the subscription
		 @return whether the subscription was active
	*/
	Unsubscribe(sub *Subscription) bool

	/*
		UnsubscribeByID drop the active subscription of an instrument

		 @param securityUniqueID string - the feed's ID of the instrument
		 @return whether the subscription was active
	*/
	UnsubscribeByID(securityUniqueID string) (bool, error)

	/*
		StopDistributor drop a non-persistent distributor. The subscription is
		dropped with its last distributor.

		 @param distributor *MarketDataDistributor - the distributor
		 @return whether the distributor was stopped
	*/
	StopDistributor(distributor *MarketDataDistributor) bool

	/*
		ExpireSubscriptions stop every expired distributor

		 @return number of distributors stopped
	*/
	ExpireSubscriptions() int

	/*
		LiveDataReceived deliver a raw update from the feed

		 @param securityUniqueID string - the feed's ID of the instrument
		 @param msg livedata.Message - the raw values
	*/
	LiveDataReceived(securityUniqueID string, msg livedata.Message)

	// ReestablishSubscriptions resubscribe every known instrument with the feed
	ReestablishSubscriptions()

	// GetActiveSubscriptionIDs the instruments currently subscribed
	GetActiveSubscriptionIDs() []string

	// GetNumActiveSubscriptions number of active subscriptions
	GetNumActiveSubscriptions() int

	// GetActiveDistributionSpecs distribution specifications currently served
	GetActiveDistributionSpecs() []*livedata.DistributionSpecification

	// GetSubscriptions the active subscriptions
	GetSubscriptions() []*Subscription

	// GetSubscription the subscription of an instrument, or nil
	GetSubscription(securityUniqueID string) *Subscription

	// GetSubscriptionBySpec the subscription serving a fully qualified spec, or nil
	GetSubscriptionBySpec(fq livedata.LiveDataSpecification) *Subscription

	// GetMarketDataDistributor the distributor of a fully qualified spec, or nil
	GetMarketDataDistributor(fq livedata.LiveDataSpecification) *MarketDataDistributor

	// GetMarketDataDistributors every registered distributor
	GetMarketDataDistributors() []*MarketDataDistributor

	// GetNumMarketDataUpdatesReceived number of raw updates delivered
	GetNumMarketDataUpdatesReceived() int64

	// GetUpdateRate raw updates per second over the last minute
	GetUpdateRate() float64

	// GetSubscriptionTrace describe the state of an instrument's subscription
	GetSubscriptionTrace(securityUniqueID string) (SubscriptionTrace, error)
}

// LiveDataServerParams parameters of a LiveDataServer
type LiveDataServerParams struct {
	// Instance names the server in logs and metrics
	Instance string
	// Adapter is the feed
	Adapter FeedAdapter
	// Resolver maps specifications onto distribution specifications
	Resolver livedata.DistributionSpecificationResolver
	// Entitlements decides which users see what. Everyone sees everything if nil.
	Entitlements livedata.EntitlementChecker
	// LKVProvider creates the last known value store of each distributor
	LKVProvider lkv.LastKnownValueStoreProvider
	// Senders publish the normalized updates
	Senders []MarketDataSender
	// DefaultRuleSetID is used when subscribing by unique ID
	DefaultRuleSetID string
	// ExpiryExtension is granted to distributors on subscribe
	ExpiryExtension time.Duration
	// Clock defaults to time.Now
	Clock Clock
}

// liveDataServerImpl implements LiveDataServer
type liveDataServerImpl struct {
	common.Component
	instance        string
	adapter         FeedAdapter
	resolver        livedata.DistributionSpecificationResolver
	entitlements    livedata.EntitlementChecker
	lkvProvider     lkv.LastKnownValueStoreProvider
	senders         []MarketDataSender
	defaultRuleSet  string
	expiryExtension time.Duration
	now             Clock

	// connLock serializes Connect and Disconnect. Taken before subscriptionLock.
	connLock sync.Mutex
	status   atomic.Int32

	// subscriptionLock guards activeSubscriptions, bySpec, and writes to byInstrumentID
	subscriptionLock    sync.Mutex
	activeSubscriptions map[*Subscription]struct{}
	bySpec              map[livedata.LiveDataSpecification]*MarketDataDistributor
	// byInstrumentID maps the feed's ID onto its *Subscription. Read without the lock
	// on the tick path.
	byInstrumentID sync.Map

	listenerLock sync.RWMutex
	listeners    []SubscriptionListener

	updatesReceived atomic.Int64
	updateRate      *common.PerformanceCounter
}

/*
DefineLiveDataServer define a new LiveDataServer

	@param params LiveDataServerParams - the server parameters
	@return new LiveDataServer
*/
func DefineLiveDataServer(params LiveDataServerParams) (LiveDataServer, error) {
	if params.Adapter == nil {
		return nil, fmt.Errorf("no feed adapter given")
	}
	if params.Resolver == nil {
		return nil, fmt.Errorf("no distribution specification resolver given")
	}
	if params.Entitlements == nil {
		params.Entitlements = livedata.PermissiveEntitlementChecker()
	}
	if params.LKVProvider == nil {
		params.LKVProvider = lkv.MemoryStoreProvider{}
	}
	if params.DefaultRuleSetID == "" {
		params.DefaultRuleSetID = livedata.StandardRuleSetID
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}
	if params.Instance == "" {
		params.Instance = "livedata"
	}
	instance := &liveDataServerImpl{
		Component:           common.NewComponent("server", "live-data-server", params.Instance),
		instance:            params.Instance,
		adapter:             params.Adapter,
		resolver:            params.Resolver,
		entitlements:        params.Entitlements,
		lkvProvider:         params.LKVProvider,
		senders:             params.Senders,
		defaultRuleSet:      params.DefaultRuleSetID,
		expiryExtension:     params.ExpiryExtension,
		now:                 params.Clock,
		activeSubscriptions: make(map[*Subscription]struct{}),
		bySpec:              make(map[livedata.LiveDataSpecification]*MarketDataDistributor),
		updateRate:          common.NewPerformanceCounter(time.Minute),
	}
	metrics.Connected.WithLabelValues(params.Instance).Set(0)
	return instance, nil
}

// ==============================================================================
// Connection management

func (s *liveDataServerImpl) ConnectionStatus() ConnectionStatus {
	return ConnectionStatus(s.status.Load())
}

func (s *liveDataServerImpl) verifyConnectionOK() error {
	if s.ConnectionStatus() != Connected {
		return ErrNotConnected
	}
	return nil
}

func (s *liveDataServerImpl) Connect() error {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	if s.ConnectionStatus() == Connected {
		return nil
	}
	if err := s.adapter.Connect(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to connect to feed")
		return err
	}
	s.SetConnectionStatus(Connected)
	return nil
}

func (s *liveDataServerImpl) Disconnect() error {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	if s.ConnectionStatus() == NotConnected {
		return nil
	}
	if err := s.adapter.Disconnect(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to disconnect from feed")
		return err
	}
	s.SetConnectionStatus(NotConnected)
	return nil
}

func (s *liveDataServerImpl) SetConnectionStatus(status ConnectionStatus) {
	s.subscriptionLock.Lock()
	defer s.subscriptionLock.Unlock()
	previous := ConnectionStatus(s.status.Swap(int32(status)))
	if previous != status {
		log.WithFields(s.LogTags).Infof("Connection status %s -> %s", previous, status)
	}
	if status == NotConnected {
		for sub := range s.activeSubscriptions {
			sub.setHandle(nil)
		}
		metrics.Connected.WithLabelValues(s.instance).Set(0)
	} else {
		metrics.Connected.WithLabelValues(s.instance).Set(1)
	}
}

func (s *liveDataServerImpl) Start() error {
	if s.ConnectionStatus() == NotConnected {
		return s.Connect()
	}
	return nil
}

func (s *liveDataServerImpl) Stop() error {
	return s.Disconnect()
}

func (s *liveDataServerImpl) Instance() string {
	return s.instance
}

func (s *liveDataServerImpl) UniqueIDDomain() string {
	return s.adapter.UniqueIDDomain()
}

func (s *liveDataServerImpl) DefaultRuleSetID() string {
	return s.defaultRuleSet
}

// ==============================================================================
// Subscribe

func (s *liveDataServerImpl) Subscribe(
	securityUniqueID string, persistent bool,
) (livedata.LiveDataSubscriptionResponse, error) {
	spec := livedata.NewLiveDataSpecification(
		s.defaultRuleSet,
		livedata.ExternalID{Scheme: s.adapter.UniqueIDDomain(), Value: securityUniqueID},
	)
	responses, err := s.SubscribeSpecs([]livedata.LiveDataSpecification{spec}, persistent)
	if err != nil {
		return livedata.LiveDataSubscriptionResponse{}, err
	}
	return responses[0], nil
}

func (s *liveDataServerImpl) SubscribeSpecs(
	specs []livedata.LiveDataSpecification, persistent bool,
) ([]livedata.LiveDataSubscriptionResponse, error) {
	if err := s.verifyConnectionOK(); err != nil {
		return nil, err
	}
	resolved, err := s.resolver.Resolve(specs)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to resolve specifications")
		return nil, err
	}
	return s.subscribeResolved(specs, resolved, persistent)
}

func successResponse(
	requested livedata.LiveDataSpecification,
	distributor *MarketDataDistributor,
	snapshot *livedata.LiveDataValueUpdate,
) livedata.LiveDataSubscriptionResponse {
	fq := distributor.FullyQualifiedSpec()
	return livedata.LiveDataSubscriptionResponse{
		RequestedSpecification:      requested,
		Result:                      livedata.ResultSuccess,
		FullyQualifiedSpecification: &fq,
		Topic:                       distributor.DistributionSpec().Topic(),
		Snapshot:                    snapshot,
	}
}

// subscribeResolved subscribe to resolved specifications, then notify listeners
// of the new subscriptions
func (s *liveDataServerImpl) subscribeResolved(
	requested []livedata.LiveDataSpecification,
	resolved map[livedata.LiveDataSpecification]*livedata.DistributionSpecification,
	persistent bool,
) ([]livedata.LiveDataSubscriptionResponse, error) {
	responses := make([]livedata.LiveDataSubscriptionResponse, len(requested))
	newSubs, err := func() ([]*Subscription, error) {
		s.subscriptionLock.Lock()
		defer s.subscriptionLock.Unlock()
		return s.subscribeLocked(requested, resolved, persistent, responses)
	}()
	if err != nil {
		return nil, err
	}
	for _, sub := range newSubs {
		s.notifySubscribed(sub)
	}
	return responses, nil
}

// subscribeLocked does the work of subscribeResolved. Caller holds subscriptionLock.
func (s *liveDataServerImpl) subscribeLocked(
	requested []livedata.LiveDataSpecification,
	resolved map[livedata.LiveDataSpecification]*livedata.DistributionSpecification,
	persistent bool,
	responses []livedata.LiveDataSubscriptionResponse,
) ([]*Subscription, error) {
	domain := s.adapter.UniqueIDDomain()

	staged := make(map[string]*Subscription)
	stagedOrder := make([]string, 0)
	stagedBySpec := make(map[livedata.LiveDataSpecification]*MarketDataDistributor)
	// distributors attached to already active subscriptions by this call
	attached := make([]*MarketDataDistributor, 0)
	// response index -> distributor of a staged subscription
	pending := make(map[int]*MarketDataDistributor)

	rollback := func() {
		for uid, sub := range staged {
			s.byInstrumentID.CompareAndDelete(uid, sub)
			sub.removeAllDistributors()
		}
		for _, d := range attached {
			d.Subscription().RemoveDistributor(d)
			if s.bySpec[d.FullyQualifiedSpec()] == d {
				delete(s.bySpec, d.FullyQualifiedSpec())
			}
		}
		log.WithFields(s.LogTags).Infof(
			"Rolled back %d staged subscriptions and %d attached distributors",
			len(staged),
			len(attached),
		)
	}

	for idx, spec := range requested {
		distSpec := resolved[spec]
		if distSpec == nil {
			responses[idx] = livedata.NewFailedResponse(
				spec, livedata.ResultNotPresent, fmt.Sprintf("unable to resolve %s", spec),
			)
			continue
		}
		fq := distSpec.FullyQualifiedSpec()

		// Already served
		if existing, ok := s.bySpec[fq]; ok {
			distributor, err := existing.Subscription().CreateDistributor(
				existing.DistributionSpec(), persistent,
			)
			if err != nil {
				rollback()
				return nil, err
			}
			distributor.ExtendExpiry(s.expiryExtension)
			responses[idx] = successResponse(spec, distributor, distributor.Snapshot())
			continue
		}

		// Already staged by this call
		if distributor, ok := stagedBySpec[fq]; ok {
			if persistent {
				distributor.SetPersistent(true)
			}
			pending[idx] = distributor
			continue
		}

		uid := distSpec.MarketDataID()
		if uid.Scheme != domain {
			responses[idx] = livedata.NewFailedResponse(
				spec,
				livedata.ResultInternalError,
				fmt.Sprintf("%s is not in feed domain %s", uid, domain),
			)
			continue
		}

		// Instrument already subscribed with the feed
		if raw, ok := s.byInstrumentID.Load(uid.Value); ok {
			sub := raw.(*Subscription)
			distributor, err := sub.CreateDistributor(distSpec, persistent)
			if err != nil {
				rollback()
				return nil, err
			}
			attached = append(attached, distributor)
			s.bySpec[fq] = distributor
			distributor.ExtendExpiry(s.expiryExtension)
			responses[idx] = successResponse(spec, distributor, distributor.Snapshot())
			continue
		}

		sub, ok := staged[uid.Value]
		if !ok {
			sub = newSubscription(uid.Value, s.lkvProvider, s.senders, s.now)
			staged[uid.Value] = sub
			stagedOrder = append(stagedOrder, uid.Value)
		}
		distributor, err := sub.CreateDistributor(distSpec, persistent)
		if err != nil {
			rollback()
			return nil, err
		}
		stagedBySpec[fq] = distributor
		pending[idx] = distributor
	}

	s.updateGauges()
	if len(staged) == 0 {
		return nil, nil
	}

	if checker, ok := s.adapter.(SubscribeChecker); ok {
		if err := checker.CheckSubscribe(stagedOrder); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Subscribe of %v vetoed", stagedOrder)
			rollback()
			return nil, err
		}
	}

	// Seed the initial image where subscribing alone does not produce one
	denied := make(map[string]bool)
	needSnapshot := make([]string, 0)
	for _, uid := range stagedOrder {
		if s.adapter.SnapshotRequiredOnSubscribe(staged[uid]) {
			needSnapshot = append(needSnapshot, uid)
		}
	}
	if len(needSnapshot) > 0 {
		images, err := s.adapter.Snapshot(needSnapshot)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Snapshot of %v failed", needSnapshot)
			rollback()
			return nil, err
		}
		for _, uid := range needSnapshot {
			image, ok := images[uid]
			if !ok {
				rollback()
				return nil, fmt.Errorf("%w: no snapshot returned for %s", ErrAdapterContract, uid)
			}
			if image.Has(livedata.PermissionDeniedField) {
				log.WithFields(s.LogTags).Infof("Permission denied on %s", uid)
				denied[uid] = true
				staged[uid].removeAllDistributors()
				delete(staged, uid)
				continue
			}
			staged[uid].InitialSnapshotReceived(image)
		}
	}

	toSubscribe := make([]string, 0, len(staged))
	for _, uid := range stagedOrder {
		if sub, ok := staged[uid]; ok {
			toSubscribe = append(toSubscribe, uid)
			// Registered before the feed call so ticks arriving during it are kept
			s.byInstrumentID.Store(uid, sub)
		}
	}

	newSubs := make([]*Subscription, 0, len(toSubscribe))
	if len(toSubscribe) > 0 {
		handles, err := s.adapter.Subscribe(toSubscribe)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Subscribe of %v failed", toSubscribe)
			rollback()
			return nil, err
		}
		missing := make([]string, 0)
		for _, uid := range toSubscribe {
			if _, ok := handles[uid]; !ok {
				missing = append(missing, uid)
			}
		}
		if len(missing) > 0 {
			returned := make([]interface{}, 0, len(handles))
			for _, handle := range handles {
				returned = append(returned, handle)
			}
			if err := s.adapter.Unsubscribe(returned); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failed to release partial subscribe")
			}
			rollback()
			return nil, fmt.Errorf("%w: no handle returned for %v", ErrAdapterContract, missing)
		}

		for _, uid := range toSubscribe {
			sub := staged[uid]
			sub.setHandle(handles[uid])
			for _, distributor := range sub.Distributors() {
				s.bySpec[distributor.FullyQualifiedSpec()] = distributor
				distributor.ExtendExpiry(s.expiryExtension)
			}
			s.activeSubscriptions[sub] = struct{}{}
			newSubs = append(newSubs, sub)
		}
		if hook, ok := s.adapter.(SubscriptionDoneHook); ok {
			hook.SubscriptionDone(toSubscribe)
		}
		log.WithFields(s.LogTags).Infof("Subscribed to %v", toSubscribe)
	}

	for idx, distributor := range pending {
		uid := distributor.Subscription().SecurityUniqueID()
		if denied[uid] {
			responses[idx] = livedata.NewFailedResponse(
				requested[idx],
				livedata.ResultNotAuthorized,
				fmt.Sprintf("permission denied on %s", uid),
			)
			continue
		}
		responses[idx] = successResponse(requested[idx], distributor, distributor.Snapshot())
	}
	s.updateGauges()
	return newSubs, nil
}

// updateGauges caller holds subscriptionLock
func (s *liveDataServerImpl) updateGauges() {
	metrics.ActiveSubscriptions.WithLabelValues(s.instance).Set(float64(len(s.activeSubscriptions)))
	metrics.ActiveDistributors.WithLabelValues(s.instance).Set(float64(len(s.bySpec)))
}

// ==============================================================================
// Snapshot

func (s *liveDataServerImpl) Snapshot(
	specs []livedata.LiveDataSpecification,
) ([]livedata.LiveDataSubscriptionResponse, error) {
	if err := s.verifyConnectionOK(); err != nil {
		return nil, err
	}
	resolved, err := s.resolver.Resolve(specs)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to resolve specifications")
		return nil, err
	}
	return s.snapshotResolved(specs, resolved)
}

func (s *liveDataServerImpl) snapshotResolved(
	requested []livedata.LiveDataSpecification,
	resolved map[livedata.LiveDataSpecification]*livedata.DistributionSpecification,
) ([]livedata.LiveDataSubscriptionResponse, error) {
	responses := make([]livedata.LiveDataSubscriptionResponse, len(requested))
	query := make(map[string][]int)
	queryOrder := make([]string, 0)

	for idx, spec := range requested {
		distSpec := resolved[spec]
		if distSpec == nil {
			responses[idx] = livedata.NewFailedResponse(
				spec, livedata.ResultNotPresent, fmt.Sprintf("unable to resolve %s", spec),
			)
			continue
		}
		if existing := s.GetMarketDataDistributor(distSpec.FullyQualifiedSpec()); existing != nil {
			if snapshot := existing.Snapshot(); snapshot != nil {
				responses[idx] = successResponse(spec, existing, snapshot)
				continue
			}
			if s.adapter.SnapshotRequiredOnSubscribe(existing.Subscription()) {
				if policy, ok := s.adapter.(EmptySnapshotPolicy); ok &&
					policy.CanSatisfySnapshotFromEmptySubscription(existing) {
					responses[idx] = successResponse(spec, existing, &livedata.LiveDataValueUpdate{
						Specification: existing.FullyQualifiedSpec(),
						Fields:        livedata.NewMessage(),
					})
					continue
				}
				// The existing subscription already tried. A fresh snapshot can not be
				// ordered against its in-flight ticks.
				responses[idx] = livedata.NewFailedResponse(
					spec,
					livedata.ResultInternalError,
					"existing subscription failed to retrieve a snapshot",
				)
				continue
			}
		}
		uid := distSpec.MarketDataID().Value
		if _, ok := query[uid]; !ok {
			queryOrder = append(queryOrder, uid)
		}
		query[uid] = append(query[uid], idx)
	}

	if len(queryOrder) == 0 {
		return responses, nil
	}

	images, err := s.adapter.Snapshot(queryOrder)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Snapshot of %v failed", queryOrder)
		return nil, err
	}
	for _, uid := range queryOrder {
		image, ok := images[uid]
		for _, idx := range query[uid] {
			spec := requested[idx]
			distSpec := resolved[spec]
			if !ok {
				log.WithFields(s.LogTags).Errorf("Feed returned no snapshot for %s", uid)
				responses[idx] = livedata.NewFailedResponse(
					spec,
					livedata.ResultInternalError,
					fmt.Sprintf("no snapshot returned for %s", uid),
				)
				continue
			}
			if image.Has(livedata.PermissionDeniedField) {
				responses[idx] = livedata.NewFailedResponse(
					spec, livedata.ResultNotAuthorized, fmt.Sprintf("permission denied on %s", uid),
				)
				continue
			}
			normalized, kept := distSpec.NormalizedMessage(
				image, uid, livedata.NewFieldHistoryStore(),
			)
			if !kept || normalized.IsEmpty() {
				responses[idx] = livedata.NewFailedResponse(
					spec,
					livedata.ResultInternalError,
					fmt.Sprintf("snapshot of %s normalized to nothing", uid),
				)
				continue
			}
			fq := distSpec.FullyQualifiedSpec()
			responses[idx] = livedata.LiveDataSubscriptionResponse{
				RequestedSpecification:      spec,
				Result:                      livedata.ResultSuccess,
				FullyQualifiedSpecification: &fq,
				Topic:                       distSpec.Topic(),
				Snapshot: &livedata.LiveDataValueUpdate{
					Specification: fq,
					Fields:        normalized,
				},
			}
		}
	}
	return responses, nil
}

// ==============================================================================
// Consumer request entry point

func (s *liveDataServerImpl) SubscriptionRequestMade(
	request livedata.LiveDataSubscriptionRequest,
) (result livedata.LiveDataSubscriptionResponseMsg) {
	result.RequestingUser = request.User
	responses := make([]*livedata.LiveDataSubscriptionResponse, len(request.Specifications))
	set := func(idx int, resp livedata.LiveDataSubscriptionResponse) {
		responses[idx] = &resp
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(s.LogTags).Errorf("Request from %s panicked: %v", request.User, r)
		}
		result.Responses = make([]livedata.LiveDataSubscriptionResponse, len(responses))
		for idx, resp := range responses {
			if resp == nil {
				result.Responses[idx] = livedata.NewFailedResponse(
					request.Specifications[idx],
					livedata.ResultInternalError,
					"internal error processing request",
				)
			} else {
				result.Responses[idx] = *resp
			}
			metrics.SubscriptionResponses.WithLabelValues(
				s.instance, string(request.Type), string(result.Responses[idx].Result),
			).Inc()
		}
	}()

	resolved, err := s.resolver.Resolve(request.Specifications)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to resolve request from %s", request.User)
		return
	}

	resolvable := make([]livedata.LiveDataSpecification, 0, len(request.Specifications))
	for idx, spec := range request.Specifications {
		if resolved[spec] == nil {
			set(idx, livedata.NewFailedResponse(
				spec, livedata.ResultNotPresent, fmt.Sprintf("unable to resolve %s", spec),
			))
			continue
		}
		resolvable = append(resolvable, spec)
	}
	if len(resolvable) == 0 {
		return
	}

	entitled, err := s.entitlements.IsEntitled(request.User, resolvable)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Entitlement check for %s failed", request.User)
		return
	}

	processIdx := make([]int, 0, len(resolvable))
	processSpecs := make([]livedata.LiveDataSpecification, 0, len(resolvable))
	for idx, spec := range request.Specifications {
		if responses[idx] != nil {
			continue
		}
		allowed, ok := entitled[spec]
		if !ok {
			set(idx, livedata.NewFailedResponse(
				spec, livedata.ResultInternalError, "entitlement check returned no answer",
			))
			continue
		}
		if !allowed {
			set(idx, livedata.NewFailedResponse(
				spec,
				livedata.ResultNotAuthorized,
				fmt.Sprintf("%s is not entitled to %s", request.User, spec),
			))
			continue
		}
		processIdx = append(processIdx, idx)
		processSpecs = append(processSpecs, spec)
	}
	if len(processSpecs) == 0 {
		return
	}

	if err := s.verifyConnectionOK(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to serve request from %s", request.User)
		return
	}

	var processed []livedata.LiveDataSubscriptionResponse
	if request.Type == livedata.SubscriptionTypeSnapshot {
		processed, err = s.snapshotResolved(processSpecs, resolved)
	} else {
		processed, err = s.subscribeResolved(
			processSpecs, resolved, request.Type == livedata.SubscriptionTypePersistent,
		)
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Failed to process %s request from %s", request.Type, request.User,
		)
		return
	}
	for pos, idx := range processIdx {
		set(idx, processed[pos])
	}
	return
}

// ==============================================================================
// Unsubscribe and expiry

func (s *liveDataServerImpl) Unsubscribe(sub *Subscription) bool {
	s.subscriptionLock.Lock()
	removed := s.unsubscribeLocked(sub)
	s.subscriptionLock.Unlock()
	if removed {
		s.notifyUnsubscribed(sub)
	}
	return removed
}

func (s *liveDataServerImpl) UnsubscribeByID(securityUniqueID string) (bool, error) {
	if err := s.verifyConnectionOK(); err != nil {
		return false, err
	}
	sub := s.GetSubscription(securityUniqueID)
	if sub == nil {
		return false, nil
	}
	return s.Unsubscribe(sub), nil
}

// unsubscribeLocked caller holds subscriptionLock
func (s *liveDataServerImpl) unsubscribeLocked(sub *Subscription) bool {
	if _, ok := s.activeSubscriptions[sub]; !ok {
		return false
	}
	if handle := sub.Handle(); handle != nil {
		if err := s.adapter.Unsubscribe([]interface{}{handle}); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Feed unsubscribe of %s failed", sub)
		}
		sub.setHandle(nil)
	}
	delete(s.activeSubscriptions, sub)
	s.byInstrumentID.CompareAndDelete(sub.SecurityUniqueID(), sub)
	for _, distributor := range sub.Distributors() {
		fq := distributor.FullyQualifiedSpec()
		if s.bySpec[fq] == distributor {
			delete(s.bySpec, fq)
		}
	}
	sub.removeAllDistributors()
	s.updateGauges()
	log.WithFields(s.LogTags).Infof("Unsubscribed from %s", sub.SecurityUniqueID())
	return true
}

func (s *liveDataServerImpl) StopDistributor(distributor *MarketDataDistributor) bool {
	s.subscriptionLock.Lock()
	stopped, unsubscribed := s.stopDistributorLocked(distributor)
	s.subscriptionLock.Unlock()
	if unsubscribed {
		s.notifyUnsubscribed(distributor.Subscription())
	}
	return stopped
}

// stopDistributorLocked caller holds subscriptionLock. Also reports whether the
// owning subscription was dropped.
func (s *liveDataServerImpl) stopDistributorLocked(
	distributor *MarketDataDistributor,
) (bool, bool) {
	fq := distributor.FullyQualifiedSpec()
	if current, ok := s.bySpec[fq]; !ok || current != distributor {
		return false, false
	}
	if distributor.IsPersistent() {
		log.WithFields(s.LogTags).Debugf("Not stopping persistent distributor %s", fq)
		return false, false
	}
	delete(s.bySpec, fq)
	sub := distributor.Subscription()
	sub.RemoveDistributor(distributor)
	log.WithFields(s.LogTags).Infof("Stopped distributor %s", fq)
	unsubscribed := false
	if sub.NumDistributors() == 0 {
		unsubscribed = s.unsubscribeLocked(sub)
	}
	s.updateGauges()
	return true, unsubscribed
}

func (s *liveDataServerImpl) ExpireSubscriptions() int {
	stopped := 0
	dropped := make([]*Subscription, 0)
	func() {
		s.subscriptionLock.Lock()
		defer s.subscriptionLock.Unlock()
		candidates := make([]*MarketDataDistributor, 0)
		for sub := range s.activeSubscriptions {
			for _, distributor := range sub.Distributors() {
				if distributor.HasExpired() {
					candidates = append(candidates, distributor)
				}
			}
		}
		for _, distributor := range candidates {
			ok, unsubscribed := s.stopDistributorLocked(distributor)
			if ok {
				stopped++
			}
			if unsubscribed {
				dropped = append(dropped, distributor.Subscription())
			}
		}
	}()
	for _, sub := range dropped {
		s.notifyUnsubscribed(sub)
	}
	if stopped > 0 {
		metrics.ExpiredDistributors.WithLabelValues(s.instance).Add(float64(stopped))
		log.WithFields(s.LogTags).Infof("Expired %d distributors", stopped)
	}
	return stopped
}

// ==============================================================================
// Data path

func (s *liveDataServerImpl) LiveDataReceived(securityUniqueID string, msg livedata.Message) {
	raw, ok := s.byInstrumentID.Load(securityUniqueID)
	if !ok {
		log.WithFields(s.LogTags).Warnf("Dropping update for unknown instrument %s", securityUniqueID)
		metrics.TicksDropped.WithLabelValues(s.instance).Inc()
		return
	}
	raw.(*Subscription).LiveDataReceived(msg)
	s.updatesReceived.Add(1)
	s.updateRate.Hit(s.now(), 1)
	metrics.TicksReceived.WithLabelValues(s.instance).Inc()
}

func (s *liveDataServerImpl) ReestablishSubscriptions() {
	dropped := make([]*Subscription, 0)
	func() {
		s.subscriptionLock.Lock()
		defer s.subscriptionLock.Unlock()
		ids := make([]string, 0)
		s.byInstrumentID.Range(func(key, _ interface{}) bool {
			ids = append(ids, key.(string))
			return true
		})
		if len(ids) == 0 {
			return
		}
		sort.Strings(ids)
		handles, err := s.adapter.Subscribe(ids)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to reestablish subscriptions")
			return
		}
		for _, uid := range ids {
			raw, ok := s.byInstrumentID.Load(uid)
			if !ok {
				continue
			}
			sub := raw.(*Subscription)
			handle, ok := handles[uid]
			if !ok {
				log.WithFields(s.LogTags).Errorf("Feed did not resubscribe %s, dropping it", uid)
				if s.unsubscribeLocked(sub) {
					dropped = append(dropped, sub)
				}
				continue
			}
			sub.setHandle(handle)
		}
		log.WithFields(s.LogTags).Infof("Reestablished %d subscriptions", len(ids)-len(dropped))
	}()
	for _, sub := range dropped {
		s.notifyUnsubscribed(sub)
	}
}

// ==============================================================================
// Introspection

func (s *liveDataServerImpl) GetActiveSubscriptionIDs() []string {
	s.subscriptionLock.Lock()
	defer s.subscriptionLock.Unlock()
	result := make([]string, 0, len(s.activeSubscriptions))
	for sub := range s.activeSubscriptions {
		result = append(result, sub.SecurityUniqueID())
	}
	sort.Strings(result)
	return result
}

func (s *liveDataServerImpl) GetNumActiveSubscriptions() int {
	s.subscriptionLock.Lock()
	defer s.subscriptionLock.Unlock()
	return len(s.activeSubscriptions)
}

func (s *liveDataServerImpl) GetActiveDistributionSpecs() []*livedata.DistributionSpecification {
	distributors := s.GetMarketDataDistributors()
	result := make([]*livedata.DistributionSpecification, len(distributors))
	for idx, distributor := range distributors {
		result[idx] = distributor.DistributionSpec()
	}
	return result
}

func (s *liveDataServerImpl) GetSubscriptions() []*Subscription {
	s.subscriptionLock.Lock()
	defer s.subscriptionLock.Unlock()
	result := make([]*Subscription, 0, len(s.activeSubscriptions))
	for sub := range s.activeSubscriptions {
		result = append(result, sub)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SecurityUniqueID() < result[j].SecurityUniqueID()
	})
	return result
}

func (s *liveDataServerImpl) GetSubscription(securityUniqueID string) *Subscription {
	raw, ok := s.byInstrumentID.Load(securityUniqueID)
	if !ok {
		return nil
	}
	return raw.(*Subscription)
}

func (s *liveDataServerImpl) GetSubscriptionBySpec(fq livedata.LiveDataSpecification) *Subscription {
	distributor := s.GetMarketDataDistributor(fq)
	if distributor == nil {
		return nil
	}
	return distributor.Subscription()
}

func (s *liveDataServerImpl) GetMarketDataDistributor(
	fq livedata.LiveDataSpecification,
) *MarketDataDistributor {
	s.subscriptionLock.Lock()
	defer s.subscriptionLock.Unlock()
	return s.bySpec[fq]
}

func (s *liveDataServerImpl) GetMarketDataDistributors() []*MarketDataDistributor {
	s.subscriptionLock.Lock()
	defer s.subscriptionLock.Unlock()
	result := make([]*MarketDataDistributor, 0, len(s.bySpec))
	for _, distributor := range s.bySpec {
		result = append(result, distributor)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DistributionSpec().Topic() < result[j].DistributionSpec().Topic()
	})
	return result
}

func (s *liveDataServerImpl) GetNumMarketDataUpdatesReceived() int64 {
	return s.updatesReceived.Load()
}

func (s *liveDataServerImpl) GetUpdateRate() float64 {
	return s.updateRate.HitsPerSecond(s.now())
}
