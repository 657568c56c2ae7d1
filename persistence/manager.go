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

// Package persistence keeps persistent subscriptions alive across restarts
package persistence

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/alwitt/livedata/metrics"
	"github.com/alwitt/livedata/server"
	"github.com/alwitt/livedata/storage"
	"github.com/apex/log"
)

// PersistentSubscriptionManager reconciles the persistent distributors of a server
// with a durable store. Every operation is rebuilt from scratch each time.
type PersistentSubscriptionManager interface {
	/*
		Refresh re-create every stored or live persistent subscription which lacks a
		live persistent distributor. Failures to subscribe are logged, not returned.

		 @param ctxt context.Context - the call context
	*/
	Refresh(ctxt context.Context) error

	/*
		Save write the server's persistent distributors to the store if they changed
		since the last write

		 @param ctxt context.Context - the call context
	*/
	Save(ctxt context.Context) error

	/*
		AddPersistentSubscription subscribe persistently to a specification

		 @param ctxt context.Context - the call context
		 @param spec livedata.LiveDataSpecification - the specification
		 @return the subscribe response
	*/
	AddPersistentSubscription(
		ctxt context.Context, spec livedata.LiveDataSpecification,
	) (livedata.LiveDataSubscriptionResponse, error)

	/*
		AddPersistentSubscriptionByID subscribe persistently to an instrument using the
		server's default rule set

		 @param ctxt context.Context - the call context
		 @param securityUniqueID string - the feed's ID of the instrument
		 @return the subscribe response
	*/
	AddPersistentSubscriptionByID(
		ctxt context.Context, securityUniqueID string,
	) (livedata.LiveDataSubscriptionResponse, error)

	/*
		RemovePersistentSubscription demote every distributor of an instrument. The
		distributors stay up until they expire.

		 @param ctxt context.Context - the call context
		 @param securityUniqueID string - the feed's ID of the instrument
		 @return whether the instrument had a subscription
	*/
	RemovePersistentSubscription(ctxt context.Context, securityUniqueID string) (bool, error)

	// GetPersistentSubscriptions the working set of the last operation
	GetPersistentSubscriptions() []livedata.LiveDataSpecification

	// Start refresh then begin the periodic save
	Start(ctxt context.Context) error

	// Stop end the periodic save
	Stop() error
}

// persistentSubscriptionManagerImpl implements PersistentSubscriptionManager
type persistentSubscriptionManagerImpl struct {
	common.Component
	server       server.LiveDataServer
	store        storage.PersistentSubscriptionStore
	tp           common.TaskProcessor
	storeTimeout time.Duration
	savePeriod   time.Duration
	timer        common.IntervalTimer

	// Only touched from the task processor
	working     map[livedata.LiveDataSpecification]bool
	lastWritten map[livedata.LiveDataSpecification]bool
	// Stored specs the last refresh could not restore. Kept in every save until
	// a live persistent distributor replaces them.
	pending map[livedata.LiveDataSpecification]bool

	viewLock sync.RWMutex
	view     []livedata.LiveDataSpecification
}

/*
DefinePersistentSubscriptionManager define a PersistentSubscriptionManager

	@param ctxt context.Context - root context of the periodic save
	@param wg *sync.WaitGroup - wait group tracking the periodic save
	@param liveServer server.LiveDataServer - the server
	@param store storage.PersistentSubscriptionStore - the durable store
	@param tp common.TaskProcessor - serializes the manager's operations
	@param storeTimeout time.Duration - timeout of one store call
	@param savePeriod time.Duration - period between saves
	@return new PersistentSubscriptionManager
*/
func DefinePersistentSubscriptionManager(
	ctxt context.Context,
	wg *sync.WaitGroup,
	liveServer server.LiveDataServer,
	store storage.PersistentSubscriptionStore,
	tp common.TaskProcessor,
	storeTimeout time.Duration,
	savePeriod time.Duration,
) (PersistentSubscriptionManager, error) {
	timer, err := common.GetIntervalTimerInstance("persistent-save", ctxt, wg)
	if err != nil {
		return nil, err
	}
	if storeTimeout <= 0 {
		storeTimeout = time.Second * 10
	}
	if savePeriod <= 0 {
		savePeriod = time.Minute
	}
	instance := &persistentSubscriptionManagerImpl{
		Component:    common.NewComponent("persistence", "manager", liveServer.Instance()),
		server:       liveServer,
		store:        store,
		tp:           tp,
		storeTimeout: storeTimeout,
		savePeriod:   savePeriod,
		timer:        timer,
		working:      make(map[livedata.LiveDataSpecification]bool),
		pending:      make(map[livedata.LiveDataSpecification]bool),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(refreshRequest{}), instance.processRefreshRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(saveRequest{}), instance.processSaveRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(addRequest{}), instance.processAddRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(removeRequest{}), instance.processRemoveRequest,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

func (m *persistentSubscriptionManagerImpl) GetPersistentSubscriptions() []livedata.LiveDataSpecification {
	m.viewLock.RLock()
	defer m.viewLock.RUnlock()
	result := make([]livedata.LiveDataSpecification, len(m.view))
	copy(result, m.view)
	return result
}

// publishView copy the working set for readers outside the task processor
func (m *persistentSubscriptionManagerImpl) publishView() {
	view := make([]livedata.LiveDataSpecification, 0, len(m.working))
	for spec := range m.working {
		view = append(view, spec)
	}
	sort.Slice(view, func(i, j int) bool { return view[i].String() < view[j].String() })
	m.viewLock.Lock()
	defer m.viewLock.Unlock()
	m.view = view
}

// readFromServer add every live persistent distributor to the working set
func (m *persistentSubscriptionManagerImpl) readFromServer() {
	for _, distributor := range m.server.GetMarketDataDistributors() {
		if distributor.IsPersistent() {
			m.working[distributor.FullyQualifiedSpec()] = true
		}
	}
}

// readFromPending add the specs still waiting on a restore to the working set
func (m *persistentSubscriptionManagerImpl) readFromPending() {
	for spec := range m.pending {
		if m.hasLivePersistentDistributor(spec) {
			delete(m.pending, spec)
			continue
		}
		m.working[spec] = true
	}
}

func (m *persistentSubscriptionManagerImpl) readFromStore(ctxt context.Context) (
	map[livedata.LiveDataSpecification]bool, error,
) {
	useContext, cancel := context.WithTimeout(ctxt, m.storeTimeout)
	defer cancel()
	stored, err := m.store.ReadAll(useContext)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Unable to read persistent subscriptions")
		return nil, err
	}
	result := make(map[livedata.LiveDataSpecification]bool, len(stored))
	for _, spec := range stored {
		result[spec] = true
	}
	return result, nil
}

func (m *persistentSubscriptionManagerImpl) hasLivePersistentDistributor(
	spec livedata.LiveDataSpecification,
) bool {
	distributor := m.server.GetMarketDataDistributor(spec)
	return distributor != nil && distributor.IsPersistent()
}

func sameSet(a, b map[livedata.LiveDataSpecification]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for spec := range a {
		if !b[spec] {
			return false
		}
	}
	return true
}

// ----------------------------------------------------------------------------------------

type refreshRequest struct {
	ctxt     context.Context
	resultCB func(error)
}

func (m *persistentSubscriptionManagerImpl) Refresh(ctxt context.Context) error {
	complete := make(chan error, 1)
	request := refreshRequest{ctxt: ctxt, resultCB: func(err error) { complete <- err }}
	if err := m.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to submit refresh request")
		return err
	}
	select {
	case err := <-complete:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (m *persistentSubscriptionManagerImpl) processRefreshRequest(param interface{}) error {
	request, ok := param.(refreshRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for refresh", reflect.TypeOf(param))
	}
	err := m.ProcessRefresh(request.ctxt)
	request.resultCB(err)
	return err
}

// ProcessRefresh does the work of Refresh in the caller's goroutine
func (m *persistentSubscriptionManagerImpl) ProcessRefresh(ctxt context.Context) error {
	m.working = make(map[livedata.LiveDataSpecification]bool)
	stored, err := m.readFromStore(ctxt)
	if err != nil {
		return err
	}
	for spec := range stored {
		m.working[spec] = true
	}
	m.readFromServer()
	m.lastWritten = stored

	missing := make([]livedata.LiveDataSpecification, 0)
	for spec := range m.working {
		if !m.hasLivePersistentDistributor(spec) {
			missing = append(missing, spec)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].String() < missing[j].String() })
	m.pending = make(map[livedata.LiveDataSpecification]bool)
	restored := 0
	for _, spec := range missing {
		resp, err := m.server.SubscribeSpecs([]livedata.LiveDataSpecification{spec}, true)
		if err != nil {
			// Most likely not connected. Retry on the next refresh.
			log.WithError(err).WithFields(m.LogTags).Errorf("Unable to restore %s", spec)
			m.pending[spec] = true
			continue
		}
		if resp[0].Result != livedata.ResultSuccess {
			log.WithFields(m.LogTags).Errorf(
				"Unable to restore %s: %s %s", spec, resp[0].Result, resp[0].Message,
			)
			continue
		}
		restored++
	}
	m.publishView()
	log.WithFields(m.LogTags).Infof(
		"Refreshed %d persistent subscriptions, %d restored, %d pending",
		len(m.working), restored, len(m.pending),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type saveRequest struct {
	ctxt     context.Context
	resultCB func(error)
}

func (m *persistentSubscriptionManagerImpl) Save(ctxt context.Context) error {
	complete := make(chan error, 1)
	request := saveRequest{ctxt: ctxt, resultCB: func(err error) { complete <- err }}
	if err := m.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to submit save request")
		return err
	}
	select {
	case err := <-complete:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

func (m *persistentSubscriptionManagerImpl) processSaveRequest(param interface{}) error {
	request, ok := param.(saveRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for save", reflect.TypeOf(param))
	}
	err := m.ProcessSave(request.ctxt)
	request.resultCB(err)
	return err
}

// ProcessSave does the work of Save in the caller's goroutine
func (m *persistentSubscriptionManagerImpl) ProcessSave(ctxt context.Context) error {
	m.working = make(map[livedata.LiveDataSpecification]bool)
	m.readFromServer()
	m.readFromPending()
	m.publishView()
	if m.lastWritten != nil && sameSet(m.working, m.lastWritten) {
		log.WithFields(m.LogTags).Debug("Persistent subscriptions unchanged")
		return nil
	}
	toWrite := make([]livedata.LiveDataSpecification, 0, len(m.working))
	for spec := range m.working {
		toWrite = append(toWrite, spec)
	}
	useContext, cancel := context.WithTimeout(ctxt, m.storeTimeout)
	defer cancel()
	if err := m.store.ReplaceAll(useContext, toWrite); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to write persistent subscriptions")
		return err
	}
	written := make(map[livedata.LiveDataSpecification]bool, len(m.working))
	for spec := range m.working {
		written[spec] = true
	}
	m.lastWritten = written
	metrics.PersistentSaves.Inc()
	log.WithFields(m.LogTags).Infof("Wrote %d persistent subscriptions", len(toWrite))
	return nil
}

// ----------------------------------------------------------------------------------------

type addRequest struct {
	spec     livedata.LiveDataSpecification
	resultCB func(livedata.LiveDataSubscriptionResponse, error)
}

func (m *persistentSubscriptionManagerImpl) AddPersistentSubscriptionByID(
	ctxt context.Context, securityUniqueID string,
) (livedata.LiveDataSubscriptionResponse, error) {
	return m.AddPersistentSubscription(ctxt, livedata.NewLiveDataSpecification(
		m.server.DefaultRuleSetID(),
		livedata.ExternalID{Scheme: m.server.UniqueIDDomain(), Value: securityUniqueID},
	))
}

func (m *persistentSubscriptionManagerImpl) AddPersistentSubscription(
	ctxt context.Context, spec livedata.LiveDataSpecification,
) (livedata.LiveDataSubscriptionResponse, error) {
	type result struct {
		resp livedata.LiveDataSubscriptionResponse
		err  error
	}
	complete := make(chan result, 1)
	request := addRequest{
		spec: spec,
		resultCB: func(resp livedata.LiveDataSubscriptionResponse, err error) {
			complete <- result{resp: resp, err: err}
		},
	}
	if err := m.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to submit add request")
		return livedata.LiveDataSubscriptionResponse{}, err
	}
	select {
	case r := <-complete:
		return r.resp, r.err
	case <-ctxt.Done():
		return livedata.LiveDataSubscriptionResponse{}, ctxt.Err()
	}
}

func (m *persistentSubscriptionManagerImpl) processAddRequest(param interface{}) error {
	request, ok := param.(addRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for add", reflect.TypeOf(param))
	}
	resp, err := m.ProcessAdd(request.spec)
	request.resultCB(resp, err)
	return err
}

// ProcessAdd does the work of AddPersistentSubscription in the caller's goroutine
func (m *persistentSubscriptionManagerImpl) ProcessAdd(
	spec livedata.LiveDataSpecification,
) (livedata.LiveDataSubscriptionResponse, error) {
	m.working[spec] = true
	m.publishView()
	resp, err := m.server.SubscribeSpecs([]livedata.LiveDataSpecification{spec}, true)
	if err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to add persistent %s", spec)
		return livedata.LiveDataSubscriptionResponse{}, err
	}
	if resp[0].Result != livedata.ResultSuccess {
		return resp[0], fmt.Errorf("persistent subscribe of %s: %s", spec, resp[0].Result)
	}
	log.WithFields(m.LogTags).Infof("Added persistent %s", spec)
	return resp[0], nil
}

// ----------------------------------------------------------------------------------------

type removeRequest struct {
	ctxt             context.Context
	securityUniqueID string
	resultCB         func(bool, error)
}

func (m *persistentSubscriptionManagerImpl) RemovePersistentSubscription(
	ctxt context.Context, securityUniqueID string,
) (bool, error) {
	type result struct {
		found bool
		err   error
	}
	complete := make(chan result, 1)
	request := removeRequest{
		ctxt:             ctxt,
		securityUniqueID: securityUniqueID,
		resultCB: func(found bool, err error) {
			complete <- result{found: found, err: err}
		},
	}
	if err := m.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Failed to submit remove request")
		return false, err
	}
	select {
	case r := <-complete:
		return r.found, r.err
	case <-ctxt.Done():
		return false, ctxt.Err()
	}
}

func (m *persistentSubscriptionManagerImpl) processRemoveRequest(param interface{}) error {
	request, ok := param.(removeRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for remove", reflect.TypeOf(param))
	}
	found, err := m.ProcessRemove(request.ctxt, request.securityUniqueID)
	request.resultCB(found, err)
	return err
}

// ProcessRemove does the work of RemovePersistentSubscription in the caller's goroutine
func (m *persistentSubscriptionManagerImpl) ProcessRemove(
	ctxt context.Context, securityUniqueID string,
) (bool, error) {
	droppedPending := false
	for spec := range m.pending {
		if spec.Identifier.Value == securityUniqueID {
			delete(m.pending, spec)
			droppedPending = true
		}
	}
	sub := m.server.GetSubscription(securityUniqueID)
	if sub == nil {
		if droppedPending {
			log.WithFields(m.LogTags).Infof("Dropped pending restore of %s", securityUniqueID)
			return true, m.ProcessSave(ctxt)
		}
		log.WithFields(m.LogTags).Infof("No subscription for %s", securityUniqueID)
		return false, nil
	}
	for _, distributor := range sub.Distributors() {
		distributor.SetPersistent(false)
	}
	log.WithFields(m.LogTags).Infof("Demoted distributors of %s", securityUniqueID)
	return true, m.ProcessSave(ctxt)
}

// ----------------------------------------------------------------------------------------

func (m *persistentSubscriptionManagerImpl) Start(ctxt context.Context) error {
	if err := m.Refresh(ctxt); err != nil {
		return err
	}
	return m.timer.Start(m.savePeriod, func() error {
		useContext, cancel := context.WithTimeout(context.Background(), m.storeTimeout*2)
		defer cancel()
		return m.Save(useContext)
	}, false)
}

func (m *persistentSubscriptionManagerImpl) Stop() error {
	return m.timer.Stop()
}
