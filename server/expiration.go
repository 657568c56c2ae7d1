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
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/apex/log"
)

// ExpirationManager keeps non-persistent distributors alive while consumers send
// heartbeats, and stops them once the heartbeats stop
type ExpirationManager interface {
	SubscriptionListener

	/*
		ExtendPublicationTimeout extend the expiry of the distributors serving the
		fully qualified specifications. Unknown specifications are ignored.

		 @param specs []livedata.LiveDataSpecification - fully qualified specifications
		 @return number of distributors extended
	*/
	ExtendPublicationTimeout(specs []livedata.LiveDataSpecification) int

	// TimeoutExtension the expiry extension granted per heartbeat
	TimeoutExtension() time.Duration

	// CheckExpiry run one expiry check now
	CheckExpiry() int

	// Start begin the periodic expiry check
	Start() error

	// Stop end the periodic expiry check
	Stop() error
}

// expirationManagerImpl implements ExpirationManager
type expirationManagerImpl struct {
	common.Component
	server      LiveDataServer
	extension   time.Duration
	checkPeriod time.Duration
	timer       common.IntervalTimer
}

/*
GetExpirationManager define an ExpirationManager and register it as a listener of
the server

	@param ctxt context.Context - root context of the check loop
	@param wg *sync.WaitGroup - wait group tracking the check loop
	@param server LiveDataServer - the server
	@param heartbeatPeriod time.Duration - how often consumers send heartbeats
	@param extension time.Duration - expiry extension, 3x the heartbeat period if zero
	@param checkPeriod time.Duration - expiry check period, half the heartbeat period if zero
	@return new ExpirationManager
*/
func GetExpirationManager(
	ctxt context.Context,
	wg *sync.WaitGroup,
	server LiveDataServer,
	heartbeatPeriod time.Duration,
	extension time.Duration,
	checkPeriod time.Duration,
) (ExpirationManager, error) {
	if extension <= 0 {
		extension = heartbeatPeriod * 3
	}
	if checkPeriod <= 0 {
		checkPeriod = heartbeatPeriod / 2
	}
	timer, err := common.GetIntervalTimerInstance("expiration-check", ctxt, wg)
	if err != nil {
		return nil, err
	}
	instance := &expirationManagerImpl{
		Component:   common.NewComponent("server", "expiration-manager", ""),
		server:      server,
		extension:   extension,
		checkPeriod: checkPeriod,
		timer:       timer,
	}
	server.AddSubscriptionListener(instance)
	return instance, nil
}

func (m *expirationManagerImpl) TimeoutExtension() time.Duration {
	return m.extension
}

func (m *expirationManagerImpl) Subscribed(sub *Subscription) error {
	for _, distributor := range sub.Distributors() {
		distributor.ExtendExpiry(m.extension)
	}
	return nil
}

func (m *expirationManagerImpl) Unsubscribed(_ *Subscription) error {
	return nil
}

func (m *expirationManagerImpl) ExtendPublicationTimeout(
	specs []livedata.LiveDataSpecification,
) int {
	extended := 0
	for _, spec := range specs {
		distributor := m.server.GetMarketDataDistributor(spec)
		if distributor == nil {
			log.WithFields(m.LogTags).Debugf("Heartbeat for unknown %s", spec)
			continue
		}
		distributor.ExtendExpiry(m.extension)
		extended++
	}
	return extended
}

func (m *expirationManagerImpl) CheckExpiry() int {
	return m.server.ExpireSubscriptions()
}

func (m *expirationManagerImpl) Start() error {
	log.WithFields(m.LogTags).Infof(
		"Checking expiry every %s, heartbeats extend by %s", m.checkPeriod, m.extension,
	)
	return m.timer.Start(m.checkPeriod, func() error {
		m.CheckExpiry()
		return nil
	}, false)
}

func (m *expirationManagerImpl) Stop() error {
	return m.timer.Stop()
}
