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
	"github.com/alwitt/livedata/metrics"
	"github.com/apex/log"
)

// ReconnectHook called after the server reconnected and reestablished its subscriptions
type ReconnectHook func() error

// ReconnectManager periodically reconnects a disconnected server to its feed
type ReconnectManager interface {
	// CheckConnection reconnect now if needed. Returns whether a reconnect happened.
	CheckConnection() (bool, error)

	// AddReconnectHook register a hook run after every successful reconnect.
	// Hooks run in registration order, a failing hook does not stop the others.
	AddReconnectHook(hook ReconnectHook)

	// Start begin the periodic connection check
	Start() error

	// Stop end the periodic connection check
	Stop() error
}

// reconnectManagerImpl implements ReconnectManager
type reconnectManagerImpl struct {
	common.Component
	server     LiveDataServer
	dispatcher EventDispatcher
	period     time.Duration
	timer      common.IntervalTimer

	hookLock sync.Mutex
	hooks    []ReconnectHook
}

/*
GetReconnectManager define a ReconnectManager

	@param ctxt context.Context - root context of the check loop
	@param wg *sync.WaitGroup - wait group tracking the check loop
	@param server LiveDataServer - the server
	@param dispatcher EventDispatcher - restarted after a reconnect. Optional.
	@param period time.Duration - check period, 5 sec if zero
	@return new ReconnectManager
*/
func GetReconnectManager(
	ctxt context.Context,
	wg *sync.WaitGroup,
	server LiveDataServer,
	dispatcher EventDispatcher,
	period time.Duration,
) (ReconnectManager, error) {
	if period <= 0 {
		period = time.Second * 5
	}
	timer, err := common.GetIntervalTimerInstance("reconnect-check", ctxt, wg)
	if err != nil {
		return nil, err
	}
	return &reconnectManagerImpl{
		Component:  common.NewComponent("server", "reconnect-manager", ""),
		server:     server,
		dispatcher: dispatcher,
		period:     period,
		timer:      timer,
	}, nil
}

func (m *reconnectManagerImpl) CheckConnection() (bool, error) {
	if m.server.ConnectionStatus() != NotConnected {
		return false, nil
	}
	log.WithFields(m.LogTags).Info("Feed not connected, reconnecting")
	if err := m.server.Connect(); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Reconnect failed, retry in %s", m.period)
		return false, err
	}
	m.server.ReestablishSubscriptions()
	if m.dispatcher != nil {
		if err := m.dispatcher.Start(); err != nil {
			log.WithError(err).WithFields(m.LogTags).Error("Failed to restart event dispatcher")
			return true, err
		}
	}
	metrics.Reconnects.WithLabelValues(m.server.Instance()).Inc()
	log.WithFields(m.LogTags).Info("Reconnected to feed")
	m.runHooks()
	return true, nil
}

func (m *reconnectManagerImpl) AddReconnectHook(hook ReconnectHook) {
	m.hookLock.Lock()
	defer m.hookLock.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *reconnectManagerImpl) runHooks() {
	m.hookLock.Lock()
	hooks := make([]ReconnectHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.hookLock.Unlock()
	for idx, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(m.LogTags).Errorf("Reconnect hook %d panicked: %v", idx, r)
				}
			}()
			if err := hook(); err != nil {
				log.WithError(err).WithFields(m.LogTags).Errorf("Reconnect hook %d failed", idx)
			}
		}()
	}
}

func (m *reconnectManagerImpl) Start() error {
	return m.timer.Start(m.period, func() error {
		_, err := m.CheckConnection()
		return err
	}, false)
}

func (m *reconnectManagerImpl) Stop() error {
	return m.timer.Stop()
}
