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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/apex/log"
)

// EventDispatcher pulls updates from a TickSource and delivers them to the server
type EventDispatcher interface {
	// Start start the dispatch loop. No-op if already running.
	Start() error
	// Stop stop the dispatch loop
	Stop() error
	// Running whether the dispatch loop is active
	Running() bool
}

// eventDispatcherImpl implements EventDispatcher
type eventDispatcherImpl struct {
	common.Component
	server   LiveDataServer
	source   TickSource
	maxWait  time.Duration
	rootCtxt context.Context
	wg       *sync.WaitGroup

	lock   sync.Mutex
	active context.Context
	cancel context.CancelFunc
}

/*
GetEventDispatcher define an EventDispatcher

	@param ctxt context.Context - root context of the dispatch loop
	@param wg *sync.WaitGroup - wait group tracking the dispatch loop
	@param server LiveDataServer - where updates are delivered
	@param source TickSource - where updates come from
	@param maxWait time.Duration - longest wait for one batch, 1 sec if zero
	@return new EventDispatcher
*/
func GetEventDispatcher(
	ctxt context.Context,
	wg *sync.WaitGroup,
	server LiveDataServer,
	source TickSource,
	maxWait time.Duration,
) (EventDispatcher, error) {
	if ctxt == nil || wg == nil {
		return nil, fmt.Errorf("event dispatcher requires a context and wait group")
	}
	if source == nil {
		return nil, fmt.Errorf("event dispatcher requires a tick source")
	}
	if maxWait <= 0 {
		maxWait = time.Second
	}
	return &eventDispatcherImpl{
		Component: common.NewComponent("server", "event-dispatcher", server.Instance()),
		server:    server,
		source:    source,
		maxWait:   maxWait,
		rootCtxt:  ctxt,
		wg:        wg,
	}, nil
}

func (d *eventDispatcherImpl) Start() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.active != nil {
		return nil
	}
	ctxt, cancel := context.WithCancel(d.rootCtxt)
	d.active = ctxt
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctxt, cancel)
	return nil
}

func (d *eventDispatcherImpl) loop(ctxt context.Context, cancel context.CancelFunc) {
	defer d.wg.Done()
	defer func() {
		d.lock.Lock()
		defer d.lock.Unlock()
		if d.active == ctxt {
			d.active = nil
			d.cancel = nil
		}
		cancel()
	}()
	log.WithFields(d.LogTags).Info("Dispatch loop started")
	for {
		select {
		case <-ctxt.Done():
			log.WithFields(d.LogTags).Info("Dispatch loop stopped")
			return
		default:
		}
		events, err := d.source.NextEvents(ctxt, d.maxWait)
		if err != nil {
			if ctxt.Err() != nil {
				return
			}
			// Restarting is left to the reconnect manager
			log.WithError(err).WithFields(d.LogTags).Error("Feed failed, dispatch loop exiting")
			d.server.SetConnectionStatus(NotConnected)
			return
		}
		for _, event := range events {
			d.server.LiveDataReceived(event.SecurityUniqueID, event.Fields)
		}
	}
}

func (d *eventDispatcherImpl) Stop() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.active = nil
	d.cancel = nil
	return nil
}

func (d *eventDispatcherImpl) Running() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.active != nil
}
