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

package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// IntervalTimer support class for triggering events at specific intervals
type IntervalTimer interface {
	// Start begin calling the handler every interval. A one-shot timer calls it once.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop stop the timer. The timer can be started again afterwards.
	Stop() error
	// Running whether the timer loop is active
	Running() bool
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	Component
	rootContext   context.Context
	active        context.Context
	contextCancel context.CancelFunc
	lock          sync.Mutex
	wg            *sync.WaitGroup
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	name string, rootCtxt context.Context, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	if rootCtxt == nil || wg == nil {
		return nil, fmt.Errorf("interval timer %s requires a context and wait group", name)
	}
	return &intervalTimerImpl{
		Component:   NewComponent("common", "interval-timer", name),
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start start the interval timer
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive: %s", interval)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.active != nil {
		return fmt.Errorf("timer already running")
	}
	log.WithFields(t.LogTags).Infof("Starting with int %s", interval)
	ctxt, cancel := context.WithCancel(t.rootContext)
	t.active = ctxt
	t.contextCancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer log.WithFields(t.LogTags).Info("Timer loop exiting")
		defer func() {
			t.lock.Lock()
			defer t.lock.Unlock()
			// Only clear the state if a newer loop has not replaced this one
			if t.active == ctxt {
				t.active = nil
				t.contextCancel = nil
				cancel()
			}
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctxt.Done():
				return
			case <-ticker.C:
				log.WithFields(t.LogTags).Debug("Calling handler")
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
				}
				if oneShot {
					return
				}
			}
		}
	}()
	return nil
}

// Stop stop the interval timer
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.contextCancel != nil {
		log.WithFields(t.LogTags).Info("Stopping timer loop")
		t.contextCancel()
	}
	t.active = nil
	t.contextCancel = nil
	return nil
}

// Running whether the timer loop is active
func (t *intervalTimerImpl) Running() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.active != nil
}
