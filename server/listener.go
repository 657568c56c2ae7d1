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

	"github.com/apex/log"
)

// SubscriptionListener observes subscriptions being added and dropped
type SubscriptionListener interface {
	// Subscribed called after a new subscription became active
	Subscribed(sub *Subscription) error
	// Unsubscribed called after a subscription was dropped
	Unsubscribed(sub *Subscription) error
}

func (s *liveDataServerImpl) AddSubscriptionListener(listener SubscriptionListener) {
	s.listenerLock.Lock()
	defer s.listenerLock.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *liveDataServerImpl) notifySubscribed(sub *Subscription) {
	s.notifyListeners(sub, "subscribed", SubscriptionListener.Subscribed)
}

func (s *liveDataServerImpl) notifyUnsubscribed(sub *Subscription) {
	s.notifyListeners(sub, "unsubscribed", SubscriptionListener.Unsubscribed)
}

// notifyListeners call every listener in registration order. One failing listener
// does not stop the others.
func (s *liveDataServerImpl) notifyListeners(
	sub *Subscription, event string, call func(SubscriptionListener, *Subscription) error,
) {
	s.listenerLock.RLock()
	listeners := make([]SubscriptionListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerLock.RUnlock()

	for idx, listener := range listeners {
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("listener panicked: %v", r)
				}
			}()
			return call(listener, sub)
		}()
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Listener %d failed on %s of %s", idx, event, sub.SecurityUniqueID(),
			)
		}
	}
}
