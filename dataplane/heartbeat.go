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

package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/core"
	"github.com/alwitt/livedata/livedata"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// HeartbeatSender keeps a consumer's distributors alive by periodically
// announcing the specifications it still uses
type HeartbeatSender interface {
	// SenderID the ID heartbeats are sent under
	SenderID() string

	// AddSpecifications start announcing the specifications
	AddSpecifications(specs ...livedata.LiveDataSpecification)

	// RemoveSpecifications stop announcing the specifications
	RemoveSpecifications(specs ...livedata.LiveDataSpecification)

	// Specifications the specifications being announced
	Specifications() []livedata.LiveDataSpecification

	/*
		SendHeartbeat announce the current specifications now. Nothing is sent when
		there are none.

		 @param ctxt context.Context - the call context
	*/
	SendHeartbeat(ctxt context.Context) error

	// Start begin sending heartbeats every period
	Start(period time.Duration) error

	// Stop stop sending heartbeats
	Stop() error
}

// heartbeatSenderImpl implements HeartbeatSender
type heartbeatSenderImpl struct {
	common.Component
	senderID  string
	subject   string
	publisher MessagePublisher
	timer     common.IntervalTimer

	lock  sync.Mutex
	specs map[livedata.LiveDataSpecification]bool
}

/*
GetHeartbeatSender define a HeartbeatSender

	@param ctxt context.Context - root context of the periodic send
	@param wg *sync.WaitGroup - wait group tracking the periodic send
	@param natsClient core.NatsClient - the NATS connection
	@param subject string - subject heartbeats are sent on
	@return new HeartbeatSender
*/
func GetHeartbeatSender(
	ctxt context.Context, wg *sync.WaitGroup, natsClient core.NatsClient, subject string,
) (HeartbeatSender, error) {
	return defineHeartbeatSender(ctxt, wg, natsClient.NATs(), subject)
}

func defineHeartbeatSender(
	ctxt context.Context, wg *sync.WaitGroup, publisher MessagePublisher, subject string,
) (HeartbeatSender, error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	senderID := uuid.NewString()
	timer, err := common.GetIntervalTimerInstance(fmt.Sprintf("heartbeat-%s", senderID), ctxt, wg)
	if err != nil {
		return nil, err
	}
	return &heartbeatSenderImpl{
		Component: common.NewComponent("dataplane", "heartbeat-sender", senderID),
		senderID:  senderID,
		subject:   subject,
		publisher: publisher,
		timer:     timer,
		specs:     make(map[livedata.LiveDataSpecification]bool),
	}, nil
}

func (s *heartbeatSenderImpl) SenderID() string {
	return s.senderID
}

func (s *heartbeatSenderImpl) AddSpecifications(specs ...livedata.LiveDataSpecification) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, spec := range specs {
		s.specs[spec] = true
	}
}

func (s *heartbeatSenderImpl) RemoveSpecifications(specs ...livedata.LiveDataSpecification) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, spec := range specs {
		delete(s.specs, spec)
	}
}

func (s *heartbeatSenderImpl) Specifications() []livedata.LiveDataSpecification {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]livedata.LiveDataSpecification, 0, len(s.specs))
	for spec := range s.specs {
		result = append(result, spec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].String() < result[j].String() })
	return result
}

func (s *heartbeatSenderImpl) SendHeartbeat(ctxt context.Context) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	specs := s.Specifications()
	if len(specs) == 0 {
		return nil
	}
	payload, err := json.Marshal(&livedata.HeartbeatMessage{
		SenderID: s.senderID, Specifications: specs,
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to serialize heartbeat")
		return err
	}
	if err := s.publisher.Publish(s.subject, payload); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to send heartbeat")
		return err
	}
	log.WithFields(s.LogTags).Debugf("Sent heartbeat for %d specifications", len(specs))
	return nil
}

func (s *heartbeatSenderImpl) Start(period time.Duration) error {
	return s.timer.Start(period, func() error {
		return s.SendHeartbeat(context.Background())
	}, false)
}

func (s *heartbeatSenderImpl) Stop() error {
	return s.timer.Stop()
}
