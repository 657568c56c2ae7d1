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
	"sync"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/core"
	"github.com/alwitt/livedata/livedata"
	"github.com/alwitt/livedata/metrics"
	"github.com/alwitt/livedata/server"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// busReceiver subscription bookkeeping shared by the receivers
type busReceiver struct {
	common.Component
	subject    string
	nats       core.NatsClient
	lock       sync.Mutex
	subscribed bool
	validate   *validator.Validate
	ctxt       context.Context
}

// listen subscribe the handler to the subject until the context ends
func (r *busReceiver) listen(wg *sync.WaitGroup, handler nats.MsgHandler) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.subscribed {
		return fmt.Errorf("already subscribed to %s", r.subject)
	}
	sub, err := r.nats.NATs().Subscribe(r.subject, handler)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to subscribe to %s", r.subject)
		return err
	}
	r.subscribed = true
	// Unsubscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", r.subject,
			)
		}
		log.WithFields(r.LogTags).Infof("Unsubscribed from %s", r.subject)
	}()
	log.WithFields(r.LogTags).Infof("Listening on %s", r.subject)
	return nil
}

// ==============================================================================

// SubscriptionRequestReceiver answers consumer subscription requests made with
// NATS request / reply
type SubscriptionRequestReceiver interface {
	// Listen start answering requests until the receiver's context ends
	Listen(wg *sync.WaitGroup) error
}

// subscriptionRequestReceiverImpl implements SubscriptionRequestReceiver
type subscriptionRequestReceiverImpl struct {
	busReceiver
	handler server.SubscriptionRequestHandler
}

/*
GetSubscriptionRequestReceiver define a SubscriptionRequestReceiver

	@param ctxt context.Context - the receiver stops listening when this ends
	@param natsClient core.NatsClient - the NATS connection
	@param subject string - subject requests arrive on
	@param handler server.SubscriptionRequestHandler - processes the requests
	@return new SubscriptionRequestReceiver
*/
func GetSubscriptionRequestReceiver(
	ctxt context.Context,
	natsClient core.NatsClient,
	subject string,
	handler server.SubscriptionRequestHandler,
) (SubscriptionRequestReceiver, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "subscription-request-receiver", "subject": subject,
	}
	if err := validateSubject(subject); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request receiver")
		return nil, err
	}
	return &subscriptionRequestReceiverImpl{
		busReceiver: busReceiver{
			Component: common.Component{LogTags: logTags},
			subject:   subject,
			nats:      natsClient,
			validate:  validator.New(),
			ctxt:      ctxt,
		},
		handler: handler,
	}, nil
}

func (r *subscriptionRequestReceiverImpl) Listen(wg *sync.WaitGroup) error {
	return r.listen(wg, func(msg *nats.Msg) {
		reply, err := r.processRequest(msg.Data)
		if err != nil {
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.WithError(err).WithFields(r.LogTags).Error("Failed to send reply")
		}
	})
}

// processRequest decode a request, run it, and encode the reply. Requests which
// parse but fail validation get INTERNAL_ERROR for every specification. A request
// which does not parse gets an empty batch so the requester fails fast.
func (r *subscriptionRequestReceiverImpl) processRequest(data []byte) ([]byte, error) {
	var request livedata.LiveDataSubscriptionRequest
	reply := livedata.LiveDataSubscriptionResponseMsg{
		Responses: []livedata.LiveDataSubscriptionResponse{},
	}
	if err := json.Unmarshal(data, &request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to read request: %s", data)
	} else if err := r.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Rejected request: %s", data)
		reply.RequestingUser = request.User
		reply.Responses = make([]livedata.LiveDataSubscriptionResponse, len(request.Specifications))
		for idx, spec := range request.Specifications {
			reply.Responses[idx] = livedata.NewFailedResponse(
				spec, livedata.ResultInternalError, err.Error(),
			)
		}
	} else {
		log.WithFields(r.LogTags).Debugf(
			"%s request from %s for %d specifications",
			request.Type, request.User, len(request.Specifications),
		)
		reply = r.handler.SubscriptionRequestMade(request)
	}
	encoded, err := json.Marshal(&reply)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to encode reply")
		return nil, err
	}
	return encoded, nil
}

// ==============================================================================

// HeartbeatHandler what a heartbeat receiver forwards to.
// server.ExpirationManager is one.
type HeartbeatHandler interface {
	ExtendPublicationTimeout(specs []livedata.LiveDataSpecification) int
}

// HeartbeatReceiver consumes consumer heartbeats from NATS
type HeartbeatReceiver interface {
	// Listen start consuming heartbeats until the receiver's context ends
	Listen(wg *sync.WaitGroup) error
}

// heartbeatReceiverImpl implements HeartbeatReceiver
type heartbeatReceiverImpl struct {
	busReceiver
	handler HeartbeatHandler
}

/*
GetHeartbeatReceiver define a HeartbeatReceiver

	@param ctxt context.Context - the receiver stops listening when this ends
	@param natsClient core.NatsClient - the NATS connection
	@param subject string - subject heartbeats arrive on
	@param handler HeartbeatHandler - extends the expiry of the named distributors
	@return new HeartbeatReceiver
*/
func GetHeartbeatReceiver(
	ctxt context.Context,
	natsClient core.NatsClient,
	subject string,
	handler HeartbeatHandler,
) (HeartbeatReceiver, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "heartbeat-receiver", "subject": subject,
	}
	if err := validateSubject(subject); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat receiver")
		return nil, err
	}
	return &heartbeatReceiverImpl{
		busReceiver: busReceiver{
			Component: common.Component{LogTags: logTags},
			subject:   subject,
			nats:      natsClient,
			validate:  validator.New(),
			ctxt:      ctxt,
		},
		handler: handler,
	}, nil
}

func (r *heartbeatReceiverImpl) Listen(wg *sync.WaitGroup) error {
	return r.listen(wg, func(msg *nats.Msg) {
		_, _ = r.processHeartbeat(msg.Data)
	})
}

// processHeartbeat returns the number of distributors extended
func (r *heartbeatReceiverImpl) processHeartbeat(data []byte) (int, error) {
	var heartbeat livedata.HeartbeatMessage
	if err := decodeAndValidate(r.validate, data, &heartbeat); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Dropped heartbeat: %s", data)
		return 0, err
	}
	metrics.HeartbeatsReceived.Inc()
	extended := r.handler.ExtendPublicationTimeout(heartbeat.Specifications)
	log.WithFields(r.LogTags).Debugf(
		"Heartbeat from %s extended %d of %d",
		heartbeat.SenderID, extended, len(heartbeat.Specifications),
	)
	return extended, nil
}
