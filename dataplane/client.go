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
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// MessageRequester request / reply over a subject. *nats.Conn is one.
type MessageRequester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// SubscriptionClient the consumer side of the subscription request exchange
type SubscriptionClient interface {
	/*
		Request send a subscription request and wait for the server's reply

		 @param ctxt context.Context - bounds the wait for the reply
		 @param request livedata.LiveDataSubscriptionRequest - the request
		 @return the responses, one per requested specification
	*/
	Request(
		ctxt context.Context, request livedata.LiveDataSubscriptionRequest,
	) (livedata.LiveDataSubscriptionResponseMsg, error)
}

// subscriptionClientImpl implements SubscriptionClient
type subscriptionClientImpl struct {
	common.Component
	subject   string
	requester MessageRequester
	validate  *validator.Validate
}

/*
GetSubscriptionClient define a SubscriptionClient

	@param natsClient core.NatsClient - the NATS connection
	@param subject string - subject the server answers requests on
	@return new SubscriptionClient
*/
func GetSubscriptionClient(natsClient core.NatsClient, subject string) (SubscriptionClient, error) {
	return defineSubscriptionClient(natsClient.NATs(), subject)
}

func defineSubscriptionClient(
	requester MessageRequester, subject string,
) (SubscriptionClient, error) {
	if requester == nil {
		return nil, fmt.Errorf("subscription client requires a connection")
	}
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	return &subscriptionClientImpl{
		Component: common.NewComponent("dataplane", "subscription-client", subject),
		subject:   subject,
		requester: requester,
		validate:  validator.New(),
	}, nil
}

func (c *subscriptionClientImpl) Request(
	ctxt context.Context, request livedata.LiveDataSubscriptionRequest,
) (livedata.LiveDataSubscriptionResponseMsg, error) {
	var reply livedata.LiveDataSubscriptionResponseMsg
	if err := c.validate.Struct(&request); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Invalid subscription request")
		return reply, err
	}
	payload, err := json.Marshal(&request)
	if err != nil {
		return reply, err
	}
	msg, err := c.requester.RequestWithContext(ctxt, c.subject, payload)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Request on %s failed", c.subject)
		return reply, err
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unreadable reply: %s", msg.Data)
		return reply, err
	}
	if len(reply.Responses) != len(request.Specifications) {
		return reply, fmt.Errorf(
			"reply holds %d responses for %d specifications",
			len(reply.Responses), len(request.Specifications),
		)
	}
	return reply, nil
}

// ==============================================================================

// UpdateHandler consumes the updates published on a topic
type UpdateHandler func(update livedata.LiveDataValueUpdate)

// UpdateReceiver the consumer side of a distributor topic
type UpdateReceiver interface {
	// Listen start consuming updates until the receiver's context ends
	Listen(wg *sync.WaitGroup) error
}

// updateReceiverImpl implements UpdateReceiver
type updateReceiverImpl struct {
	busReceiver
	handler UpdateHandler
}

/*
GetUpdateReceiver define an UpdateReceiver

	@param ctxt context.Context - the receiver stops listening when this ends
	@param natsClient core.NatsClient - the NATS connection
	@param topic string - distributor topic, a trailing ".>" wildcard is allowed
	@param handler UpdateHandler - consumes the updates
	@return new UpdateReceiver
*/
func GetUpdateReceiver(
	ctxt context.Context,
	natsClient core.NatsClient,
	topic string,
	handler UpdateHandler,
) (UpdateReceiver, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "update-receiver", "subject": topic,
	}
	if err := validateSubject(topic); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define update receiver")
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("update receiver requires a handler")
	}
	return &updateReceiverImpl{
		busReceiver: busReceiver{
			Component: common.Component{LogTags: logTags},
			subject:   topic,
			nats:      natsClient,
			validate:  validator.New(),
			ctxt:      ctxt,
		},
		handler: handler,
	}, nil
}

func (r *updateReceiverImpl) Listen(wg *sync.WaitGroup) error {
	return r.listen(wg, func(msg *nats.Msg) {
		_ = r.processUpdate(msg.Data)
	})
}

func (r *updateReceiverImpl) processUpdate(data []byte) error {
	var update livedata.LiveDataValueUpdate
	if err := decodeAndValidate(r.validate, data, &update); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Dropped update: %s", data)
		return err
	}
	r.handler(update)
	return nil
}
