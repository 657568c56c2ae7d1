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
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/core"
	"github.com/alwitt/livedata/livedata"
	"github.com/alwitt/livedata/server"
	"github.com/apex/log"
	"github.com/segmentio/kafka-go"
)

// MessagePublisher fire-and-forget publish onto a subject. *nats.Conn is one.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// natsMarketDataSender implements server.MarketDataSender on NATS core publish
type natsMarketDataSender struct {
	common.Component
	publisher MessagePublisher
}

/*
GetNatsMarketDataSender define a server.MarketDataSender publishing updates as JSON
on the NATS subject named by the topic

	@param natsClient core.NatsClient - the NATS connection
	@param instance string - name of the sender
	@return new server.MarketDataSender
*/
func GetNatsMarketDataSender(
	natsClient core.NatsClient, instance string,
) (server.MarketDataSender, error) {
	return defineNatsMarketDataSender(natsClient.NATs(), instance)
}

func defineNatsMarketDataSender(
	publisher MessagePublisher, instance string,
) (server.MarketDataSender, error) {
	if publisher == nil {
		return nil, fmt.Errorf("NATS sender requires a connection")
	}
	return &natsMarketDataSender{
		Component: common.NewComponent("dataplane", "nats-sender", instance),
		publisher: publisher,
	}, nil
}

func (s *natsMarketDataSender) Send(
	ctxt context.Context, topic string, update livedata.LiveDataValueUpdate,
) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	if err := validateSubject(topic); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to send update")
		return err
	}
	payload, err := json.Marshal(&update)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to serialize update for %s", topic)
		return err
	}
	if err := s.publisher.Publish(topic, payload); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to publish to %s", topic)
		return err
	}
	return nil
}

// ==============================================================================

// KafkaWriter the part of kafka.Writer the sender uses
type KafkaWriter interface {
	WriteMessages(ctxt context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMarketDataSender implements server.MarketDataSender on Kafka. Each
// distribution topic is its own Kafka topic, keyed by the instrument.
type KafkaMarketDataSender struct {
	common.Component
	writer KafkaWriter
}

/*
GetKafkaMarketDataSender define a KafkaMarketDataSender from config

	@param cfg common.KafkaConfig - the brokers to write to
	@param instance string - name of the sender
	@return new KafkaMarketDataSender
*/
func GetKafkaMarketDataSender(
	cfg common.KafkaConfig, instance string,
) (*KafkaMarketDataSender, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sender requires brokers")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		WriteTimeout: time.Second * time.Duration(cfg.WriteTimeout),
		RequiredAcks: kafka.RequireOne,
	}
	return DefineKafkaMarketDataSender(writer, instance), nil
}

// DefineKafkaMarketDataSender define a KafkaMarketDataSender on an existing writer.
// The writer must not be bound to a single topic.
func DefineKafkaMarketDataSender(writer KafkaWriter, instance string) *KafkaMarketDataSender {
	return &KafkaMarketDataSender{
		Component: common.NewComponent("dataplane", "kafka-sender", instance),
		writer:    writer,
	}
}

// Send write one update to the topic's Kafka topic
func (s *KafkaMarketDataSender) Send(
	ctxt context.Context, topic string, update livedata.LiveDataValueUpdate,
) error {
	payload, err := json.Marshal(&update)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to serialize update for %s", topic)
		return err
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(update.Specification.Identifier.String()),
		Value: payload,
	}
	if err := s.writer.WriteMessages(ctxt, msg); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to write to %s", topic)
		return err
	}
	return nil
}

// Close flush and close the writer
func (s *KafkaMarketDataSender) Close() error {
	return s.writer.Close()
}
