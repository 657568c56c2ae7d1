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

// Package core holds the message bus connection shared by the data plane
package core

import (
	"context"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameters
type NATSConnectParams struct {
	// ServerURI NATS server URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NATSConnectParamsFromConfig build connection parameters from config
func NATSConnectParamsFromConfig(cfg common.NATSConfig) NATSConnectParams {
	return NATSConnectParams{
		ServerURI:           cfg.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(cfg.ConnectTimeout),
		MaxReconnectAttempt: cfg.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(cfg.Reconnect.WaitInterval),
	}
}

// NatsClient the live data server's NATS connection
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close flush pending publishes then close the connection
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// NATs fetch the NATS connection
func (c NatsClient) NATs() *nats.Conn {
	return c.nc
}

// GetNatsClient connect to NATS
func GetNatsClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	opts := []nats.Option{
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
	}
	if param.OnDisconnectCallback != nil {
		opts = append(opts, nats.DisconnectErrHandler(param.OnDisconnectCallback))
	}
	if param.OnReconnectCallback != nil {
		opts = append(opts, nats.ReconnectHandler(param.OnReconnectCallback))
	}
	if param.OnCloseCallback != nil {
		opts = append(opts, nats.ClosedHandler(param.OnCloseCallback))
	}
	nc, err := nats.Connect(param.ServerURI, opts...)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NatsClient{Component: common.Component{LogTags: logTags}, nc: nc}, nil
}
