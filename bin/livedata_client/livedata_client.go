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


package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/livedata/core"
	"github.com/alwitt/livedata/dataplane"
	"github.com/alwitt/livedata/livedata"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

type subjectArgs struct {
	Requests   string `json:"requests" validate:"required"`
	Heartbeats string `json:"heartbeats" validate:"required"`
}

type cmdArgs struct {
	JSONLog        bool
	LogLevel       string      `validate:"required,oneof=debug info warn error"`
	NATSServerURI  string      `json:"nats_server_uri" validate:"required,uri"`
	Subjects       subjectArgs `json:"subjects" validate:"required"`
	User           string      `json:"user" validate:"required"`
	RequestType    string      `json:"type" validate:"required,oneof=SNAPSHOT NON_PERSISTENT PERSISTENT"`
	Domain         string      `json:"domain" validate:"required"`
	RuleSet        string      `json:"rule_set" validate:"required"`
	RequestTimeout time.Duration
	HeartbeatEvery time.Duration
}

var args cmdArgs

func main() {
	app := &cli.App{
		Usage:       "live data consumer",
		Description: "Requests market data from a live data server and prints the updates",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &args.LogLevel,
				Required:    false,
			},
			// NATS
			&cli.StringFlag{
				Name:        "nats-server-uri",
				Usage:       "NATS server URI",
				Aliases:     []string{"n"},
				EnvVars:     []string{"NATS_SERVER_URI"},
				Value:       "nats://127.0.0.1:4222",
				DefaultText: "nats://127.0.0.1:4222",
				Destination: &args.NATSServerURI,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "request-subject",
				Usage:       "Subject the server answers subscription requests on",
				EnvVars:     []string{"REQUEST_SUBJECT"},
				Value:       "livedata.subscription",
				DefaultText: "livedata.subscription",
				Destination: &args.Subjects.Requests,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "heartbeat-subject",
				Usage:       "Subject the server receives heartbeats on",
				EnvVars:     []string{"HEARTBEAT_SUBJECT"},
				Value:       "livedata.heartbeat",
				DefaultText: "livedata.heartbeat",
				Destination: &args.Subjects.Heartbeats,
				Required:    false,
			},
			// Request
			&cli.StringFlag{
				Name:        "user",
				Usage:       "Requesting user",
				Aliases:     []string{"u"},
				EnvVars:     []string{"USER"},
				Value:       "livedata-client",
				DefaultText: "livedata-client",
				Destination: &args.User,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "type",
				Usage:       "Request type: [SNAPSHOT NON_PERSISTENT PERSISTENT]",
				Aliases:     []string{"t"},
				Value:       string(livedata.SubscriptionTypeNonPersistent),
				DefaultText: string(livedata.SubscriptionTypeNonPersistent),
				Destination: &args.RequestType,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "domain",
				Usage:       "Identifier scheme of the requested instruments",
				Aliases:     []string{"d"},
				Value:       "SIM",
				DefaultText: "SIM",
				Destination: &args.Domain,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "rule-set",
				Usage:       "Normalization rule set",
				Aliases:     []string{"r"},
				Value:       livedata.StandardRuleSetID,
				DefaultText: livedata.StandardRuleSetID,
				Destination: &args.RuleSet,
				Required:    false,
			},
			&cli.StringSliceFlag{
				Name:     "security-id",
				Usage:    "Unique ID of a requested instrument. Repeatable.",
				Aliases:  []string{"s"},
				Required: true,
			},
			&cli.DurationFlag{
				Name:        "request-timeout",
				Usage:       "Max wait for the server's reply",
				Value:       time.Second * 5,
				DefaultText: "5s",
				Destination: &args.RequestTimeout,
				Required:    false,
			},
			&cli.DurationFlag{
				Name:        "heartbeat-interval",
				Usage:       "Period between heartbeats for the subscribed instruments",
				Value:       time.Second * 10,
				DefaultText: "10s",
				Destination: &args.HeartbeatEvery,
				Required:    false,
			},
		},
		Action: startClient,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

func startClient(c *cli.Context) error {
	wg := sync.WaitGroup{}
	defer wg.Wait()
	opContext, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Double check the input
	{
		validate := validator.New()
		if err := validate.Struct(&args); err != nil {
			return err
		}
	}

	// Prepare the logging
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}

	{
		tmp, _ := json.Marshal(&args)
		log.Debugf("Starting params %s", tmp)
	}

	natsClient, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           args.NATSServerURI,
		ConnectTimeout:      time.Second * 5,
		MaxReconnectAttempt: -1,
		ReconnectWait:       time.Second,
	})
	if err != nil {
		log.WithError(err).Errorf("Failed to connect to %s", args.NATSServerURI)
		return err
	}
	defer natsClient.Close(context.Background())

	// Request the instruments
	request := livedata.LiveDataSubscriptionRequest{
		User: livedata.UserPrincipal{UserName: args.User},
		Type: livedata.SubscriptionType(args.RequestType),
	}
	for _, securityID := range c.StringSlice("security-id") {
		request.Specifications = append(
			request.Specifications,
			livedata.NewLiveDataSpecification(
				args.RuleSet, livedata.ExternalID{Scheme: args.Domain, Value: securityID},
			),
		)
	}
	client, err := dataplane.GetSubscriptionClient(natsClient, args.Subjects.Requests)
	if err != nil {
		log.WithError(err).Error("Failed to define subscription client")
		return err
	}
	var reply livedata.LiveDataSubscriptionResponseMsg
	{
		lclCtxt, lclCancel := context.WithTimeout(opContext, args.RequestTimeout)
		reply, err = client.Request(lclCtxt, request)
		lclCancel()
		if err != nil {
			log.WithError(err).Error("Subscription request failed")
			return err
		}
	}
	printJSON(reply)

	if request.Type == livedata.SubscriptionTypeSnapshot {
		return nil
	}

	// Follow the subscribed topics
	heartbeat, err := dataplane.GetHeartbeatSender(
		opContext, &wg, natsClient, args.Subjects.Heartbeats,
	)
	if err != nil {
		log.WithError(err).Error("Failed to define heartbeat sender")
		return err
	}
	following := 0
	for _, response := range reply.Responses {
		if response.Result != livedata.ResultSuccess || response.FullyQualifiedSpecification == nil {
			log.Warnf("Not following %s: %s", response.RequestedSpecification, response.Result)
			continue
		}
		receiver, err := dataplane.GetUpdateReceiver(
			opContext, natsClient, response.Topic, func(update livedata.LiveDataValueUpdate) {
				printJSON(update)
			},
		)
		if err != nil {
			log.WithError(err).Errorf("Failed to define receiver for %s", response.Topic)
			return err
		}
		if err := receiver.Listen(&wg); err != nil {
			return err
		}
		heartbeat.AddSpecifications(*response.FullyQualifiedSpecification)
		following++
	}
	if following == 0 {
		return fmt.Errorf("no instrument to follow")
	}
	if err := heartbeat.Start(args.HeartbeatEvery); err != nil {
		log.WithError(err).Error("Failed to start heartbeat sender")
		return err
	}
	defer func() {
		_ = heartbeat.Stop()
	}()

	cc := make(chan os.Signal, 1)
	signal.Notify(cc, os.Interrupt)
	<-cc
	return nil
}

func printJSON(value interface{}) {
	tmp, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		log.WithError(err).Error("Failed to encode output")
		return
	}
	fmt.Println(string(tmp))
}
