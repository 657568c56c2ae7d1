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
	"sync"
	"time"

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/alwitt/livedata/storage"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

type cmdArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	Backend    string `validate:"required,oneof=etcd badger"`
	EtcdHost   string `validate:"required_if=Backend etcd"`
	BadgerPath string
	StoreKey   string `validate:"required"`
	SetSize    int    `validate:"gte=1"`
	Threads    int    `validate:"gte=1"`
	Iterations int    `validate:"gte=1"`
}

var args cmdArgs

func main() {
	storeKey := fmt.Sprintf("livedata-bench-%s", uuid.New().String())

	app := &cli.App{
		Usage:       "persistent subscription store throughput",
		Description: "Times whole-set replace / read cycles against a persistent subscription store",
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
			&cli.StringFlag{
				Name:        "backend",
				Usage:       "Store backend: [etcd badger]",
				EnvVars:     []string{"STORE_BACKEND"},
				Aliases:     []string{"b"},
				Value:       "etcd",
				DefaultText: "etcd",
				Destination: &args.Backend,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "etcd-host",
				Usage:       "ETCD server host name",
				EnvVars:     []string{"ETCD_HOST"},
				Aliases:     []string{"s"},
				Value:       "localhost:2379",
				DefaultText: "localhost:2379",
				Destination: &args.EtcdHost,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "badger-path",
				Usage:       "Badger data directory. In-memory if empty.",
				EnvVars:     []string{"BADGER_PATH"},
				Aliases:     []string{"p"},
				Value:       "",
				DefaultText: "",
				Destination: &args.BadgerPath,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "store-key",
				Usage:       "Key the subscription set is written under",
				EnvVars:     []string{"STORE_KEY"},
				Aliases:     []string{"k"},
				Value:       storeKey,
				DefaultText: storeKey,
				Destination: &args.StoreKey,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "set-size",
				Usage:       "Number of specifications in each written set",
				EnvVars:     []string{"SET_SIZE"},
				Aliases:     []string{"n"},
				Value:       100,
				DefaultText: "100",
				Destination: &args.SetSize,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "threads",
				Usage:       "Number of test threads",
				EnvVars:     []string{"TEST_THREADS"},
				Aliases:     []string{"t"},
				Value:       2,
				DefaultText: "2",
				Destination: &args.Threads,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "iterations",
				Usage:       "Number of replace / read cycles per thread",
				EnvVars:     []string{"TEST_ITERATIONS"},
				Aliases:     []string{"c"},
				Value:       10,
				DefaultText: "10",
				Destination: &args.Iterations,
				Required:    false,
			},
		},
		Action: runBenchmark,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

// defineStores etcd gets one client per thread. Badger owns its directory,
// so every thread shares one store.
func defineStores() ([]storage.PersistentSubscriptionStore, error) {
	stores := make([]storage.PersistentSubscriptionStore, args.Threads)
	if args.Backend == "badger" {
		store, err := storage.CreateBadgerPersistentSubscriptionStore(common.BadgerConfig{
			Path:     args.BadgerPath,
			InMemory: args.BadgerPath == "",
			Key:      args.StoreKey,
		})
		if err != nil {
			return nil, err
		}
		for itr := range stores {
			stores[itr] = store
		}
		return stores, nil
	}
	for itr := range stores {
		store, err := storage.CreateEtcdPersistentSubscriptionStore(common.EtcdConfig{
			Endpoints:   []string{args.EtcdHost},
			DialTimeout: 1,
			Key:         args.StoreKey,
		})
		if err != nil {
			return nil, err
		}
		stores[itr] = store
	}
	return stores, nil
}

func runBenchmark(c *cli.Context) error {
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

	stores, err := defineStores()
	if err != nil {
		log.WithError(err).Errorf("Failed to define %s store", args.Backend)
		return err
	}

	specs := make([]livedata.LiveDataSpecification, args.SetSize)
	for itr := range specs {
		specs[itr] = livedata.NewLiveDataSpecification(
			livedata.StandardRuleSetID,
			livedata.ExternalID{Scheme: "BENCH", Value: fmt.Sprintf("ID%06d", itr)},
		)
	}

	// Start the tests
	testDurations := make([]time.Duration, args.Threads)
	wg := sync.WaitGroup{}
	testFunction := func(index int) {
		defer wg.Done()
		startTime := time.Now()
		for itr := 0; itr < args.Iterations; itr++ {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
			if err := stores[index].ReplaceAll(ctxt, specs); err != nil {
				log.WithError(err).Errorf("Replace %s failed", args.StoreKey)
			}
			if _, err := stores[index].ReadAll(ctxt); err != nil {
				log.WithError(err).Errorf("Read %s failed", args.StoreKey)
			}
			cancel()
		}
		testDurations[index] = time.Since(startTime)
	}
	wg.Add(args.Threads)
	for itr := 0; itr < args.Threads; itr++ {
		go testFunction(itr)
	}
	// Wait for all test threads to exit
	wg.Wait()

	// Get average replace / read time
	avgCycle := time.Second * 0
	for _, totalTime := range testDurations {
		avgCycle += totalTime / time.Duration(args.Iterations)
	}
	avgCycleMs := float64(avgCycle) / float64(time.Millisecond) / float64(args.Threads)
	log.Infof("AVG Replace / Read Cycle (%d specs): %.03f ms", args.SetSize, avgCycleMs)

	closed := map[storage.PersistentSubscriptionStore]bool{}
	for _, store := range stores {
		if closed[store] {
			continue
		}
		closed[store] = true
		if err := store.Close(); err != nil {
			log.WithError(err).Errorf("Failed to close %s store", args.Backend)
		}
	}
	return nil
}
