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


package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/livedata/adapter"
	"github.com/alwitt/livedata/apis"
	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/core"
	"github.com/alwitt/livedata/dataplane"
	"github.com/alwitt/livedata/livedata"
	"github.com/alwitt/livedata/lkv"
	"github.com/alwitt/livedata/persistence"
	"github.com/alwitt/livedata/server"
	"github.com/alwitt/livedata/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// closer is anything holding a connection that must be released on shutdown
type closer interface {
	Close() error
}

/*
defineLKVProvider build the last known value store provider

	@param ctxt context.Context - bounds the initial connection attempt
	@param config common.LKVConfig - store config
	@return the provider, and the backing store to close on shutdown if any
*/
func defineLKVProvider(
	ctxt context.Context, config common.LKVConfig,
) (lkv.LastKnownValueStoreProvider, closer, error) {
	switch config.Backend {
	case "redis":
		if config.Redis == nil {
			return nil, nil, fmt.Errorf("redis LKV backend requires redis config")
		}
		backing, err := lkv.ConnectRedisBackingStore(ctxt, *config.Redis)
		if err != nil {
			return nil, nil, err
		}
		return lkv.BackedStoreProvider{
			Backing: backing,
			Timeout: time.Second * time.Duration(config.Redis.Timeout),
		}, backing, nil
	default:
		return lkv.MemoryStoreProvider{}, nil, nil
	}
}

/*
definePersistentStore build the persistent subscription store

	@param config common.PersistenceConfig - store config
	@return the store, nil if persistence is disabled
*/
func definePersistentStore(
	config common.PersistenceConfig,
) (storage.PersistentSubscriptionStore, error) {
	switch config.Backend {
	case "memory":
		return storage.NewMemoryPersistentSubscriptionStore(), nil
	case "etcd":
		if config.Etcd == nil {
			return nil, fmt.Errorf("etcd persistence backend requires etcd config")
		}
		return storage.CreateEtcdPersistentSubscriptionStore(*config.Etcd)
	case "badger":
		if config.Badger == nil {
			return nil, fmt.Errorf("badger persistence backend requires badger config")
		}
		return storage.CreateBadgerPersistentSubscriptionStore(*config.Badger)
	default:
		return nil, nil
	}
}

/*
defineSenders build the market data senders

	@param natsClient core.NatsClient - the NATS connection
	@param config common.DistributionConfig - sender config
	@param instance string - server instance name
	@return the senders, and the ones to close on shutdown
*/
func defineSenders(
	natsClient core.NatsClient, config common.DistributionConfig, instance string,
) ([]server.MarketDataSender, []closer, error) {
	senderTypes := config.Senders
	if len(senderTypes) == 0 {
		senderTypes = []string{"nats"}
	}
	senders := []server.MarketDataSender{}
	closers := []closer{}
	for _, senderType := range senderTypes {
		switch senderType {
		case "nats":
			sender, err := dataplane.GetNatsMarketDataSender(natsClient, instance)
			if err != nil {
				return nil, closers, err
			}
			senders = append(senders, sender)
		case "kafka":
			if config.Kafka == nil {
				return nil, closers, fmt.Errorf("kafka sender requires kafka config")
			}
			sender, err := dataplane.GetKafkaMarketDataSender(*config.Kafka, instance)
			if err != nil {
				return nil, closers, err
			}
			senders = append(senders, sender)
			closers = append(closers, sender)
		case "none":
		default:
			return nil, closers, fmt.Errorf("unknown sender type %s", senderType)
		}
	}
	return senders, closers, nil
}

// seconds convert a config value in seconds
func seconds(value int) time.Duration {
	return time.Second * time.Duration(value)
}

/*
RunLiveDataServer run the live data server until the runtime context ends

	@param runTimeContext context.Context - the server shuts down when this ends
	@param config *common.SystemConfig - system config
	@param hostname string - host the process runs on
	@param natsClient core.NatsClient - the NATS connection
	@param wg *sync.WaitGroup - wait group tracking the support goroutines
*/
func RunLiveDataServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	hostname string,
	natsClient core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "livedata",
		"instance":  hostname,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}
	ldConfig := config.LiveData
	timing := ldConfig.Timing

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Components

	feed, err := adapter.NewSimulatedFeedFromConfig(ldConfig.Feed)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define feed")
		return err
	}

	lkvProvider, lkvCloser, err := defineLKVProvider(localCtxt, ldConfig.LKV)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define LKV store")
		return err
	}
	if lkvCloser != nil {
		defer func() {
			if err := lkvCloser.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to close LKV store")
			}
		}()
	}

	senders, senderClosers, err := defineSenders(
		natsClient, ldConfig.Distribution, ldConfig.Instance,
	)
	for _, oneCloser := range senderClosers {
		defer func(c closer) {
			if err := c.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to close sender")
			}
		}(oneCloser)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define senders")
		return err
	}

	heartbeatPeriod := seconds(timing.HeartbeatPeriod)
	extension := seconds(timing.ExpiryExtension)
	if extension <= 0 {
		extension = heartbeatPeriod * 3
	}

	liveServer, err := server.DefineLiveDataServer(server.LiveDataServerParams{
		Instance: ldConfig.Instance,
		Adapter:  feed,
		Resolver: livedata.NewNaiveDistributionSpecificationResolver(
			livedata.DefaultRuleSetSource(), feed.UniqueIDDomain(), "",
		),
		Entitlements:     livedata.PermissiveEntitlementChecker(),
		LKVProvider:      lkvProvider,
		Senders:          senders,
		DefaultRuleSetID: ldConfig.DefaultRuleSet,
		ExpiryExtension:  extension,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define live data server")
		return err
	}
	frontEnd, err := server.NewCombiningServer(liveServer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request front end")
		return err
	}

	expiration, err := server.GetExpirationManager(
		localCtxt, wg, liveServer, heartbeatPeriod, extension, seconds(timing.ExpiryCheckPeriod),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define expiration manager")
		return err
	}
	dispatcher, err := server.GetEventDispatcher(
		localCtxt, wg, liveServer, feed, time.Millisecond*time.Duration(timing.DispatchWait),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event dispatcher")
		return err
	}
	reconnect, err := server.GetReconnectManager(
		localCtxt, wg, liveServer, dispatcher, seconds(timing.ReconnectPeriod),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define reconnect manager")
		return err
	}

	// Persistent subscriptions
	var persistent persistence.PersistentSubscriptionManager
	store, err := definePersistentStore(ldConfig.Persistence)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define persistent store")
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to close persistent store")
			}
		}()
		tp, err := common.GetNewTaskProcessorInstance(localCtxt, "persistence", 16)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
			return err
		}
		persistent, err = persistence.DefinePersistentSubscriptionManager(
			localCtxt,
			wg,
			liveServer,
			store,
			tp,
			seconds(ldConfig.Persistence.StoreTimeout),
			seconds(timing.PersistentSavePeriod),
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define persistence manager")
			return err
		}
		// Restores that failed while the feed was down are retried once it is back
		reconnect.AddReconnectHook(func() error {
			return persistent.Refresh(localCtxt)
		})
		if err := tp.StartEventLoop(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start task processor")
			return err
		}
		defer func() {
			if err := tp.StopEventLoop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to stop task processor")
			}
		}()
	}

	requestReceiver, err := dataplane.GetSubscriptionRequestReceiver(
		localCtxt, natsClient, ldConfig.Subjects.SubscriptionRequests, frontEnd,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request receiver")
		return err
	}
	heartbeatReceiver, err := dataplane.GetHeartbeatReceiver(
		localCtxt, natsClient, ldConfig.Subjects.Heartbeats, expiration,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat receiver")
		return err
	}

	// -------------------------------------------------------------------
	// Start everything

	// A feed that is down at startup is picked up by the reconnect manager
	if err := frontEnd.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Feed not available at startup")
	} else if err := dispatcher.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event dispatcher")
		return err
	}
	defer func() {
		if err := dispatcher.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop event dispatcher")
		}
		if err := frontEnd.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to disconnect feed")
		}
	}()

	if err := expiration.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start expiration manager")
		return err
	}
	defer func() {
		_ = expiration.Stop()
	}()
	if err := reconnect.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start reconnect manager")
		return err
	}
	defer func() {
		_ = reconnect.Stop()
	}()

	if persistent != nil {
		if err := persistent.Start(localCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start persistence manager")
			return err
		}
		defer func() {
			_ = persistent.Stop()
		}()
	}

	if err := requestReceiver.Listen(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to listen for subscription requests")
		return err
	}
	if err := heartbeatReceiver.Listen(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to listen for heartbeats")
		return err
	}

	// -------------------------------------------------------------------
	// Start the management HTTP server

	var httpSrv *http.Server
	if config.Management != nil {
		httpSrv, err = startManagementServer(
			config.Management, liveServer, persistent, lclCancel, logTags,
		)
		if err != nil {
			return err
		}
	}

	log.WithFields(logTags).Infof(
		"Live data server %s running on domain %s", ldConfig.Instance, feed.UniqueIDDomain(),
	)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

/*
startManagementServer start the management API HTTP server

	@param config *common.ManagementServerConfig - server config
	@param liveServer server.LiveDataServer - the server being operated
	@param persistent persistence.PersistentSubscriptionManager - optional
	@param onShutdown func() - called when the HTTP server shuts down
	@param logTags log.Fields - caller log tags
	@return the running HTTP server
*/
func startManagementServer(
	config *common.ManagementServerConfig,
	liveServer server.LiveDataServer,
	persistent persistence.PersistentSubscriptionManager,
	onShutdown func(),
	logTags log.Fields,
) (*http.Server, error) {
	httpHandler, err := apis.GetAPIRestLiveDataManagementHandler(
		liveServer, persistent, &config.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return nil, err
	}

	router := apis.BuildManagementRouter(httpHandler, config.Endpoints.PathPrefix)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: seconds(serverCfg.WriteTimeout),
		ReadTimeout:  seconds(serverCfg.ReadTimeout),
		IdleTimeout:  seconds(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(onShutdown)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)
	return httpSrv, nil
}
