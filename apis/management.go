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

package apis

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/alwitt/livedata/persistence"
	"github.com/alwitt/livedata/server"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultRequestIDHeader carries the request ID when the config names none
const defaultRequestIDHeader = "Livedata-Request-ID"

// APIRestLiveDataManagementHandler REST handler for operating a live data server
type APIRestLiveDataManagementHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
	server          server.LiveDataServer
	persistent      persistence.PersistentSubscriptionManager
}

/*
GetAPIRestLiveDataManagementHandler define APIRestLiveDataManagementHandler

	@param liveServer server.LiveDataServer - the server being operated
	@param persistent persistence.PersistentSubscriptionManager - optional, manages
	    the persistent subscriptions
	@param httpConfig *common.HTTPConfig - HTTP request logging config
	@return new handler
*/
func GetAPIRestLiveDataManagementHandler(
	liveServer server.LiveDataServer,
	persistent persistence.PersistentSubscriptionManager,
	httpConfig *common.HTTPConfig,
) (APIRestLiveDataManagementHandler, error) {
	if liveServer == nil {
		return APIRestLiveDataManagementHandler{}, fmt.Errorf("no live data server given")
	}
	logTags := log.Fields{
		"module": "apis", "component": "management", "instance": liveServer.Instance(),
	}
	var logCfg common.HTTPRequestLogging
	if httpConfig != nil {
		logCfg = httpConfig.Logging
	}
	requestIDHeader := logCfg.RequestIDHeader
	if requestIDHeader == "" {
		requestIDHeader = defaultRequestIDHeader
	}
	return APIRestLiveDataManagementHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &requestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range logCfg.DoNotLogHeaders {
					result[http.CanonicalHeaderKey(v)] = true
				}
				return result
			}(),
		},
		requestIDHeader: requestIDHeader,
		server:          liveServer,
		persistent:      persistent,
	}, nil
}

// Write logging support
func (h APIRestLiveDataManagementHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// writeOrLog write the response with the request ID echoed, logging any failure
func (h APIRestLiveDataManagementHandler) writeOrLog(
	w http.ResponseWriter, r *http.Request, respCode int, respBody interface{},
) {
	headers := map[string]string{
		h.requestIDHeader: h.ReadRequestIDFromContext(r.Context()),
	}
	if err := h.WriteRESTResponse(w, respCode, respBody, headers); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}

// readSecurityID fetch the instrument ID path variable
func readSecurityID(r *http.Request) (string, error) {
	securityID, ok := mux.Vars(r)["securityID"]
	if !ok || securityID == "" {
		return "", fmt.Errorf("no security ID provided")
	}
	return securityID, nil
}

// subscribeErrorCode HTTP code for a failed subscribe call
func subscribeErrorCode(err error) int {
	if errors.Is(err, server.ErrNotConnected) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For management REST API liveness check
// @Description Will return success to indicate management REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/admin/alive [get]
func (h APIRestLiveDataManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.writeOrLog(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestLiveDataManagementHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Alive)
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For management REST API readiness check
// @Description Will return success if the server is connected to its feed
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/ready [get]
func (h APIRestLiveDataManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if status := h.server.ConnectionStatus(); status != server.Connected {
		h.writeOrLog(w, r, http.StatusServiceUnavailable, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, "not ready", status.String(),
		))
		return
	}
	h.writeOrLog(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h APIRestLiveDataManagementHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Ready)
}

// -----------------------------------------------------------------------

// APIRestRespStats server counters
type APIRestRespStats struct {
	goutils.RestAPIBaseResponse
	// ConnectionStatus is the feed connection state
	ConnectionStatus string `json:"connection_status"`
	// ActiveSubscriptions is the number of instruments subscribed with the feed
	ActiveSubscriptions int `json:"active_subscriptions"`
	// ActiveDistributors is the number of distributors
	ActiveDistributors int `json:"active_distributors"`
	// UpdatesReceived is the number of raw updates received from the feed
	UpdatesReceived int64 `json:"updates_received"`
	// UpdateRate is the recent rate of raw updates per second
	UpdateRate float64 `json:"update_rate"`
}

// GetStats godoc
// @Summary Server counters
// @Description Connection status, subscription counts, and feed update rate
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespStats "success"
// @Router /v1/admin/stats [get]
func (h APIRestLiveDataManagementHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.writeOrLog(w, r, http.StatusOK, APIRestRespStats{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		ConnectionStatus:    h.server.ConnectionStatus().String(),
		ActiveSubscriptions: h.server.GetNumActiveSubscriptions(),
		ActiveDistributors:  len(h.server.GetMarketDataDistributors()),
		UpdatesReceived:     h.server.GetNumMarketDataUpdatesReceived(),
		UpdateRate:          h.server.GetUpdateRate(),
	})
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestLiveDataManagementHandler) GetStatsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetStats)
}

// -----------------------------------------------------------------------

// APIRestRespAllSubscriptions response for listing all subscriptions
type APIRestRespAllSubscriptions struct {
	goutils.RestAPIBaseResponse
	// Subscriptions are the active subscriptions
	Subscriptions []server.SubscriptionTrace `json:"subscriptions"`
}

// GetAllSubscriptions godoc
// @Summary Query for info on all subscriptions
// @Description Query for the details of every active subscription
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespAllSubscriptions "success"
// @Router /v1/admin/subscription [get]
func (h APIRestLiveDataManagementHandler) GetAllSubscriptions(
	w http.ResponseWriter, r *http.Request,
) {
	traces := make([]server.SubscriptionTrace, 0)
	for _, securityID := range h.server.GetActiveSubscriptionIDs() {
		// Could be gone since the listing
		if trace, err := h.server.GetSubscriptionTrace(securityID); err == nil {
			traces = append(traces, trace)
		}
	}
	h.writeOrLog(w, r, http.StatusOK, APIRestRespAllSubscriptions{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Subscriptions: traces,
	})
}

// GetAllSubscriptionsHandler Wrapper around GetAllSubscriptions
func (h APIRestLiveDataManagementHandler) GetAllSubscriptionsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetAllSubscriptions)
}

// -----------------------------------------------------------------------

// APIRestRespOneSubscription response for one subscription
type APIRestRespOneSubscription struct {
	goutils.RestAPIBaseResponse
	// Subscription is the subscription's state
	Subscription server.SubscriptionTrace `json:"subscription"`
}

// GetSubscription godoc
// @Summary Query for info on one subscription
// @Description Trace one subscription and its distributors
// @tags Management
// @Produce json
// @Param securityID path string true "Instrument ID within the feed's domain"
// @Success 200 {object} APIRestRespOneSubscription "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/subscription/{securityID} [get]
func (h APIRestLiveDataManagementHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.writeOrLog(w, r, respCode, respBody)
	}()

	securityID, err := readSecurityID(r)
	if err != nil {
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "Bad request", err.Error())
		return
	}
	trace, err := h.server.GetSubscriptionTrace(securityID)
	if err != nil {
		msg := fmt.Sprintf("No subscription for %s", securityID)
		log.WithError(err).WithFields(localLogTags).Debug(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespOneSubscription{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Subscription: trace,
	}
}

// GetSubscriptionHandler Wrapper around GetSubscription
func (h APIRestLiveDataManagementHandler) GetSubscriptionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetSubscription)
}

// -----------------------------------------------------------------------

// APIRestRespSubscribe response for a subscribe call
type APIRestRespSubscribe struct {
	goutils.RestAPIBaseResponse
	// Response is the outcome of the subscribe
	Response livedata.LiveDataSubscriptionResponse `json:"response"`
}

// Subscribe godoc
// @Summary Subscribe to an instrument
// @Description Subscribe to an instrument using the server's default rule set
// @tags Management
// @Produce json
// @Param securityID path string true "Instrument ID within the feed's domain"
// @Param persistent query bool false "Whether the subscription is persistent"
// @Success 200 {object} APIRestRespSubscribe "success"
// @Failure 400 {object} APIRestRespSubscribe "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/subscription/{securityID} [post]
func (h APIRestLiveDataManagementHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.subscribe(w, r, false)
}

// subscribe subscribe by ID, persistent if forced or asked for
func (h APIRestLiveDataManagementHandler) subscribe(
	w http.ResponseWriter, r *http.Request, forcePersistent bool,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.writeOrLog(w, r, respCode, respBody)
	}()

	securityID, err := readSecurityID(r)
	if err != nil {
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "Bad request", err.Error())
		return
	}
	persistent := forcePersistent
	if raw := r.URL.Query().Get("persistent"); raw != "" && !forcePersistent {
		if persistent, err = strconv.ParseBool(raw); err != nil {
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), respCode, "Invalid 'persistent' parameter", err.Error(),
			)
			return
		}
	}

	var resp livedata.LiveDataSubscriptionResponse
	if persistent && h.persistent != nil {
		resp, err = h.persistent.AddPersistentSubscriptionByID(r.Context(), securityID)
		if err != nil && resp.Result != "" {
			// Subscribe went through but was refused
			err = nil
		}
	} else {
		resp, err = h.server.Subscribe(securityID, persistent)
	}
	if err != nil {
		msg := fmt.Sprintf("Failed to subscribe to %s", securityID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = subscribeErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if resp.Result != livedata.ResultSuccess {
		respCode = http.StatusBadRequest
		respBody = APIRestRespSubscribe{
			RestAPIBaseResponse: h.GetStdRESTErrorMsg(
				r.Context(), respCode, string(resp.Result), resp.Message,
			),
			Response: resp,
		}
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespSubscribe{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Response: resp,
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestLiveDataManagementHandler) SubscribeHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Subscribe)
}

// -----------------------------------------------------------------------

// Unsubscribe godoc
// @Summary Drop a subscription
// @Description Drop an instrument's subscription and all of its distributors
// @tags Management
// @Produce json
// @Param securityID path string true "Instrument ID within the feed's domain"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/subscription/{securityID} [delete]
func (h APIRestLiveDataManagementHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.writeOrLog(w, r, respCode, respBody)
	}()

	securityID, err := readSecurityID(r)
	if err != nil {
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "Bad request", err.Error())
		return
	}
	found, err := h.server.UnsubscribeByID(securityID)
	if err != nil {
		msg := fmt.Sprintf("Failed to unsubscribe from %s", securityID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = subscribeErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if !found {
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), respCode, fmt.Sprintf("No subscription for %s", securityID), "",
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestLiveDataManagementHandler) UnsubscribeHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Unsubscribe)
}

// -----------------------------------------------------------------------

// APIRestRespTopic one distribution target
type APIRestRespTopic struct {
	// Specification is the fully qualified specification
	Specification livedata.LiveDataSpecification `json:"specification"`
	// Topic is where updates are published
	Topic string `json:"topic"`
}

// APIRestRespAllTopics response for listing distribution targets
type APIRestRespAllTopics struct {
	goutils.RestAPIBaseResponse
	// Topics are the active distribution targets
	Topics []APIRestRespTopic `json:"topics"`
}

// GetAllTopics godoc
// @Summary List distribution topics
// @Description List every active distribution specification and its topic
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespAllTopics "success"
// @Router /v1/admin/topic [get]
func (h APIRestLiveDataManagementHandler) GetAllTopics(w http.ResponseWriter, r *http.Request) {
	topics := make([]APIRestRespTopic, 0)
	for _, spec := range h.server.GetActiveDistributionSpecs() {
		topics = append(topics, APIRestRespTopic{
			Specification: spec.FullyQualifiedSpec(), Topic: spec.Topic(),
		})
	}
	h.writeOrLog(w, r, http.StatusOK, APIRestRespAllTopics{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Topics: topics,
	})
}

// GetAllTopicsHandler Wrapper around GetAllTopics
func (h APIRestLiveDataManagementHandler) GetAllTopicsHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetAllTopics)
}

// -----------------------------------------------------------------------

// APIRestRespPersistent response for listing persistent subscriptions
type APIRestRespPersistent struct {
	goutils.RestAPIBaseResponse
	// Specifications are the persistent specifications
	Specifications []livedata.LiveDataSpecification `json:"specifications"`
}

// noPersistence reply when persistence is not configured. Returns true if so.
func (h APIRestLiveDataManagementHandler) noPersistence(
	w http.ResponseWriter, r *http.Request,
) bool {
	if h.persistent != nil {
		return false
	}
	h.writeOrLog(w, r, http.StatusNotImplemented, h.GetStdRESTErrorMsg(
		r.Context(), http.StatusNotImplemented, "Persistence not configured", "",
	))
	return true
}

// GetPersistent godoc
// @Summary List persistent subscriptions
// @Description List the persistent specifications as of the last refresh or save
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespPersistent "success"
// @Failure 501 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/persistent [get]
func (h APIRestLiveDataManagementHandler) GetPersistent(w http.ResponseWriter, r *http.Request) {
	if h.noPersistence(w, r) {
		return
	}
	h.writeOrLog(w, r, http.StatusOK, APIRestRespPersistent{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Specifications:      h.persistent.GetPersistentSubscriptions(),
	})
}

// GetPersistentHandler Wrapper around GetPersistent
func (h APIRestLiveDataManagementHandler) GetPersistentHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetPersistent)
}

// AddPersistent godoc
// @Summary Subscribe persistently to an instrument
// @Description Subscribe persistently using the server's default rule set
// @tags Management
// @Produce json
// @Param securityID path string true "Instrument ID within the feed's domain"
// @Success 200 {object} APIRestRespSubscribe "success"
// @Failure 400 {object} APIRestRespSubscribe "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 501 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/persistent/{securityID} [post]
func (h APIRestLiveDataManagementHandler) AddPersistent(w http.ResponseWriter, r *http.Request) {
	if h.noPersistence(w, r) {
		return
	}
	h.subscribe(w, r, true)
}

// AddPersistentHandler Wrapper around AddPersistent
func (h APIRestLiveDataManagementHandler) AddPersistentHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.AddPersistent)
}

// RemovePersistent godoc
// @Summary Demote a persistent subscription
// @Description Make an instrument's distributors non-persistent. They expire
// @Description unless heartbeats keep them alive.
// @tags Management
// @Produce json
// @Param securityID path string true "Instrument ID within the feed's domain"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 501 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/persistent/{securityID} [delete]
func (h APIRestLiveDataManagementHandler) RemovePersistent(w http.ResponseWriter, r *http.Request) {
	if h.noPersistence(w, r) {
		return
	}
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.writeOrLog(w, r, respCode, respBody)
	}()

	securityID, err := readSecurityID(r)
	if err != nil {
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, "Bad request", err.Error())
		return
	}
	found, err := h.persistent.RemovePersistentSubscription(r.Context(), securityID)
	if err != nil {
		msg := fmt.Sprintf("Failed to demote %s", securityID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if !found {
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), respCode, fmt.Sprintf("No subscription for %s", securityID), "",
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// RemovePersistentHandler Wrapper around RemovePersistent
func (h APIRestLiveDataManagementHandler) RemovePersistentHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.RemovePersistent)
}

// persistenceAction run a refresh or save
func (h APIRestLiveDataManagementHandler) persistenceAction(
	w http.ResponseWriter, r *http.Request, name string,
	action func(persistence.PersistentSubscriptionManager) error,
) {
	if h.noPersistence(w, r) {
		return
	}
	if err := action(h.persistent); err != nil {
		msg := fmt.Sprintf("Persistent subscription %s failed", name)
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(msg)
		h.writeOrLog(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		))
		return
	}
	h.writeOrLog(w, r, http.StatusOK, APIRestRespPersistent{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Specifications:      h.persistent.GetPersistentSubscriptions(),
	})
}

// RefreshPersistent godoc
// @Summary Refresh persistent subscriptions
// @Description Re-create every stored or live persistent subscription missing a
// @Description persistent distributor
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespPersistent "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 501 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/persistence/refresh [post]
func (h APIRestLiveDataManagementHandler) RefreshPersistent(w http.ResponseWriter, r *http.Request) {
	h.persistenceAction(w, r, "refresh", func(m persistence.PersistentSubscriptionManager) error {
		return m.Refresh(r.Context())
	})
}

// RefreshPersistentHandler Wrapper around RefreshPersistent
func (h APIRestLiveDataManagementHandler) RefreshPersistentHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.RefreshPersistent)
}

// SavePersistent godoc
// @Summary Save persistent subscriptions
// @Description Write the live persistent subscriptions to the store if they changed
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespPersistent "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 501 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/persistence/save [post]
func (h APIRestLiveDataManagementHandler) SavePersistent(w http.ResponseWriter, r *http.Request) {
	h.persistenceAction(w, r, "save", func(m persistence.PersistentSubscriptionManager) error {
		return m.Save(r.Context())
	})
}

// SavePersistentHandler Wrapper around SavePersistent
func (h APIRestLiveDataManagementHandler) SavePersistentHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.SavePersistent)
}

// =======================================================================

/*
BuildManagementRouter lay out every management route under a path prefix

	@param h APIRestLiveDataManagementHandler - the handler
	@param pathPrefix string - prefix of every route
	@return the router
*/
func BuildManagementRouter(h APIRestLiveDataManagementHandler, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	_ = RegisterPathPrefix(mainRouter, "/v1/admin/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/admin/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/admin/stats", MethodHandlers{
		"get": h.GetStatsHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/admin/topic", MethodHandlers{
		"get": h.GetAllTopicsHandler(),
	})

	// Subscription routes
	subscriptionRouter := RegisterPathPrefix(
		mainRouter, "/v1/admin/subscription", MethodHandlers{
			"get": h.GetAllSubscriptionsHandler(),
		},
	)
	_ = RegisterPathPrefix(subscriptionRouter, "/{securityID}", MethodHandlers{
		"get":    h.GetSubscriptionHandler(),
		"post":   h.SubscribeHandler(),
		"delete": h.UnsubscribeHandler(),
	})

	// Persistent subscription routes
	persistentRouter := RegisterPathPrefix(mainRouter, "/v1/admin/persistent", MethodHandlers{
		"get": h.GetPersistentHandler(),
	})
	_ = RegisterPathPrefix(persistentRouter, "/{securityID}", MethodHandlers{
		"post":   h.AddPersistentHandler(),
		"delete": h.RemovePersistentHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/admin/persistence/refresh", MethodHandlers{
		"post": h.RefreshPersistentHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/admin/persistence/save", MethodHandlers{
		"post": h.SavePersistentHandler(),
	})

	// Metrics
	mainRouter.Handle("/metrics", promhttp.Handler())
	return router
}
