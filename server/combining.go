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

	"github.com/alwitt/livedata/common"
	"github.com/alwitt/livedata/livedata"
	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
)

// SubscriptionRequestHandler serves consumer subscription requests
type SubscriptionRequestHandler interface {
	/*
		SubscriptionRequestMade process a consumer request

		 @param request livedata.LiveDataSubscriptionRequest - the request
		 @return the responses, one per requested specification
	*/
	SubscriptionRequestMade(
		request livedata.LiveDataSubscriptionRequest,
	) livedata.LiveDataSubscriptionResponseMsg
}

// CombiningServer fronts several servers, each serving one feed domain. Requests
// are split by identifier scheme.
type CombiningServer struct {
	common.Component
	servers  []LiveDataServer
	byDomain map[string]LiveDataServer
}

/*
NewCombiningServer define a CombiningServer. Specifications whose scheme no
server handles go to the first server.

	@param servers ...LiveDataServer - the underlying servers
	@return new CombiningServer
*/
func NewCombiningServer(servers ...LiveDataServer) (*CombiningServer, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("combining server needs at least one server")
	}
	byDomain := make(map[string]LiveDataServer, len(servers))
	for _, server := range servers {
		domain := server.UniqueIDDomain()
		if _, ok := byDomain[domain]; ok {
			return nil, fmt.Errorf("more than one server for domain %s", domain)
		}
		byDomain[domain] = server
	}
	return &CombiningServer{
		Component: common.NewComponent("server", "combining-server", ""),
		servers:   servers,
		byDomain:  byDomain,
	}, nil
}

// Servers the underlying servers
func (c *CombiningServer) Servers() []LiveDataServer {
	return c.servers
}

// ServerFor the server handling a specification
func (c *CombiningServer) ServerFor(spec livedata.LiveDataSpecification) LiveDataServer {
	if server, ok := c.byDomain[spec.Identifier.Scheme]; ok {
		return server
	}
	return c.servers[0]
}

// Start start every underlying server
func (c *CombiningServer) Start() error {
	for _, server := range c.servers {
		if err := server.Start(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Failed to start %s", server.Instance())
			return err
		}
	}
	return nil
}

// Stop stop every underlying server
func (c *CombiningServer) Stop() error {
	var firstErr error
	for _, server := range c.servers {
		if err := server.Stop(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Failed to stop %s", server.Instance())
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// GetNumActiveSubscriptions total active subscriptions over every server
func (c *CombiningServer) GetNumActiveSubscriptions() int {
	total := 0
	for _, server := range c.servers {
		total += server.GetNumActiveSubscriptions()
	}
	return total
}

// SubscriptionRequestMade split the request by server, process the parts
// concurrently, and merge the responses back into request order
func (c *CombiningServer) SubscriptionRequestMade(
	request livedata.LiveDataSubscriptionRequest,
) livedata.LiveDataSubscriptionResponseMsg {
	type part struct {
		server  LiveDataServer
		indices []int
		request livedata.LiveDataSubscriptionRequest
		result  livedata.LiveDataSubscriptionResponseMsg
	}
	parts := make([]*part, 0)
	partOf := make(map[LiveDataServer]*part)
	for idx, spec := range request.Specifications {
		server := c.ServerFor(spec)
		p, ok := partOf[server]
		if !ok {
			p = &part{
				server:  server,
				request: livedata.LiveDataSubscriptionRequest{User: request.User, Type: request.Type},
			}
			partOf[server] = p
			parts = append(parts, p)
		}
		p.indices = append(p.indices, idx)
		p.request.Specifications = append(p.request.Specifications, spec)
	}

	var group errgroup.Group
	for _, p := range parts {
		p := p
		group.Go(func() error {
			p.result = p.server.SubscriptionRequestMade(p.request)
			return nil
		})
	}
	_ = group.Wait()

	merged := livedata.LiveDataSubscriptionResponseMsg{
		RequestingUser: request.User,
		Responses:      make([]livedata.LiveDataSubscriptionResponse, len(request.Specifications)),
	}
	for _, p := range parts {
		for pos, idx := range p.indices {
			if pos < len(p.result.Responses) {
				merged.Responses[idx] = p.result.Responses[pos]
			} else {
				merged.Responses[idx] = livedata.NewFailedResponse(
					request.Specifications[idx],
					livedata.ResultInternalError,
					fmt.Sprintf("%s returned no response", p.server.Instance()),
				)
			}
		}
	}
	return merged
}
