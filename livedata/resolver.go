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

package livedata

import (
	"fmt"
)

// DistributionSpecificationResolver maps consumer specifications onto distribution
// specifications. Specifications which can not be resolved map to nil.
type DistributionSpecificationResolver interface {
	// Resolve resolve a batch of specifications
	Resolve(specs []LiveDataSpecification) (map[LiveDataSpecification]*DistributionSpecification, error)
}

// DistributionSpecificationResolverFunc adapter to use a function as a resolver
type DistributionSpecificationResolverFunc func(
	specs []LiveDataSpecification,
) (map[LiveDataSpecification]*DistributionSpecification, error)

// Resolve resolve a batch of specifications
func (f DistributionSpecificationResolverFunc) Resolve(
	specs []LiveDataSpecification,
) (map[LiveDataSpecification]*DistributionSpecification, error) {
	return f(specs)
}

// NaiveDistributionSpecificationResolver uses the requested identifier directly as
// the market data ID, and derives the topic from it
type NaiveDistributionSpecificationResolver struct {
	ruleSets    NormalizationRuleSetSource
	domain      string
	topicPrefix string
}

// NewNaiveDistributionSpecificationResolver define a resolver. An empty domain
// accepts identifiers of any scheme.
func NewNaiveDistributionSpecificationResolver(
	ruleSets NormalizationRuleSetSource, domain string, topicPrefix string,
) *NaiveDistributionSpecificationResolver {
	if topicPrefix == "" {
		topicPrefix = "LiveData"
	}
	return &NaiveDistributionSpecificationResolver{
		ruleSets: ruleSets, domain: domain, topicPrefix: topicPrefix,
	}
}

// TopicName the topic a specification is published on
func (r *NaiveDistributionSpecificationResolver) TopicName(spec LiveDataSpecification) string {
	return fmt.Sprintf(
		"%s.%s.%s.%s",
		r.topicPrefix,
		spec.Identifier.Scheme,
		spec.Identifier.Value,
		spec.NormalizationRuleSetID,
	)
}

// Resolve resolve a batch of specifications
func (r *NaiveDistributionSpecificationResolver) Resolve(
	specs []LiveDataSpecification,
) (map[LiveDataSpecification]*DistributionSpecification, error) {
	result := make(map[LiveDataSpecification]*DistributionSpecification, len(specs))
	for _, spec := range specs {
		result[spec] = nil
		if r.domain != "" && spec.Identifier.Scheme != r.domain {
			continue
		}
		ruleSet, ok := r.ruleSets.GetRuleSet(spec.NormalizationRuleSetID)
		if !ok {
			continue
		}
		distSpec, err := NewDistributionSpecification(spec.Identifier, ruleSet, r.TopicName(spec))
		if err != nil {
			return nil, err
		}
		result[spec] = distSpec
	}
	return result, nil
}

// ==============================================================================

// EntitlementChecker decides whether a user may see the data of a specification
type EntitlementChecker interface {
	// IsEntitled check a batch of specifications. The result covers every input.
	IsEntitled(user UserPrincipal, specs []LiveDataSpecification) (map[LiveDataSpecification]bool, error)
}

// EntitlementCheckerFunc adapter to use a per-specification predicate as an
// EntitlementChecker
type EntitlementCheckerFunc func(user UserPrincipal, spec LiveDataSpecification) bool

// IsEntitled check a batch of specifications
func (f EntitlementCheckerFunc) IsEntitled(
	user UserPrincipal, specs []LiveDataSpecification,
) (map[LiveDataSpecification]bool, error) {
	result := make(map[LiveDataSpecification]bool, len(specs))
	for _, spec := range specs {
		result[spec] = f(user, spec)
	}
	return result, nil
}

// PermissiveEntitlementChecker entitles everybody to everything
func PermissiveEntitlementChecker() EntitlementChecker {
	return EntitlementCheckerFunc(func(UserPrincipal, LiveDataSpecification) bool { return true })
}
