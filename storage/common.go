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

// Package storage holds the durable stores of persistent subscriptions
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/alwitt/livedata/livedata"
	"github.com/go-playground/validator/v10"
)

// ErrNotFound nothing is stored under the key
var ErrNotFound = errors.New("record not found")

// PersistentSubscriptionStore durable home of the persistent subscription set.
// Writes replace the whole set.
type PersistentSubscriptionStore interface {
	/*
		ReadAll fetch the stored set. An unwritten store reads as empty.

		 @param ctxt context.Context - the call context
		 @return the stored specifications
	*/
	ReadAll(ctxt context.Context) ([]livedata.LiveDataSpecification, error)

	/*
		ReplaceAll overwrite the stored set

		 @param ctxt context.Context - the call context
		 @param specs []livedata.LiveDataSpecification - the new set
	*/
	ReplaceAll(ctxt context.Context, specs []livedata.LiveDataSpecification) error

	// Close release the store's resources
	Close() error
}

// persistentSubscriptionRecord the stored form of the persistent subscription set
type persistentSubscriptionRecord struct {
	Specifications []livedata.LiveDataSpecification `json:"specifications" validate:"dive"`
	UpdatedAt      time.Time                         `json:"updated_at"`
}

// normalizeSpecs dedupe and order a set of specifications
func normalizeSpecs(specs []livedata.LiveDataSpecification) []livedata.LiveDataSpecification {
	seen := make(map[livedata.LiveDataSpecification]bool, len(specs))
	result := make([]livedata.LiveDataSpecification, 0, len(specs))
	for _, spec := range specs {
		if seen[spec] {
			continue
		}
		seen[spec] = true
		result = append(result, spec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].String() < result[j].String()
	})
	return result
}

func encodeRecord(specs []livedata.LiveDataSpecification, now time.Time) ([]byte, error) {
	record := persistentSubscriptionRecord{
		Specifications: normalizeSpecs(specs),
		UpdatedAt:      now.UTC(),
	}
	return json.Marshal(&record)
}

func decodeRecord(raw []byte, validate *validator.Validate) ([]livedata.LiveDataSpecification, error) {
	var record persistentSubscriptionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	if err := validate.Struct(&record); err != nil {
		return nil, err
	}
	return normalizeSpecs(record.Specifications), nil
}
