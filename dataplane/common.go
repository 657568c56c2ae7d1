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

// Package dataplane moves market data and consumer traffic over the message bus
package dataplane

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// subjectRegex NATS subject: dot separated tokens, with optional trailing wildcard
var subjectRegex = regexp.MustCompile(`^[[:alnum:]_\-]+(\.[[:alnum:]_\-]+)*(\.>)?$`)

// validateSubject check a subject can be published or subscribed to
func validateSubject(subject string) error {
	if !subjectRegex.MatchString(subject) {
		return fmt.Errorf("'%s' is not a valid subject", subject)
	}
	return nil
}

// decodeAndValidate parse a JSON payload then run the struct validators on it
func decodeAndValidate(validate *validator.Validate, data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
