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
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ToDecimal convert a numeric field value into a decimal
func ToDecimal(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint32:
		return decimal.NewFromInt(int64(v)), nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(v)
	default:
		return decimal.Zero, fmt.Errorf("value %v of type %T is not numeric", value, value)
	}
}

// GetDecimal fetch a numeric field from a message as a decimal
func (m Message) GetDecimal(name string) (decimal.Decimal, bool) {
	raw, ok := m.Get(name)
	if !ok {
		return decimal.Zero, false
	}
	value, err := ToDecimal(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return value, true
}

// GetFloat fetch a numeric field from a message as a float64
func (m Message) GetFloat(name string) (float64, bool) {
	value, ok := m.GetDecimal(name)
	if !ok {
		return 0, false
	}
	return value.InexactFloat64(), true
}
