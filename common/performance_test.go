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

package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPerformanceCounter(t *testing.T) {
	assert := assert.New(t)

	uut := NewPerformanceCounter(time.Second * 10)
	start := time.Unix(1700000000, 0)

	// Case 0: empty
	assert.Equal(int64(0), uut.HitCount(start))

	// Case 1: hits within the window
	uut.Hit(start, 5)
	uut.Hit(start.Add(time.Second), 3)
	uut.Hit(start.Add(time.Second*2), 2)
	assert.Equal(int64(10), uut.HitCount(start.Add(time.Second*2)))
	assert.InDelta(1.0, uut.HitsPerSecond(start.Add(time.Second*2)), 0.0001)

	// Case 2: older hits fall out of the window
	assert.Equal(int64(5), uut.HitCount(start.Add(time.Second*10)))
	assert.Equal(int64(0), uut.HitCount(start.Add(time.Second*20)))

	// Case 3: a reused bucket is reset
	uut.Hit(start.Add(time.Second*10), 1)
	assert.Equal(int64(3), uut.HitCount(start.Add(time.Second*11)))
}
