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
	"sync"
	"time"
)

// PerformanceCounter counts hits in one second buckets over a sliding window
type PerformanceCounter struct {
	lock    sync.Mutex
	buckets []int64
	// stamps holds the second each bucket was last written for
	stamps []int64
}

// NewPerformanceCounter define a counter covering the given window
func NewPerformanceCounter(window time.Duration) *PerformanceCounter {
	seconds := int(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return &PerformanceCounter{
		buckets: make([]int64, seconds),
		stamps:  make([]int64, seconds),
	}
}

// Hit record hits at a point in time
func (c *PerformanceCounter) Hit(at time.Time, count int64) {
	second := at.Unix()
	idx := int(second % int64(len(c.buckets)))
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stamps[idx] != second {
		c.stamps[idx] = second
		c.buckets[idx] = 0
	}
	c.buckets[idx] += count
}

// HitCount total hits within the window ending at the given time
func (c *PerformanceCounter) HitCount(at time.Time) int64 {
	now := at.Unix()
	oldest := now - int64(len(c.buckets)) + 1
	c.lock.Lock()
	defer c.lock.Unlock()
	total := int64(0)
	for idx, stamp := range c.stamps {
		if stamp >= oldest && stamp <= now {
			total += c.buckets[idx]
		}
	}
	return total
}

// HitsPerSecond average hit rate over the window ending at the given time
func (c *PerformanceCounter) HitsPerSecond(at time.Time) float64 {
	return float64(c.HitCount(at)) / float64(len(c.buckets))
}
