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
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)

	type testTask struct {
		value int
		done  chan int
	}

	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testTask{}), func(p interface{}) error {
			task := p.(testTask)
			task.done <- task.value * 2
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 0: tasks are processed in order
	{
		results := make(chan int, 3)
		for itr := 1; itr <= 3; itr++ {
			assert.Nil(uut.Submit(ctxt, testTask{value: itr, done: results}))
		}
		for itr := 1; itr <= 3; itr++ {
			select {
			case v := <-results:
				assert.Equal(itr*2, v)
			case <-time.After(time.Second):
				assert.Fail("task not processed in time")
			}
		}
	}

	// Case 1: submit after stop fails
	{
		assert.Nil(uut.StopEventLoop())
		lclCtxt, lclCancel := context.WithTimeout(ctxt, time.Millisecond*50)
		defer lclCancel()
		// The buffer holds at most 4, so some must be refused
		failed := 0
		for itr := 0; itr < 10; itr++ {
			if err := uut.Submit(lclCtxt, testTask{value: itr, done: make(chan int, 1)}); err != nil {
				failed++
			}
		}
		assert.Greater(failed, 0)
	}
}
