// Copyright 2022 The forumhub Authors
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

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 0: invalid task buffer
	{
		_, err := GetNewTaskProcessorInstance(ctxt, "testing", 0)
		assert.NotNil(err)
	}

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

func TestTaskEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)

	type testStruct1 struct{ seq int }
	type testStruct2 struct{}

	// Only touched by the event loop
	processed := []int{}
	done := make(chan struct{}, 1)
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			processed = append(processed, p.(testStruct1).seq)
			return nil
		},
		reflect.TypeOf(testStruct2{}): func(p interface{}) error {
			done <- struct{}{}
			return nil
		},
	}))

	// Case 0: start twice
	assert.Nil(uut.StartEventLoop(&wg))
	assert.NotNil(uut.StartEventLoop(&wg))

	// Case 1: tasks are processed in submission order
	{
		for i := 0; i < 20; i++ {
			useContext, cancel := context.WithTimeout(context.Background(), time.Second)
			assert.Nil(uut.Submit(useContext, testStruct1{seq: i}))
			cancel()
		}
		// Unhandled task types do not stop the loop
		assert.Nil(uut.Submit(ctxt, "unknown"))
		assert.Nil(uut.Submit(ctxt, testStruct2{}))
		select {
		case <-done:
		case <-time.After(time.Second):
			assert.FailNow("event loop did not process tasks")
		}
		assert.Len(processed, 20)
		for i, seq := range processed {
			assert.Equal(i, seq)
		}
	}

	// Case 2: submit after stop
	{
		assert.Nil(uut.StopEventLoop())
		select {
		case <-uut.Stopped():
		case <-time.After(time.Second):
			assert.Fail("stopped channel not closed")
		}
		assert.Equal(ErrProcessorStopped, uut.Submit(context.Background(), testStruct1{}))
	}
}

func TestTaskSubmitTimeout(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 1)
	assert.Nil(err)

	// Event loop not running, so the buffer fills up
	assert.Nil(uut.Submit(ctxt, "first"))
	useContext, useCancel := context.WithTimeout(ctxt, time.Millisecond*50)
	defer useCancel()
	assert.Equal(context.DeadlineExceeded, uut.Submit(useContext, "second"))
}
