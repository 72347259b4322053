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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, "testing", &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.EqualValues(1, atomic.LoadInt32(&value))

	time.Sleep(time.Millisecond * 100)
	assert.EqualValues(1, atomic.LoadInt32(&value))

	// A fired one shot timer can be started again
	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 80)
	assert.EqualValues(2, atomic.LoadInt32(&value))
}

func TestIntervalTimerPeriodic(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, "testing", &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		// Handler errors do not stop the timer
		return fmt.Errorf("dummy error")
	}

	// Case 0: invalid interval
	assert.NotNil(uut.Start(0, callback, false))

	// Case 1: periodic
	{
		assert.Nil(uut.Start(time.Millisecond*20, callback, false))
		assert.NotNil(uut.Start(time.Millisecond*20, callback, false))
		assert.Eventually(func() bool {
			return atomic.LoadInt32(&value) >= 3
		}, time.Second, time.Millisecond*5)
	}

	// Case 2: stop
	{
		assert.Nil(uut.Stop())
		assert.Nil(uut.Stop())
		time.Sleep(time.Millisecond * 30)
		current := atomic.LoadInt32(&value)
		time.Sleep(time.Millisecond * 100)
		assert.Equal(current, atomic.LoadInt32(&value))
	}
}
