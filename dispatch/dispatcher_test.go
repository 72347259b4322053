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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/alwitt/forumhub/hub"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// testBroadcaster records the envelopes handed to it
type testBroadcaster struct {
	lock     sync.Mutex
	received []hub.Envelope
	err      error
}

func (b *testBroadcaster) Broadcast(ctxt context.Context, msg hub.Envelope) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.err != nil {
		return b.err
	}
	b.received = append(b.received, msg)
	return nil
}

func TestDispatcher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	// Case 0: no broadcaster
	{
		_, err := GetDispatcher("ut-dispatcher", nil)
		assert.NotNil(err)
	}

	core := &testBroadcaster{}
	uut, err := GetDispatcher("ut-dispatcher", core)
	assert.Nil(err)

	// Case 1: notify an identity
	{
		payload := []byte(`{"post":12}`)
		assert.Nil(uut.Notify(utCtxt, "u1", "notification.reply", payload))
		payload[2] = 'X'
		if assert.Len(core.received, 1) {
			msg := core.received[0]
			assert.Equal(hub.IdentityTarget("u1"), msg.Target)
			assert.Equal("notification.reply", msg.Type)
			assert.Equal(`{"post":12}`, string(msg.Payload))
		}
	}

	// Case 2: broadcast to a room
	{
		assert.Nil(uut.BroadcastRoom(utCtxt, "r1", "chat.message", nil))
		if assert.Len(core.received, 2) {
			msg := core.received[1]
			assert.Equal(hub.RoomTarget("r1"), msg.Target)
			assert.Nil(msg.Payload)
		}
	}

	// Case 3: invalid requests never reach the registry
	{
		assert.NotNil(uut.Notify(utCtxt, "", "notification.reply", nil))
		assert.NotNil(uut.BroadcastRoom(utCtxt, "r1", "", nil))
		assert.NotNil(uut.Notify(utCtxt, "u1", "notification.reply", []byte(`{"post":`)))
		assert.NotNil(uut.Dispatch(utCtxt, DispatchRequest{
			TargetKind: "thread", TargetID: "t1", Type: "x",
		}))
		assert.Len(core.received, 2)
	}

	// Case 4: generic request
	{
		var req DispatchRequest
		assert.Nil(json.Unmarshal(
			[]byte(`{"target_kind":"room","target_id":"r2","type":"chat.edit","payload":[1,2]}`),
			&req,
		))
		assert.Nil(uut.Dispatch(utCtxt, req))
		if assert.Len(core.received, 3) {
			msg := core.received[2]
			assert.Equal(hub.RoomTarget("r2"), msg.Target)
			assert.Equal("chat.edit", msg.Type)
			assert.Equal(`[1,2]`, string(msg.Payload))
		}
	}

	// Case 5: registry failure is reported
	{
		core.err = hub.ErrHubStopped
		assert.Equal(hub.ErrHubStopped, uut.Notify(utCtxt, "u1", "x", nil))
		core.err = nil
	}
}

func TestDispatcherWithRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, err := hub.GetRegistry(utCtxt, "ut-dispatcher-registry", 8)
	assert.Nil(err)
	assert.Nil(registry.Start(&wg))

	uut, err := GetDispatcher("ut-dispatcher-registry", registry)
	assert.Nil(err)

	// Case 0: dispatch with nobody connected succeeds
	{
		for i := 0; i < 10; i++ {
			assert.Nil(uut.Notify(utCtxt, fmt.Sprintf("u%d", i), "notification.reply", nil))
		}
		stats, err := registry.Stats(utCtxt)
		assert.Nil(err)
		assert.EqualValues(0, stats.Delivered)
		assert.EqualValues(0, stats.Dropped)
	}

	// Case 1: dispatch after the registry stopped fails
	{
		assert.Nil(registry.Stop())
		assert.Equal(hub.ErrHubStopped, uut.BroadcastRoom(utCtxt, "r1", "chat.message", nil))
	}
}
