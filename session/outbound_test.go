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

package session

import (
	"encoding/json"
	"testing"

	"github.com/alwitt/forumhub/hub"
	"github.com/stretchr/testify/assert"
)

func TestOutboundQueue(t *testing.T) {
	assert := assert.New(t)

	uut := NewOutboundQueue(2)
	msg := hub.NewEnvelope(hub.IdentityTarget("u1"), "notification.reply", []byte(`{}`))

	// Case 0: fill the queue
	{
		assert.Nil(uut.Push(msg))
		assert.Nil(uut.Push(msg))
		assert.Equal(2, uut.Len())
	}

	// Case 1: full queue rejects without blocking
	{
		assert.Equal(ErrQueueFull, uut.Push(msg))
		assert.Equal(2, uut.Len())
	}

	// Case 2: drain one
	{
		got := <-uut.Messages()
		assert.Equal(msg.Type, got.Type)
		assert.Nil(uut.Push(msg))
	}

	// Case 3: stopped queue rejects everything
	{
		assert.False(uut.Stopped())
		uut.Stop()
		uut.Stop()
		assert.True(uut.Stopped())
		assert.Equal(ErrQueueClosed, uut.Push(msg))
	}

	// Case 4: size is at least one
	{
		small := NewOutboundQueue(0)
		assert.Nil(small.Push(msg))
		assert.Equal(ErrQueueFull, small.Push(msg))
	}
}

func TestFrameEncoding(t *testing.T) {
	assert := assert.New(t)

	// Case 0: payload is forwarded verbatim
	{
		msg := hub.NewEnvelope(hub.RoomTarget("r1"), "chat.message", []byte(`{"text":"hi"}`))
		raw, err := EncodeFrame(msg)
		assert.Nil(err)
		var frame OutboundFrame
		assert.Nil(json.Unmarshal(raw, &frame))
		assert.Equal("chat.message", frame.Type)
		assert.JSONEq(`{"text":"hi"}`, string(frame.Data))
		assert.True(msg.CreatedAt.Equal(frame.CreatedAt))
	}

	// Case 1: no payload
	{
		raw, err := EncodeFrame(hub.NewEnvelope(hub.IdentityTarget("u1"), "ping", nil))
		assert.Nil(err)
		assert.NotContains(string(raw), `"data"`)
	}

	// Case 2: control frame decode
	{
		var frame InboundFrame
		assert.Nil(json.Unmarshal([]byte(`{"type":"join","room":"r9"}`), &frame))
		assert.Equal(ControlJoinRoom, frame.Type)
		assert.Equal("r9", frame.Room)
	}
}
