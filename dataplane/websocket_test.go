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

package dataplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestWebsocketConn(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	serverSide := make(chan *WebsocketConn, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- NewWebsocketConn(conn, "ut-websocket", 256)
	}))
	defer server.Close()

	client, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(server.URL, "http"), nil,
	)
	assert.Nil(err)
	defer client.Close()

	var uut *WebsocketConn
	select {
	case uut = <-serverSide:
	case <-time.After(time.Second):
		assert.FailNow("no server side connection")
	}

	// Server side reader
	pongs := make(chan struct{}, 4)
	uut.SetLivenessCallback(func() { pongs <- struct{}{} })
	frames := make(chan []byte, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := uut.ReadFrame(context.Background())
			if err != nil {
				readErr <- err
				return
			}
			frames <- frame
		}
	}()

	// Client side reader, needed for the client to answer pings
	clientFrames := make(chan []byte, 4)
	go func() {
		for {
			_, frame, err := client.ReadMessage()
			if err != nil {
				return
			}
			clientFrames <- frame
		}
	}()

	// Case 0: server to client
	{
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.WriteFrame(ctxt, []byte(`{"type":"chat.message"}`)))
		cancel()
		select {
		case frame := <-clientFrames:
			assert.Equal(`{"type":"chat.message"}`, string(frame))
		case <-time.After(time.Second):
			assert.Fail("client did not receive frame")
		}
	}

	// Case 1: client to server
	{
		assert.Nil(client.WriteMessage(websocket.TextMessage, []byte(`{"type":"leave"}`)))
		select {
		case frame := <-frames:
			assert.Equal(`{"type":"leave"}`, string(frame))
		case <-time.After(time.Second):
			assert.Fail("server did not receive frame")
		}
	}

	// Case 2: ping answered by a pong
	{
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Ping(ctxt))
		cancel()
		select {
		case <-pongs:
		case <-time.After(time.Second):
			assert.Fail("no pong received")
		}
	}

	// Case 3: oversized inbound frame
	{
		assert.Nil(client.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("a", 512))))
		select {
		case err := <-readErr:
			assert.NotNil(err)
		case <-time.After(time.Second):
			assert.Fail("oversized frame accepted")
		}
	}

	// Case 4: close is idempotent
	{
		assert.Nil(uut.Close())
		assert.Nil(uut.Close())
	}
}
