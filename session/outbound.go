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
	"errors"
	"sync"

	"github.com/alwitt/forumhub/hub"
)

var (
	// ErrQueueFull is returned when pushing into an outbound queue with no free slot
	ErrQueueFull = errors.New("outbound queue full")
	// ErrQueueClosed is returned when pushing into an outbound queue whose session stopped
	ErrQueueClosed = errors.New("outbound queue closed")
)

// OutboundQueue is the bounded send queue of one session. It implements hub.OutboundChannel.
//
// The message channel is never closed. Stop only flips the queue into rejecting new pushes,
// so a push racing with session teardown can not panic.
type OutboundQueue struct {
	msgs     chan hub.Envelope
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewOutboundQueue define a new OutboundQueue
func NewOutboundQueue(size int) *OutboundQueue {
	if size < 1 {
		size = 1
	}
	return &OutboundQueue{
		msgs: make(chan hub.Envelope, size), stopped: make(chan struct{}),
	}
}

// Push enqueue a message without blocking
func (q *OutboundQueue) Push(msg hub.Envelope) error {
	select {
	case <-q.stopped:
		return ErrQueueClosed
	default:
	}
	select {
	case q.msgs <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Messages the channel the owning session reads queued messages from
func (q *OutboundQueue) Messages() <-chan hub.Envelope {
	return q.msgs
}

// Stop reject all further pushes
func (q *OutboundQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stopped) })
}

// Stopped whether the queue has been stopped
func (q *OutboundQueue) Stopped() bool {
	select {
	case <-q.stopped:
		return true
	default:
		return false
	}
}

// Len number of messages waiting in the queue
func (q *OutboundQueue) Len() int {
	return len(q.msgs)
}
