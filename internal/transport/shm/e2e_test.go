/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

//go:build linux

package shm

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTopicRoundTripAcrossRecreation publishes on a channel, lets it outgrow
// its capacity and checks that the reader keeps receiving through the pool.
func TestTopicRoundTripAcrossRecreation(t *testing.T) {
	reg := newTestRegistry(t)
	pool := newTestPool(t, reg)
	c := newCollector()

	const readerPID = "42"
	observe := func(name string) {
		require.True(t, pool.ObserveFile(name, EventName(name, readerPID), time.Second, c.callback))
	}

	sm, err := NewSyncMemFile("topicA", 1024, SyncMemFileAttr{
		ReservePercent: 50,
		AccessTimeout:  time.Second,
		AutoSanitize:   true,
		Registry:       reg,
		OnRecreate:     observe,
	})
	require.NoError(t, err)
	defer sm.Destroy()
	firstName := sm.Name()

	require.NoError(t, sm.Connect(readerPID))
	observe(sm.Name())

	small := bytes.Repeat([]byte{1}, 100)
	require.NoError(t, sm.WriteBuffer(small, WriteAttr{ID: 77, Clock: 1}))
	s := c.next(t)
	assert.Len(t, s.data, 100)
	assert.Equal(t, uint64(1), s.clock)
	assert.Equal(t, uint64(77), s.id)

	large := bytes.Repeat([]byte{2}, 2048)
	require.NoError(t, sm.WriteBuffer(large, WriteAttr{ID: 77, Clock: 2}))
	s = c.next(t)
	assert.Equal(t, large, s.data)
	assert.Equal(t, uint64(2), s.clock)
	assert.Equal(t, uint64(77), s.id)

	assert.NotEqual(t, firstName, sm.Name())
	assert.Equal(t, []string{readerPID}, sm.ConnectedReaders())
	assert.True(t, pool.IsObserving(sm.Name()))
	assert.Equal(t, []uint64{1, 2}, c.clocks())
}

// TestBroadcastAnnouncesRecreatedChannel wires the broadcast to a channel's
// recreation hook the way a registration layer would.
func TestBroadcastAnnouncesRecreatedChannel(t *testing.T) {
	reg := newTestRegistry(t)
	bcName := uniqueName(t, "registration")
	announcer := newTestBroadcast(t, reg, bcName, 32)
	listener := newTestBroadcast(t, reg, bcName, 32)

	topicID := NewEventID()
	sm, err := NewSyncMemFile(uniqueName(t, "topicB"), 64, SyncMemFileAttr{
		AccessTimeout: time.Second,
		Registry:      reg,
		OnRecreate:    func(string) { announcer.SendEvent(topicID, EventUpdated) },
	})
	require.NoError(t, err)
	defer sm.Destroy()
	require.True(t, announcer.SendEvent(topicID, EventCreated))

	require.NoError(t, sm.WriteBuffer(make([]byte, 512), WriteAttr{Clock: 1}))

	msgs, ok := listener.ReceiveEvents(time.Second, true)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, EventUpdated, msgs[0].Type)
	assert.Equal(t, EventCreated, msgs[1].Type)
	assert.Equal(t, topicID, msgs[0].EventID)
}
