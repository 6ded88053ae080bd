// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dragon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	sent []map[string]any
}

func (f *fakeConn) Send(fields map[string]any) error {
	f.sent = append(f.sent, fields)
	return nil
}

func (f *fakeConn) types() []string {
	var out []string
	for _, m := range f.sent {
		out = append(out, m["type"].(string))
	}
	return out
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore("proj-1", t.TempDir())
	require.NoError(t, err)
	return st
}

func TestHub_UserTurnStreamsAndRecordsHistory(t *testing.T) {
	st := newTestStore(t)
	h := NewHub(st, EchoResponder{})
	conn := &fakeConn{}

	raw, _ := json.Marshal(UserTurn{Message: "hello there", SessionID: "s1"})
	require.NoError(t, h.Handle(context.Background(), conn, raw, time.Now()))

	require.Contains(t, conn.types(), TypeTyping)
	require.Contains(t, conn.types(), TypeStream)
	require.Contains(t, conn.types(), TypeMessage)

	s, ok := st.Get("s1")
	require.True(t, ok)
	require.Len(t, s.snapshot(), 2)
	require.Equal(t, "user", s.snapshot()[0].Role)
	require.Equal(t, "dragon", s.snapshot()[1].Role)
}

func TestHub_DuplicateMessageIDDropped(t *testing.T) {
	st := newTestStore(t)
	h := NewHub(st, EchoResponder{})
	conn := &fakeConn{}

	raw, _ := json.Marshal(struct {
		UserTurn
		MessageID string `json:"messageId"`
	}{UserTurn: UserTurn{Message: "hi", SessionID: "s1"}, MessageID: "m1"})

	require.NoError(t, h.Handle(context.Background(), conn, raw, time.Now()))
	firstCount := len(conn.sent)

	require.NoError(t, h.Handle(context.Background(), conn, raw, time.Now()))
	require.Equal(t, firstCount, len(conn.sent), "duplicate messageId must not produce new frames")
}

func TestHub_PingRepliesWithPong(t *testing.T) {
	st := newTestStore(t)
	h := NewHub(st, EchoResponder{})
	conn := &fakeConn{}

	st.GetOrCreate("s1")
	raw, _ := json.Marshal(Envelope{Type: TypePing, SessionID: "s1"})
	require.NoError(t, h.Handle(context.Background(), conn, raw, time.Now()))

	require.Equal(t, []string{TypePong}, conn.types())
}

func TestHub_SessionReplayUnknownSession(t *testing.T) {
	st := newTestStore(t)
	h := NewHub(st, EchoResponder{})
	conn := &fakeConn{}

	raw, _ := json.Marshal(Envelope{Type: TypeSessionReplay, SessionID: "missing"})
	require.NoError(t, h.Handle(context.Background(), conn, raw, time.Now()))

	require.Equal(t, []string{TypeSessionNotFound}, conn.types())
}

func TestHub_SessionReplayReplaysHistory(t *testing.T) {
	st := newTestStore(t)
	h := NewHub(st, EchoResponder{})
	conn := &fakeConn{}

	raw, _ := json.Marshal(UserTurn{Message: "hi", SessionID: "s1"})
	require.NoError(t, h.Handle(context.Background(), conn, raw, time.Now()))

	replayConn := &fakeConn{}
	replay, _ := json.Marshal(Envelope{Type: TypeSessionReplay, SessionID: "s1"})
	require.NoError(t, h.Handle(context.Background(), replayConn, replay, time.Now()))

	require.Equal(t, TypeSessionResumed, replayConn.types()[0])
	require.Equal(t, TypeSessionReplayComplete, replayConn.types()[len(replayConn.types())-1])
}

func TestStore_EvictIdleRemovesStaleSessions(t *testing.T) {
	st := newTestStore(t)
	s := st.GetOrCreate("s1")
	s.touch(time.Now().Add(-IdleTimeout - time.Minute))

	evicted, err := st.EvictIdle(time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, evicted)

	_, ok := st.Get("s1")
	require.False(t, ok)
}

func TestStore_PersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore("proj-1", dir)
	require.NoError(t, err)

	s := st.GetOrCreate("s1")
	s.record(Turn{Role: "user", Content: "hi", Timestamp: time.Now()})
	require.NoError(t, st.Persist())

	reloaded, err := NewStore("proj-1", dir)
	require.NoError(t, err)
	got, ok := reloaded.Get("s1")
	require.True(t, ok)
	require.Len(t, got.snapshot(), 1)
}
