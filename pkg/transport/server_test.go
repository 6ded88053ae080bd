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

package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/specforge/orchestrator/pkg/dragon"
)

func TestServer_WebSocketRoundTrip(t *testing.T) {
	store, err := dragon.NewStore("proj-1", t.TempDir())
	require.NoError(t, err)
	hub := dragon.NewHub(store, dragon.EchoResponder{})

	srv := NewServer(Config{
		Hubs: func(projectID string) (*dragon.Hub, bool) {
			if projectID != "proj-1" {
				return nil, false
			}
			return hub, true
		},
	})

	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/proj-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	turn := dragon.UserTurn{Message: "hi", SessionID: "s1"}
	require.NoError(t, conn.WriteJSON(turn))

	var sawMessage bool
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 10; i++ {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		if frame["type"] == dragon.TypeMessage {
			sawMessage = true
			break
		}
	}
	require.True(t, sawMessage)
}

func TestServer_UnknownProjectRejected(t *testing.T) {
	srv := NewServer(Config{
		Hubs: func(string) (*dragon.Hub, bool) { return nil, false },
	})
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 404, resp.StatusCode)
}
