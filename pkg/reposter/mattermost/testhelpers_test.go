// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter"
)

var (
	botID     = model.NewId()
	aliceID   = model.NewId()
	teamID    = model.NewId()
	generalID = model.NewId()
	archiveID = model.NewId()
	dmID      = model.NewId()
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Query  url.Values
	Body   string
}

// fakeMM is an httptest.Server simulating the Mattermost API. Responses are
// keyed by "METHOD path"; an http.HandlerFunc value is called instead of
// being encoded. Unknown routes return 404.
type fakeMM struct {
	Server *httptest.Server

	mu        sync.Mutex
	calls     []endpointCall
	responses map[string]any
}

func newFakeMM(t *testing.T) (*fakeMM, *Client) {
	t.Helper()
	f := &fakeMM{responses: make(map[string]any)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)

	client := model.NewAPIv4Client(f.Server.URL)
	client.SetToken("test-token")
	c := newClient(client, f.Server.URL, zerolog.Nop())
	c.me = &reposter.User{ID: botID, Username: "reposter", Bot: true}
	return f, c
}

func (f *fakeMM) on(method, path string, response any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" "+path] = response
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: string(body)})
	resp, ok := f.responses[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "api.context.404.app_error", "message": "not found: " + r.URL.Path, "status_code": 404,
		})
		return
	}
	if fn, isFunc := resp.(http.HandlerFunc); isFunc {
		fn(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) lastCall(method, path string) *endpointCall {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == method && calls[i].Path == path {
			return &calls[i]
		}
	}
	return nil
}

func (f *fakeMM) count(method, path string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

// postList builds a PostList whose Order lists posts newest first.
func postList(posts ...*model.Post) *model.PostList {
	list := model.NewPostList()
	for _, p := range posts {
		list.AddPost(p)
		list.AddOrder(p.Id)
	}
	return list
}

// makePosts returns n posts in channelID, oldest first, with ascending
// CreateAt.
func makePosts(channelID string, n int) []*model.Post {
	posts := make([]*model.Post, n)
	for i := range posts {
		posts[i] = &model.Post{
			Id:        model.NewId(),
			ChannelId: channelID,
			UserId:    aliceID,
			Message:   "message",
			CreateAt:  int64(1000 + i),
		}
	}
	return posts
}

func newestFirst(posts []*model.Post) []*model.Post {
	out := make([]*model.Post, len(posts))
	for i, p := range posts {
		out[len(posts)-1-i] = p
	}
	return out
}

// seedWorld registers a team, two channels, a DM and the user alice.
func seedWorld(f *fakeMM) {
	f.on(http.MethodGet, "/api/v4/users/"+aliceID, &model.User{Id: aliceID, Username: "alice", Nickname: "Al"})
	f.on(http.MethodGet, "/api/v4/channels/"+generalID, &model.Channel{
		Id: generalID, TeamId: teamID, Name: "general", DisplayName: "General", Purpose: "chat", Type: model.ChannelTypeOpen,
	})
	f.on(http.MethodGet, "/api/v4/channels/"+archiveID, &model.Channel{
		Id: archiveID, TeamId: teamID, Name: "archive", DisplayName: "Archive", Type: model.ChannelTypePrivate,
	})
	f.on(http.MethodGet, "/api/v4/channels/"+dmID, &model.Channel{
		Id: dmID, Name: botID + "__" + aliceID, Type: model.ChannelTypeDirect,
	})
	f.on(http.MethodGet, "/api/v4/teams/"+teamID, &model.Team{Id: teamID, Name: "one", DisplayName: "Team One"})
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

type recordingHandler struct {
	mu        sync.Mutex
	messages  []*reposter.Message
	reactions []*reposter.ReactionEvent
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg *reposter.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleReaction(_ context.Context, evt *reposter.ReactionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reactions = append(h.reactions, evt)
}
