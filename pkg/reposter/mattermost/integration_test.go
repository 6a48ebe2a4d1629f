// Copyright 2024-2026 Aiku AI

//go:build integration

// Integration tests against a running Mattermost server.
//
// Run:  MM_URL=... MM_TOKEN=... MM_SOURCE_CHANNEL=... MM_DEST_CHANNEL=... \
//
//	go test -tags integration ./pkg/reposter/mattermost/

package mattermost

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter"
)

var (
	mmURL         string
	mmToken       string
	sourceChannel string
	destChannel   string
)

func TestMain(m *testing.M) {
	mmURL = envOr("MM_URL", "http://localhost:18065")
	mmToken = os.Getenv("MM_TOKEN")
	sourceChannel = os.Getenv("MM_SOURCE_CHANNEL")
	destChannel = os.Getenv("MM_DEST_CHANNEL")
	if mmToken == "" || sourceChannel == "" || destChannel == "" {
		fmt.Println("SKIP: MM_TOKEN, MM_SOURCE_CHANNEL and MM_DEST_CHANNEL required")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// liveClient logs in by running the client until the websocket is up.
func liveClient(t *testing.T) (*Client, *recordingHandler) {
	t.Helper()
	c := New(mmURL, mmToken, zerolog.New(zerolog.NewTestWriter(t)))
	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(10 * time.Second)
	for c.Me() == nil {
		if time.Now().After(deadline) {
			t.Fatal("client did not log in")
		}
		time.Sleep(50 * time.Millisecond)
	}
	return c, h
}

func TestIntegrationRepost(t *testing.T) {
	c, _ := liveClient(t)
	ctx := context.Background()

	src, err := c.Channel(ctx, sourceChannel)
	if err != nil {
		t.Fatalf("source channel: %v", err)
	}
	dst, err := c.Channel(ctx, destChannel)
	if err != nil {
		t.Fatalf("destination channel: %v", err)
	}
	marker := fmt.Sprintf("integration marker %d", time.Now().UnixNano())
	if _, err := c.Send(ctx, src.ID, &reposter.Outbound{Content: marker}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	store, err := reposter.NewStore(&reposter.MemoryStorage{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	engine := reposter.NewEngine(c, store, reposter.RelayConfig{}, zerolog.New(zerolog.NewTestWriter(t)))
	res, err := engine.Repost(ctx, reposter.Job{Source: src, Destination: dst, Hook: true})
	if err != nil {
		t.Fatalf("Repost: %v", err)
	}
	if res.Stopped || res.Messages == 0 {
		t.Fatalf("Repost result: %+v", res)
	}

	recent, err := c.Messages(ctx, dst.ID, "", 1)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if len(recent) == 0 {
		t.Fatal("destination is empty after repost")
	}
}
