package session

import (
	"context"
	"testing"
	"time"
)

func newTestServer() *Server {
	return &Server{
		cfg:        Config{},
		askFutures: make(map[string]chan map[string]string),
	}
}

func TestHandleAskResponseDeliversToWaitingFuture(t *testing.T) {
	s := newTestServer()
	ch := make(chan map[string]string, 1)
	s.askMu.Lock()
	s.askFutures["req-1"] = ch
	s.askMu.Unlock()

	s.handleAskResponse("req-1", map[string]string{"q1": "yes"})

	select {
	case answers := <-ch:
		if answers["q1"] != "yes" {
			t.Errorf("got %v, want q1=yes", answers)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for answer delivery")
	}

	s.askMu.Lock()
	_, stillPending := s.askFutures["req-1"]
	s.askMu.Unlock()
	if stillPending {
		t.Error("expected ask future to be removed after response")
	}
}

func TestHandleAskResponseIgnoresUnknownRequestID(t *testing.T) {
	s := newTestServer()
	// Must not panic or block when the request id is not pending.
	s.handleAskResponse("does-not-exist", map[string]string{"q1": "yes"})
}

func TestCancelAskFuturesClosesAllPending(t *testing.T) {
	s := newTestServer()
	ch1 := make(chan map[string]string, 1)
	ch2 := make(chan map[string]string, 1)
	s.askMu.Lock()
	s.askFutures["a"] = ch1
	s.askFutures["b"] = ch2
	s.askMu.Unlock()

	s.cancelAskFutures()

	if _, ok := <-ch1; ok {
		t.Error("expected ch1 to be closed")
	}
	if _, ok := <-ch2; ok {
		t.Error("expected ch2 to be closed")
	}
	s.askMu.Lock()
	remaining := len(s.askFutures)
	s.askMu.Unlock()
	if remaining != 0 {
		t.Errorf("expected no remaining ask futures, got %d", remaining)
	}
}

func TestHandlePermissionPassesThroughNonAskTool(t *testing.T) {
	s := newTestServer()
	input := map[string]any{"market_id": "M1"}
	out, err := s.handlePermission(context.Background(), "get_market", input)
	if err != nil {
		t.Fatalf("handlePermission: %v", err)
	}
	if out["market_id"] != "M1" {
		t.Errorf("expected passthrough input, got %v", out)
	}
}
