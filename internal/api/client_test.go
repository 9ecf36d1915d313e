package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openhuddle/huddle/internal/domain"
	"github.com/openhuddle/huddle/internal/proto"
)

func TestCreateCall(t *testing.T) {
	var gotBody struct {
		ParticipantID domain.ParticipantID `json:"participant_id"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/calls" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"call_id": "call-42"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	id, err := c.CreateCall(context.Background(), 7)
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if id != "call-42" {
		t.Errorf("call id = %q", id)
	}
	if gotBody.ParticipantID != 7 {
		t.Errorf("creator sent = %d, want 7", gotBody.ParticipantID)
	}
}

func TestEndCallForbiddenMapsToNotCreator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/calls/call-1/end" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "not the call creator"})
	}))
	defer srv.Close()

	err := NewClient(srv.URL).EndCall(context.Background(), "call-1", 2)
	if !errors.Is(err, domain.ErrNotCreator) {
		t.Errorf("err = %v, want ErrNotCreator", err)
	}
}

func TestFetchState(t *testing.T) {
	joined := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/calls/call-1/state" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(proto.StateSnapshot{
			CallID:    "call-1",
			CreatorID: 1,
			Status:    domain.CallInProgress.String(),
			Participants: []proto.SnapshotParticipant{
				{ParticipantID: 1, ConnectionID: "conn-1", Connected: true, JoinedAt: joined},
			},
			Messages: []domain.ChatMessage{
				{ID: "msg-1", ParticipantID: 1, Text: "hi", SentAt: joined},
			},
		})
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL).FetchState(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("FetchState: %v", err)
	}
	if snap.Status != domain.CallInProgress.String() || snap.CreatorID != 1 {
		t.Errorf("snapshot header = %+v", snap)
	}
	if len(snap.Participants) != 1 || snap.Participants[0].ConnectionID != "conn-1" {
		t.Errorf("participants = %+v", snap.Participants)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Text != "hi" {
		t.Errorf("messages = %+v", snap.Messages)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.FetchState(context.Background(), "call-1"); err == nil {
		t.Error("FetchState swallowed a 500")
	}
	if err := c.JoinCall(context.Background(), "call-1", 1); err == nil {
		t.Error("JoinCall swallowed a 500")
	}
}

func TestBaseURLTrailingSlashTrimmed(t *testing.T) {
	c := NewClient("http://localhost:8080/ ")
	if c.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q", c.BaseURL)
	}
}
