package gcd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"deviceagent/internal/config"
)

func newRegistrationServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/registrationTickets/ticket-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		if r.URL.Query().Get("key") != "api-key" {
			t.Errorf("key query param = %q, want api-key", r.URL.Query().Get("key"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"deviceDraft": map[string]any{"id": "draft-device-1"},
		})
	})
	mux.HandleFunc("/registrationTickets/ticket-1/finalize", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"deviceDraft":                   map[string]any{"id": "device-1"},
			"robotAccountEmail":             "robot@clouddevices.gserviceaccount.com",
			"robotAccountAuthorizationCode": "auth-code-1",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "AT",
			"refresh_token": "RT-new",
			"expires_in":    3600,
		})
	})
	return httptest.NewServer(mux)
}

func TestRegisterHappyPathPersistsAtomically(t *testing.T) {
	srv := newRegistrationServer(t)
	defer srv.Close()

	store := newTestStore(t)
	if err := store.Update(func(s *config.Settings) error {
		s.ServiceURL = srv.URL + "/"
		s.OAuthURL = srv.URL + "/"
		s.APIKey = "api-key"
		s.ClientID = "CID"
		s.ClientSecret = "CS"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	c := newTestController(t, store)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateUnconfigured)

	if err := c.Register(context.Background(), "ticket-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.CloudID != "device-1" {
		t.Errorf("cloud_id = %q, want device-1", got.CloudID)
	}
	if got.RefreshToken != "RT-new" {
		t.Errorf("refresh_token = %q, want RT-new", got.RefreshToken)
	}
	if got.RobotAccount != "robot@clouddevices.gserviceaccount.com" {
		t.Errorf("robot_account = %q", got.RobotAccount)
	}

	waitForState(t, c, StateConnected)
}

func TestRegisterFailureLeavesSettingsUntouched(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/registrationTickets/bad-ticket", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "no such ticket"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newTestStore(t)
	if err := store.Update(func(s *config.Settings) error {
		s.ServiceURL = srv.URL + "/"
		s.OAuthURL = srv.URL + "/"
		s.APIKey = "api-key"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	c := newTestController(t, store)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateUnconfigured)

	err := c.Register(context.Background(), "bad-ticket")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "patch registration ticket") {
		t.Errorf("err = %v, want it to name the failing step", err)
	}

	got, loadErr := store.Load()
	if loadErr != nil {
		t.Fatal(loadErr)
	}
	if got.IsRegistered() {
		t.Error("settings should remain unregistered after a failed registration")
	}
	waitForState(t, c, StateUnconfigured)
}
