package gcd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"deviceagent/internal/config"
)

func TestStartWithUnregisteredSettingsGoesUnconfigured(t *testing.T) {
	store := newTestStore(t)
	c := newTestController(t, store)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := c.State(); got != StateUnconfigured {
		t.Errorf("state = %v, want unconfigured", got)
	}
}

func TestStartWithRegisteredSettingsRefreshesAndConnects(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "AT", "expires_in": 3600})
	}))
	defer oauth.Close()

	store := newTestStore(t)
	if err := store.Update(func(s *config.Settings) error {
		s.OAuthURL = oauth.URL + "/"
		s.ServiceURL = "https://unused.example.com/"
		s.ClientID = "CID"
		s.ClientSecret = "CS"
		s.RefreshToken = "RT"
		s.CloudID = "cloud-1"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	c := newTestController(t, store)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitForState(t, c, StateConnected)
}

func TestTokenRefreshInvalidGrantGoesInvalidCredentials(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	}))
	defer oauth.Close()

	store := newTestStore(t)
	if err := store.Update(func(s *config.Settings) error {
		s.OAuthURL = oauth.URL + "/"
		s.ClientID = "CID"
		s.ClientSecret = "CS"
		s.RefreshToken = "RT"
		s.CloudID = "cloud-1"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	c := newTestController(t, store)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitForState(t, c, StateInvalidCredentials)
}

func TestNetworkChangedSuspendsAndResumes(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "AT", "expires_in": 3600})
	}))
	defer oauth.Close()

	store := newTestStore(t)
	if err := store.Update(func(s *config.Settings) error {
		s.OAuthURL = oauth.URL + "/"
		s.ClientID = "CID"
		s.ClientSecret = "CS"
		s.RefreshToken = "RT"
		s.CloudID = "cloud-1"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	c := newTestController(t, store)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateConnected)

	c.NetworkChanged(false)
	waitForState(t, c, StateOffline)

	c.NetworkChanged(true)
	waitForState(t, c, StateConnected)
}

func TestNetworkLossWhileUnconfiguredStaysUnconfigured(t *testing.T) {
	store := newTestStore(t)
	c := newTestController(t, store)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateUnconfigured)

	c.NetworkChanged(false)
	flush(c)
	if got := c.State(); got != StateUnconfigured {
		t.Errorf("state = %v, want unconfigured to stay unchanged", got)
	}
}

func TestDisableAndEnable(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "AT", "expires_in": 3600})
	}))
	defer oauth.Close()

	store := newTestStore(t)
	if err := store.Update(func(s *config.Settings) error {
		s.OAuthURL = oauth.URL + "/"
		s.ClientID = "CID"
		s.ClientSecret = "CS"
		s.RefreshToken = "RT"
		s.CloudID = "cloud-1"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	c := newTestController(t, store)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateConnected)

	c.Disable()
	waitForState(t, c, StateDisabled)

	c.Enable()
	waitForState(t, c, StateConnected)
}

func TestResetErasesIdentityAndReturnsToUnconfigured(t *testing.T) {
	oauth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "AT", "expires_in": 3600})
	}))
	defer oauth.Close()

	store := newTestStore(t)
	if err := store.Update(func(s *config.Settings) error {
		s.OAuthURL = oauth.URL + "/"
		s.ClientID = "CID"
		s.ClientSecret = "CS"
		s.RefreshToken = "RT"
		s.CloudID = "cloud-1"
		s.RobotAccount = "robot@clouddevices.gserviceaccount.com"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	c := newTestController(t, store)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateConnected)

	if err := c.Reset(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, c, StateUnconfigured)

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.RefreshToken != "" || got.CloudID != "" || got.RobotAccount != "" {
		t.Errorf("settings not erased: %+v", got)
	}
}
