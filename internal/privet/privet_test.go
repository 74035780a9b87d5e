package privet

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"deviceagent/internal/catalog"
	"deviceagent/internal/command"
	"deviceagent/internal/config"
	"deviceagent/internal/eventbus"
	"deviceagent/internal/gcd"
	"deviceagent/internal/security"
)

func onOffCommand() *catalog.Command {
	return &catalog.Command{
		Name:        "base.onOff",
		MinimalRole: config.RoleUser,
		Parameters: &catalog.Schema{
			Type: catalog.TypeObject,
			Properties: map[string]*catalog.Schema{
				"on": {Type: catalog.TypeBoolean},
			},
			Required: []string{"on"},
		},
	}
}

// newTestServer builds a Server backed by a live controller with local
// pairing and anonymous access enabled, ready to exercise the auth,
// pairing, and command routes over httptest.
func newTestServer(t *testing.T) (*Server, *gcd.Controller) {
	t.Helper()
	store, err := config.NewBoltStore(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Update(func(s *config.Settings) error {
		s.Name = "Test Device"
		s.LocalPairingEnabled = true
		s.PairingModes = []config.PairingMode{config.PairingModePinCode}
		s.LocalAnonymousRole = config.RoleViewer
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	secret, err := security.EnsureDeviceSecret(store)
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := security.NewManager(secret)
	if err != nil {
		t.Fatal(err)
	}

	cat := catalog.New()
	if err := cat.LoadBase([]*catalog.Command{onOffCommand()}); err != nil {
		t.Fatal(err)
	}

	c := gcd.New(gcd.Deps{
		Store:    store,
		Catalog:  cat,
		Security: mgr,
		Events:   eventbus.New(nil),
	})
	t.Cleanup(c.Stop)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	return NewServer(c), c
}

func TestHandleInfoRequiresNoAuth(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp := doGet(t, srv.URL+"/privet/info", "")
	if resp.status != 200 {
		t.Fatalf("status = %d, want 200", resp.status)
	}
	if resp.body["name"] != "Test Device" {
		t.Errorf("name = %v, want Test Device", resp.body["name"])
	}
}

func TestHandleStateWithoutAuthIsUnauthorized(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp := doGet(t, srv.URL+"/privet/v3/state", "")
	if resp.status != 401 {
		t.Fatalf("status = %d, want 401", resp.status)
	}
	errObj, _ := resp.body["error"].(map[string]any)
	if errObj["code"] != "authorizationMissing" {
		t.Errorf("error.code = %v, want authorizationMissing", errObj["code"])
	}
}

func TestHandleAuthAnonymousThenReadState(t *testing.T) {
	s, c := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	authResp := doPost(t, srv.URL+"/privet/v3/auth", "", map[string]any{})
	if authResp.status != 200 {
		t.Fatalf("auth status = %d, want 200", authResp.status)
	}
	token, _ := authResp.body["accessToken"].(string)
	if token == "" {
		t.Fatal("expected non-empty anonymous access token")
	}

	c.NotifyState("base.onOff.on", true)

	stateResp := doGet(t, srv.URL+"/privet/v3/state", token)
	if stateResp.status != 200 {
		t.Fatalf("state status = %d, want 200", stateResp.status)
	}
}

func TestHandleAuthAnonymousDeniedWhenDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	store := s.store
	if err := store.Update(func(set *config.Settings) error {
		set.LocalAnonymousRole = config.RoleNone
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	resp := doPost(t, srv.URL+"/privet/v3/auth", "", map[string]any{})
	if resp.status != 401 {
		t.Fatalf("status = %d, want 401", resp.status)
	}
}

func TestPairingStartAndConfirmHappyPath(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	// The client would derive this commitment independently after learning
	// the PIN out-of-band; here we reuse the server's own value as the
	// stand-in for that shared derivation, matching the stubbed SPAKE2
	// handshake security.Manager implements.
	startResp := doPost(t, srv.URL+"/privet/v3/pairing/start", "", map[string]any{"pairing": "pinCode"})
	if startResp.status != 200 {
		t.Fatalf("pairing/start status = %d, want 200", startResp.status)
	}
	sessionID, _ := startResp.body["sessionId"].(string)
	commitment, _ := startResp.body["deviceCommitment"].(string)
	if sessionID == "" || commitment == "" {
		t.Fatalf("pairing/start body = %+v", startResp.body)
	}

	confirmResp := doPost(t, srv.URL+"/privet/v3/pairing/confirm", "", map[string]any{
		"sessionId":        sessionID,
		"clientCommitment": commitment,
	})
	if confirmResp.status != 200 {
		t.Fatalf("pairing/confirm status = %d, want 200: %+v", confirmResp.status, confirmResp.body)
	}
}

func TestPairingStartRejectedWhenDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	if err := s.store.Update(func(set *config.Settings) error {
		set.LocalPairingEnabled = false
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	resp := doPost(t, srv.URL+"/privet/v3/pairing/start", "", map[string]any{"pairing": "pinCode"})
	if resp.status != 403 {
		t.Fatalf("status = %d, want 403", resp.status)
	}
}

func TestPairingCancelIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp := doPost(t, srv.URL+"/privet/v3/pairing/cancel", "", map[string]any{"sessionId": "unknown-session"})
	if resp.status != 200 {
		t.Fatalf("status = %d, want 200", resp.status)
	}
}

func TestCommandsExecuteRequiresUserRole(t *testing.T) {
	s, c := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	c.RegisterHandler("base.onOff", func(ctx context.Context, inst *command.Instance) error { return nil })

	// An anonymous viewer token is below onOff's minimalRole (user) and
	// below handleCommandsExecute's own role floor.
	authResp := doPost(t, srv.URL+"/privet/v3/auth", "", map[string]any{})
	token, _ := authResp.body["accessToken"].(string)

	execResp := doPost(t, srv.URL+"/privet/v3/commands/execute", token, map[string]any{
		"name":       "onOff",
		"component":  "base",
		"parameters": map[string]any{"on": true},
	})
	if execResp.status != 403 {
		t.Fatalf("status = %d, want 403", execResp.status)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp := doGet(t, srv.URL+"/privet/v3/doesNotExist", "")
	if resp.status != 404 {
		t.Fatalf("status = %d, want 404", resp.status)
	}
}
