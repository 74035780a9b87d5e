package security

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/config"
)

const (
	maxConcurrentSessions = 3
	sessionExpiry         = time.Minute
	maxFailedConfirms     = 5
	failureWindow         = 10 * time.Minute
	lockoutDuration       = 30 * time.Minute
	tokenLifetime         = time.Hour
	macKeyInfo            = "privet-pairing-mac-v1"
)

// session is an in-memory SPAKE2-style handshake in progress.
type session struct {
	id               string
	mode             config.PairingMode
	code             string
	deviceCommitment []byte
	confirmed        bool
	createdAt        time.Time
}

// Manager runs the pairing handshake and issues/validates local access
// tokens. A single Manager instance is owned by the controller's wiring
// and shared (by weak reference) with the Privet handler.
type Manager struct {
	mu             sync.Mutex
	sessions       map[string]*session
	failedConfirms []time.Time
	lockedUntil    time.Time
	macKey         []byte
	tokens         *TokenIssuer
	now            func() time.Time
}

// NewManager derives the pairing MAC key from deviceSecret and builds the
// token issuer sharing the same root secret.
func NewManager(deviceSecret []byte) (*Manager, error) {
	macKey, err := deriveKey(deviceSecret, macKeyInfo)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.DomainBuffet, "", "derive pairing MAC key", err)
	}
	tokens, err := NewTokenIssuer(deviceSecret)
	if err != nil {
		return nil, err
	}
	return &Manager{
		sessions: make(map[string]*session),
		macKey:   macKey,
		tokens:   tokens,
		now:      time.Now,
	}, nil
}

func (m *Manager) pruneExpiredLocked() {
	now := m.now()
	for id, s := range m.sessions {
		if !s.confirmed && now.Sub(s.createdAt) > sessionExpiry {
			delete(m.sessions, id)
		}
	}
}

func generatePinCode() (string, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	n := (int(buf[0])<<8 | int(buf[1])) % 10000
	return fmt.Sprintf("%04d", n), nil
}

// PairingStart begins a handshake for the given mode, returning the new
// session id and a device commitment the client verifies out-of-band.
// embeddedCode is the Settings-configured fixed code, used when mode is
// embeddedCode.
func (m *Manager) PairingStart(mode config.PairingMode, embeddedCode string) (sessionID string, deviceCommitment []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneExpiredLocked()
	if len(m.sessions) >= maxConcurrentSessions {
		return "", nil, agenterr.New(agenterr.DomainPrivet, "", "maximum concurrent pairing sessions reached")
	}

	var code string
	switch mode {
	case config.PairingModePinCode:
		code, err = generatePinCode()
		if err != nil {
			return "", nil, agenterr.Wrap(agenterr.DomainBuffet, "", "generate pin code", err)
		}
	case config.PairingModeEmbeddedCode:
		code = embeddedCode
	default:
		// ultrasound32/audible32: code delivered over an out-of-band side
		// channel external to this agent; the handshake state machine is
		// identical regardless of transport.
		code = embeddedCode
	}

	id := uuid.NewString()
	s := &session{
		id:        id,
		mode:      mode,
		code:      code,
		createdAt: m.now(),
	}
	s.deviceCommitment = computeHMAC(m.macKey, []byte(id), []byte(mode), []byte(code))
	m.sessions[id] = s

	return id, s.deviceCommitment, nil
}

// PairingConfirm verifies the client's commitment against the session's
// expected value (a stand-in for the SPAKE2 shared-secret confirmation
// step) and returns a channel-binding fingerprint on success.
func (m *Manager) PairingConfirm(sessionID string, clientCommitment []byte, certFingerprint []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if locked, until := m.isLockedLocked(); locked {
		return nil, agenterr.New(agenterr.DomainPrivet, "", fmt.Sprintf("pairing locked until %s", until.Format(time.RFC3339)))
	}

	m.pruneExpiredLocked()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, agenterr.New(agenterr.DomainPrivet, "", "unknown or expired pairing session")
	}

	if !verifyHMAC(m.macKey, clientCommitment, []byte(sessionID), []byte(s.mode), []byte(s.code)) {
		m.recordFailureLocked()
		delete(m.sessions, sessionID)
		return nil, agenterr.New(agenterr.DomainPrivet, "", "pairing confirmation mismatch")
	}

	s.confirmed = true
	return certFingerprint, nil
}

func (m *Manager) recordFailureLocked() {
	now := m.now()
	cutoff := now.Add(-failureWindow)
	kept := m.failedConfirms[:0]
	for _, t := range m.failedConfirms {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.failedConfirms = kept

	if len(m.failedConfirms) >= maxFailedConfirms {
		m.lockedUntil = now.Add(lockoutDuration)
		m.failedConfirms = nil
	}
}

func (m *Manager) isLockedLocked() (bool, time.Time) {
	if m.lockedUntil.IsZero() {
		return false, time.Time{}
	}
	if m.now().Before(m.lockedUntil) {
		return true, m.lockedUntil
	}
	return false, time.Time{}
}

// Authenticate validates a MAC over nonce for a confirmed session and
// mints an owner-scoped access token valid for one hour.
func (m *Manager) Authenticate(sessionID string, nonce, mac []byte) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.confirmed {
		m.mu.Unlock()
		return "", agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "session not confirmed")
	}
	valid := verifyHMAC(m.macKey, mac, []byte(sessionID), nonce)
	delete(m.sessions, sessionID) // single use
	m.mu.Unlock()

	if !valid {
		return "", agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "authenticate MAC mismatch")
	}

	now := m.now()
	token := m.tokens.Mint(TokenClaims{
		UserID:   sessionID,
		Role:     config.RoleOwner,
		Scope:    "owner",
		IssuedAt: now,
		Expiry:   now.Add(tokenLifetime),
	})
	return token, nil
}

// CancelPairingSession terminates an in-progress session.
func (m *Manager) CancelPairingSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// ValidateToken validates an access token and returns its claims.
func (m *Manager) ValidateToken(token string) (TokenClaims, error) {
	return m.tokens.Validate(token, m.now())
}

// MintAnonymousToken issues a token for anonymous access at the configured
// ceiling role, used when Settings permit anonymous Privet access.
func (m *Manager) MintAnonymousToken(role config.Role) string {
	now := m.now()
	return m.tokens.Mint(TokenClaims{
		UserID:   "anonymous",
		Role:     role,
		Scope:    role.String(),
		IssuedAt: now,
		Expiry:   now.Add(tokenLifetime),
	})
}
