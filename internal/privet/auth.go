package privet

import (
	"net/http"
	"strings"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/config"
)

const authScheme = "Privet "

// authenticate resolves the caller's role from the request's Authorization
// header. "Privet anonymous" resolves to the Settings-configured anonymous
// ceiling role (RoleNone, i.e. denied, if anonymous access is off); any
// other value must be a valid bearer token minted by the security manager.
func (s *Server) authenticate(r *http.Request) (config.Role, error) {
	settings, err := s.store.Load()
	if err != nil {
		return config.RoleNone, agenterr.Wrap(agenterr.DomainBuffet, "", "load settings", err)
	}
	if settings.DisableSecurity {
		return config.RoleOwner, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return config.RoleNone, agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "missing Authorization header")
	}
	if !strings.HasPrefix(header, authScheme) {
		return config.RoleNone, agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "unsupported Authorization scheme")
	}
	token := strings.TrimPrefix(header, authScheme)

	if token == "anonymous" {
		if settings.LocalAnonymousRole == config.RoleNone {
			return config.RoleNone, agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "anonymous access is disabled")
		}
		return settings.LocalAnonymousRole, nil
	}

	claims, err := s.security.ValidateToken(token)
	if err != nil {
		return config.RoleNone, err
	}
	return claims.Role, nil
}

// requireRole authenticates the request and checks the resolved role meets
// minimal. On failure it writes the appropriate 401/403 response itself and
// returns false.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, minimal config.Role) (config.Role, bool) {
	role, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return config.RoleNone, false
	}
	if role < minimal {
		writeCodedError(w, http.StatusForbidden, "accessDenied", "caller role does not meet the minimum required for this route")
		return config.RoleNone, false
	}
	return role, true
}
