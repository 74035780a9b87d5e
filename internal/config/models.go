// Package config holds the persisted Settings document and the
// transactional store that guarantees partial writes are never observable.
package config

// PairingMode names one of the local pairing handshake's supported
// out-of-band code channels.
type PairingMode string

const (
	PairingModePinCode      PairingMode = "pinCode"
	PairingModeEmbeddedCode PairingMode = "embeddedCode"
	PairingModeUltrasound32 PairingMode = "ultrasound32"
	PairingModeAudible32    PairingMode = "audible32"
)

// Role orders the Privet authorization lattice: viewer < user < manager < owner.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleUser
	RoleManager
	RoleOwner
)

// ParseRole maps a role name to its Role, defaulting to RoleNone for
// anything unrecognized (never for "none" itself, which is a valid value).
func ParseRole(s string) Role {
	switch s {
	case "viewer":
		return RoleViewer
	case "user":
		return RoleUser
	case "manager":
		return RoleManager
	case "owner":
		return RoleOwner
	default:
		return RoleNone
	}
}

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleUser:
		return "user"
	case RoleManager:
		return "manager"
	case RoleOwner:
		return "owner"
	default:
		return "none"
	}
}

// Settings is the single persisted document the agent keeps. Every write
// replaces the whole document — there is no field-level persistence.
type Settings struct {
	ClientID    string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	APIKey      string `json:"api_key"`
	OAuthURL    string `json:"oauth_url"`
	ServiceURL  string `json:"service_url"`

	OEMName   string `json:"oem_name"`
	ModelName string `json:"model_name"`
	ModelID   string `json:"model_id"`

	Name        string `json:"name"`
	Description string `json:"description"`
	Location    string `json:"location"`

	CloudID      string `json:"cloud_id"`
	RefreshToken string `json:"refresh_token"`
	RobotAccount string `json:"robot_account"`

	// DeviceSecret is random 16+ bytes, base64-encoded, generated once on
	// first start by the security manager and never rotated in place.
	DeviceSecret string `json:"device_secret"`

	PairingModes        []PairingMode `json:"pairing_modes"`
	EmbeddedCode        string        `json:"embedded_code,omitempty"`
	LocalAnonymousRole  Role          `json:"local_anonymous_access_role"`
	LocalDiscoveryEnabled bool        `json:"local_discovery_enabled"`
	LocalPairingEnabled bool          `json:"local_pairing_enabled"`
	WifiAutoSetupEnabled bool         `json:"wifi_auto_setup_enabled"`

	// DisableSecurity bypasses Privet auth entirely; test-only, never set
	// by production bootstrap.
	DisableSecurity bool `json:"disable_security"`

	// SchemaVersion detects an incompatible on-disk document shape across
	// agent upgrades. Bumped only when this struct's JSON shape changes.
	SchemaVersion int `json:"schema_version"`
}

const currentSchemaVersion = 1

// Defaults returns the Settings document used the very first time the
// store opens with no prior document — equivalent to the original source's
// hardcoded staging Cloud defaults, now constructor-injected rather than
// baked into the binary.
func Defaults() Settings {
	return Settings{
		OAuthURL:           "https://accounts.google.com/o/oauth2/",
		ServiceURL:         "https://www-googleapis-staging.sandbox.google.com/clouddevices/v1/",
		LocalAnonymousRole: RoleNone,
		SchemaVersion:      currentSchemaVersion,
	}
}

// IsRegistered reports whether the device has completed registration at
// least once (unconfigured iff refresh_token is empty).
func (s *Settings) IsRegistered() bool {
	return s.RefreshToken != ""
}

// HasPairingMode reports whether mode is among the configured pairing modes.
func (s *Settings) HasPairingMode(mode PairingMode) bool {
	for _, m := range s.PairingModes {
		if m == mode {
			return true
		}
	}
	return false
}
