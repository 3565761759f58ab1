package device

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type Status string

const (
	StatusRegistered Status = "registered"
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusRevoked    Status = "revoked"
)

const (
	TokenTypeDeviceAccess = "device_access"
	TokenTypeBearer       = "bearer"

	idPrefix = "rfid-device-"
	idLength = 16
)

type Device struct {
	ID            string     `json:"device_id"`
	MacAddress    string     `json:"mac_address"`
	Name          string     `json:"device_name,omitempty"`
	Location      string     `json:"location,omitempty"`
	Status        Status     `json:"status"`
	RegisteredAt  time.Time  `json:"registered_at"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	TotalReadings int64      `json:"total_readings"`
}

// Token is the server side record of an issued bearer credential. Only the
// hash of the bearer value is kept.
type Token struct {
	Hash      string
	DeviceID  string
	Type      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

type Credential struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	DeviceID    string    `json:"device_id"`
}

type Heartbeat struct {
	DeviceID         string    `json:"device_id"`
	Status           string    `json:"status"`
	AgentState       string    `json:"agent_state,omitempty"`
	CPUTemp          *float64  `json:"cpu_temp,omitempty"`
	MemoryUsage      *float64  `json:"memory_usage,omitempty"`
	DiskUsage        *float64  `json:"disk_usage,omitempty"`
	Uptime           *float64  `json:"uptime,omitempty"`
	BufferedReadings int       `json:"buffered_readings"`
	ReceivedAt       time.Time `json:"received_at,omitempty"`
}

type Stats struct {
	Total      int `json:"total"`
	Registered int `json:"registered"`
	Online     int `json:"online"`
	Offline    int `json:"offline"`
	Revoked    int `json:"revoked"`
}

// NormalizeFingerprint upper-cases a MAC style fingerprint so that the same
// hardware always maps to the same identity.
func NormalizeFingerprint(fingerprint string) string {
	return strings.ToUpper(strings.TrimSpace(fingerprint))
}

// DeriveID computes the device identity for a fingerprint: the first 16 hex
// characters of sha256("rfid-device-" + FINGERPRINT).
func DeriveID(fingerprint string) string {
	sum := sha256.Sum256([]byte(idPrefix + NormalizeFingerprint(fingerprint)))
	return hex.EncodeToString(sum[:])[:idLength]
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
