package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"time"

	"github.com/coderelay/coderelay/internal/apperr"
)

// DaemonInfo is written next to the lock file so local clients can find the
// control API and authenticate to it.
type DaemonInfo struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Token     string    `json:"token"`
	StartedAt time.Time `json:"started_at"`
}

// NewToken generates the 32-byte hex control token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.E("gateway.NewToken", apperr.KindAuth, err)
	}
	return hex.EncodeToString(buf), nil
}

// WriteDaemonInfo writes daemon.json readable only by the owner.
func WriteDaemonInfo(path string, info DaemonInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return apperr.E("gateway.WriteDaemonInfo", apperr.KindStorage, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return apperr.E("gateway.WriteDaemonInfo", apperr.KindStorage, err)
	}
	return nil
}

// ReadDaemonInfo loads daemon.json.
func ReadDaemonInfo(path string) (*DaemonInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.E("gateway.ReadDaemonInfo", apperr.KindStorage, err)
	}
	var info DaemonInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, apperr.E("gateway.ReadDaemonInfo", apperr.KindStorage, err)
	}
	return &info, nil
}
