// Package auth authenticates the two kinds of callers the daemon serves.
//
// Editor extensions run on the same machine and present a shared secret
// read from a 0600 token file (EditorToken). Mobile clients present a
// per-device bearer token issued by `chatremote pair`; only its bcrypt hash
// is stored, so a leaked database does not leak usable tokens.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/chatremote/host/internal/storage"
)

// ErrDeviceNotFound is returned when no paired device matches a token.
var ErrDeviceNotFound = errors.New("device not found")

// Device is the stored device record.
type Device = storage.Device

// DeviceStore persists paired devices. Implemented by storage.SQLiteStore.
type DeviceStore interface {
	SaveDevice(device *Device) error
	GetDevice(id string) (*Device, error)
	ListDevices() ([]*Device, error)
	DeleteDevice(id string) (bool, error)
	UpdateLastSeen(id string, t time.Time) error
}

// bcryptCost is lowered in tests.
var bcryptCost = bcrypt.DefaultCost

// MaxDeviceNameLength bounds the friendly name stored for a device.
const MaxDeviceNameLength = 100

// IssueDevice creates a device named name and returns it with its bearer
// token. The token is not recoverable afterwards.
func IssueDevice(store DeviceStore, name string, now time.Time) (*Device, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "mobile"
	}
	if len(name) > MaxDeviceNameLength {
		return nil, "", fmt.Errorf("device name longer than %d bytes", MaxDeviceNameLength)
	}

	token, err := randomToken()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash token: %w", err)
	}

	d := &Device{
		ID:        uuid.NewString(),
		Name:      name,
		TokenHash: string(hash),
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := store.SaveDevice(d); err != nil {
		return nil, "", fmt.Errorf("save device: %w", err)
	}
	return d, token, nil
}

// randomToken returns 32 random bytes, hex encoded.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
