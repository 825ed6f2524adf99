package auth

import (
	"crypto/sha256"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// cacheTTL bounds how long a validated token skips the bcrypt scan.
	// Revocation through Forget takes effect immediately.
	cacheTTL = time.Minute

	// lastSeenInterval throttles last_seen writes per device.
	lastSeenInterval = time.Minute
)

type cachedToken struct {
	deviceID  string
	expiresAt time.Time
}

// TokenValidator checks device bearer tokens against the store.
type TokenValidator struct {
	store   DeviceStore
	logger  *zap.Logger
	timeNow func() time.Time

	mu       sync.Mutex
	cache    map[[sha256.Size]byte]cachedToken
	lastSeen map[string]time.Time
}

// NewTokenValidator returns a validator over store.
func NewTokenValidator(store DeviceStore, logger *zap.Logger) *TokenValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenValidator{
		store:    store,
		logger:   logger,
		timeNow:  time.Now,
		cache:    make(map[[sha256.Size]byte]cachedToken),
		lastSeen: make(map[string]time.Time),
	}
}

// ValidateToken returns the device that owns token, or ErrDeviceNotFound.
//
// Lookup compares the token against every stored bcrypt hash, which is fine
// for the handful of phones a user pairs. Recent successes are cached by
// the token's SHA-256 so polling clients do not pay bcrypt per request.
func (tv *TokenValidator) ValidateToken(token string) (*Device, error) {
	if token == "" {
		return nil, ErrDeviceNotFound
	}
	now := tv.timeNow()
	key := sha256.Sum256([]byte(token))

	tv.mu.Lock()
	c, ok := tv.cache[key]
	tv.mu.Unlock()
	if ok && now.Before(c.expiresAt) {
		d, err := tv.store.GetDevice(c.deviceID)
		if err != nil {
			return nil, err
		}
		if d != nil {
			tv.touch(d.ID, now)
			return d, nil
		}
	}

	devices, err := tv.store.ListDevices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if bcrypt.CompareHashAndPassword([]byte(d.TokenHash), []byte(token)) != nil {
			continue
		}
		tv.mu.Lock()
		tv.cache[key] = cachedToken{deviceID: d.ID, expiresAt: now.Add(cacheTTL)}
		tv.mu.Unlock()
		tv.logger.Debug("device token validated", zap.String("device", d.ID))
		tv.touch(d.ID, now)
		return d, nil
	}

	tv.logger.Info("device token rejected")
	return nil, ErrDeviceNotFound
}

// Forget drops cached validations for deviceID.
func (tv *TokenValidator) Forget(deviceID string) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	for k, c := range tv.cache {
		if c.deviceID == deviceID {
			delete(tv.cache, k)
		}
	}
	delete(tv.lastSeen, deviceID)
}

func (tv *TokenValidator) touch(deviceID string, now time.Time) {
	tv.mu.Lock()
	last, ok := tv.lastSeen[deviceID]
	if ok && now.Sub(last) < lastSeenInterval {
		tv.mu.Unlock()
		return
	}
	tv.lastSeen[deviceID] = now
	tv.mu.Unlock()

	if err := tv.store.UpdateLastSeen(deviceID, now); err != nil {
		tv.logger.Warn("update last_seen failed", zap.String("device", deviceID), zap.Error(err))
	}
}
