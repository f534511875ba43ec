package live

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const pairingCodeTTL = 5 * time.Minute

// PairingCode is what a desktop session hands to a mobile device so it can
// join without retyping credentials.
type PairingCode struct {
	Code      string    `json:"code"`
	UserID    string    `json:"-"`
	SessionID string    `json:"sessionId"`
	DeviceID  string    `json:"deviceId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PairingCodes issues short-lived 6-digit codes for pairing a mobile device to
// a session. Codes expire after 5 minutes and each user has at most one live
// code; generating a new one revokes the old.
type PairingCodes struct {
	cache *ttlcache.Cache[string, *PairingCode]

	mu         sync.Mutex
	codeByUser map[string]string
}

func NewPairingCodes() *PairingCodes {
	p := &PairingCodes{
		cache: ttlcache.New[string, *PairingCode](
			ttlcache.WithTTL[string, *PairingCode](pairingCodeTTL),
			// redeeming a code must not extend its lifetime
			ttlcache.WithDisableTouchOnHit[string, *PairingCode](),
		),
		codeByUser: make(map[string]string),
	}
	go p.cache.Start()
	return p
}

// Generate mints a fresh code for the user's session, revoking any code the
// user already holds, and pre-assigns the device ID the mobile client will
// connect with.
func (p *PairingCodes) Generate(userID, sessionID string) (*PairingCode, error) {
	code, err := randomDigits(6)
	if err != nil {
		return nil, fmt.Errorf("failed to generate pairing code: %w", err)
	}
	deviceID, err := randomDeviceID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device id: %w", err)
	}
	pc := &PairingCode{
		Code:      code,
		UserID:    userID,
		SessionID: sessionID,
		DeviceID:  deviceID,
		ExpiresAt: time.Now().Add(pairingCodeTTL),
	}

	p.mu.Lock()
	if old, ok := p.codeByUser[userID]; ok {
		p.cache.Delete(old)
	}
	p.codeByUser[userID] = code
	p.mu.Unlock()

	p.cache.Set(code, pc, ttlcache.DefaultTTL)
	return pc, nil
}

// Redeem looks a code up, returning false if it is unknown or expired. Codes
// stay valid for their full TTL so a mobile client that drops its connection
// during setup can retry.
func (p *PairingCodes) Redeem(code string) (*PairingCode, bool) {
	item := p.cache.Get(code)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (p *PairingCodes) Stop() {
	p.cache.Stop()
}

func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}

func randomDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "mobile_" + hex.EncodeToString(b), nil
}
