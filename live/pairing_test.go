package live

import (
	"strings"
	"testing"
)

func TestPairingGenerateAndRedeem(t *testing.T) {
	codes := NewPairingCodes()
	defer codes.Stop()

	pc, err := codes.Generate("user_p", "sess_pair")
	assertNoError(t, err)
	if len(pc.Code) != 6 || strings.Trim(pc.Code, "0123456789") != "" {
		t.Fatalf("code is not 6 digits: %q", pc.Code)
	}
	if !strings.HasPrefix(pc.DeviceID, "mobile_") {
		t.Fatalf("device id: %q", pc.DeviceID)
	}

	got, ok := codes.Redeem(pc.Code)
	if !ok {
		t.Fatalf("failed to redeem a fresh code")
	}
	if got.SessionID != "sess_pair" || got.UserID != "user_p" || got.DeviceID != pc.DeviceID {
		t.Fatalf("redeemed the wrong code: %+v", got)
	}

	// codes stay redeemable for their TTL so a flaky mobile link can retry
	if _, ok := codes.Redeem(pc.Code); !ok {
		t.Fatalf("second redeem within TTL failed")
	}
}

func TestPairingUnknownCode(t *testing.T) {
	codes := NewPairingCodes()
	defer codes.Stop()
	if _, ok := codes.Redeem("000000"); ok {
		t.Fatalf("redeemed a code that was never issued")
	}
}

func TestPairingOneCodePerUser(t *testing.T) {
	codes := NewPairingCodes()
	defer codes.Stop()

	first, err := codes.Generate("user_p2", "sess_pair_1")
	assertNoError(t, err)
	second, err := codes.Generate("user_p2", "sess_pair_2")
	assertNoError(t, err)

	if _, ok := codes.Redeem(first.Code); ok {
		t.Fatalf("generating a new code did not revoke the old one")
	}
	got, ok := codes.Redeem(second.Code)
	if !ok || got.SessionID != "sess_pair_2" {
		t.Fatalf("latest code not redeemable: %v %v", got, ok)
	}

	// codes are per-user: another user's code survives
	other, err := codes.Generate("user_p3", "sess_pair_3")
	assertNoError(t, err)
	codes.Generate("user_p2", "sess_pair_4")
	if _, ok := codes.Redeem(other.Code); !ok {
		t.Fatalf("another user's code was revoked")
	}
}
