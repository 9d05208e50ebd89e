package ws

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Session tokens are "tenantID.userID.signature" with an HMAC-SHA256
// signature over the first two parts. The portal mints them at login;
// the websocket endpoints only verify. A separate static admin token
// grants platform-admin access.

// MintSessionToken returns a token granting access to one tenant.
func MintSessionToken(secret, tenantID, userID string) string {
	return tenantID + "." + userID + "." + sign(secret, tenantID, userID)
}

func sign(secret, tenantID, userID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tenantID + "\x00" + userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// TokenAuthenticator verifies session tokens against a secret. When
// adminToken is non-empty, a matching token grants platform-admin.
func TokenAuthenticator(adminToken, secret string) Authenticator {
	return func(token string) (*Principal, error) {
		if adminToken != "" && hmac.Equal([]byte(token), []byte(adminToken)) {
			return &Principal{UserID: "admin", PlatformAdmin: true}, nil
		}
		parts := strings.Split(token, ".")
		if len(parts) != 3 {
			return nil, errors.New("malformed token")
		}
		tenantID, userID, sig := parts[0], parts[1], parts[2]
		if !hmac.Equal([]byte(sig), []byte(sign(secret, tenantID, userID))) {
			return nil, errors.New("bad signature")
		}
		return &Principal{UserID: userID, TenantID: tenantID}, nil
	}
}
