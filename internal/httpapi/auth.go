package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// HMACAuthenticator issues opaque bearer tokens that bind a tenant id
// to an HMAC-SHA256 tag over it. Not a session scheme: tokens are
// stable per tenant and valid until the secret rotates.
type HMACAuthenticator struct {
	secret []byte
}

var _ Authenticator = (*HMACAuthenticator)(nil)

// NewHMACAuthenticator creates an authenticator over the given secret.
func NewHMACAuthenticator(secret []byte) (*HMACAuthenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth secret must not be empty")
	}
	return &HMACAuthenticator{secret: secret}, nil
}

func (a *HMACAuthenticator) tag(tenantID string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(tenantID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue returns the bearer token for a tenant.
func (a *HMACAuthenticator) Issue(tenantID string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant id must not be empty")
	}
	return tenantID + "." + a.tag(tenantID), nil
}

// Verify extracts and checks the bearer token, returning the tenant id.
func (a *HMACAuthenticator) Verify(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("missing bearer token")
	}

	tenantID, tag, ok := strings.Cut(token, ".")
	if !ok || tenantID == "" {
		return "", fmt.Errorf("malformed token")
	}
	if !hmac.Equal([]byte(tag), []byte(a.tag(tenantID))) {
		return "", fmt.Errorf("token verification failed")
	}
	return tenantID, nil
}
