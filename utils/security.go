// yib/utils/security.go
package utils

import (
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/pbkdf2"
)

const (
	tripcodeSalt       = "yib-fixed-tripcode-salt"
	tripcodeIterations = 10000
	tripcodeKeyLen     = 16
	tripcodeLen        = 10
)

// GetIPAddress extracts the real IP address from a request, trusting proxy headers.
func GetIPAddress(r *http.Request) string {
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// IsModerator checks if the request is coming from a private or loopback IP address.
func IsModerator(r *http.Request) bool {
	ip := net.ParseIP(GetIPAddress(r))
	return ip != nil && (ip.IsPrivate() || ip.IsLoopback())
}

// GenerateTripcode splits "name#secret" into the display name and a trip marker
// derived from the secret. Without a secret the marker is empty.
func GenerateTripcode(name string) (string, string) {
	parts := strings.SplitN(name, "#", 2)
	displayName := strings.TrimSpace(parts[0])
	if len(parts) < 2 {
		return displayName, ""
	}
	secret := strings.TrimSpace(parts[1])
	if secret == "" {
		return displayName, ""
	}
	key := pbkdf2.Key([]byte(secret), []byte(tripcodeSalt), tripcodeIterations, tripcodeKeyLen, sha256.New)
	return displayName, "!" + hex.EncodeToString(key)[:tripcodeLen]
}

// FormatName renders a display name with its trip marker, if any.
func FormatName(displayName, tripcode string) string {
	switch {
	case tripcode == "":
		return displayName
	case displayName == "":
		return tripcode
	default:
		return displayName + " " + tripcode
	}
}
