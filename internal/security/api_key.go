package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// VirtualKeyPrefix marks keys issued by this service.
const VirtualKeyPrefix = "vk-"

// GenerateAPIKey creates a new random virtual API key.
func GenerateAPIKey() (token string, err error) {
	secret := make([]byte, 24)
	if _, err = io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return VirtualKeyPrefix + hex.EncodeToString(secret), nil
}

// LooksLikeVirtualKey reports whether key carries the virtual key prefix.
func LooksLikeVirtualKey(key string) bool {
	key = strings.TrimSpace(key)
	return strings.HasPrefix(key, VirtualKeyPrefix) && len(key) > len(VirtualKeyPrefix)
}
