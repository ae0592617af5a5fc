package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

const cookieFilename = "api.cookie"

// generateToken creates a 32-byte random hex token.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// writeCookie writes the auth token to <dataDir>/api.cookie with 0600 perms.
func writeCookie(dataDir, token string) error {
	path := filepath.Join(dataDir, cookieFilename)
	return os.WriteFile(path, []byte(token), 0600)
}

// readCookie loads the token a running node wrote.
func readCookie(dataDir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dataDir, cookieFilename))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// deleteCookie removes the cookie file.
func deleteCookie(dataDir string) {
	_ = os.Remove(filepath.Join(dataDir, cookieFilename))
}

// authRequired rejects requests that don't carry a valid Bearer token.
func authRequired(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			apiError(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		provided := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			apiError(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}
