package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
)

const defaultTTL = time.Hour

// issuer signs short-lived ingest tokens for local development. The relay
// verifies them against the PEM public key this server exposes.
type issuer struct {
	key      *rsa.PrivateKey
	keyID    string
	iss, aud string
	now      func() time.Time
}

// loadOrGenerateKey parses a PKCS#1 PEM private key, or generates a fresh
// key pair when pemData is empty.
func loadOrGenerateKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

func (s *issuer) publicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (s *issuer) sign(clientID string, ttl time.Duration) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.iss,
		Audience:  jwt.ClaimStrings{s.aud},
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	token.Header["kid"] = s.keyID
	return token.SignedString(s.key)
}

func (s *issuer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", s.createTokenHandler)
	mux.HandleFunc("GET /public-key.pem", s.publicKeyHandler)
	mux.HandleFunc("GET /healthz", healthHandler)
	return mux
}

// createTokenHandler handles token creation requests
func (s *issuer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"client_id"`
		TTL      int    `json:"ttl_seconds,omitempty"` // Optional, defaults to 1 hour
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}
	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}

	tokenString, err := s.sign(req.ClientID, ttl)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      tokenString,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func (s *issuer) publicKeyHandler(w http.ResponseWriter, _ *http.Request) {
	b, err := s.publicKeyPEM()
	if err != nil {
		http.Error(w, "Failed to encode public key", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(b)
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("token-issuer")
	logger := logging.Default()

	key, err := loadOrGenerateKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("load signing key")
	}
	s := &issuer{key: key, keyID: "harborrelay-key-1", iss: cfg.Auth.Issuer, aud: cfg.Auth.Audience, now: time.Now}

	// The relay reads its verification key from a file, so share it over a volume.
	if out := os.Getenv("PUBLIC_KEY_OUT"); out != "" {
		b, err := s.publicKeyPEM()
		if err == nil {
			err = os.WriteFile(out, b, 0o644)
		}
		if err != nil {
			logger.Plain().WithError(err).Fatal("write public key")
		}
		logger.Plain().WithField("path", out).Info("Wrote public key")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	logger.Plain().WithFields(map[string]any{
		"port":     port,
		"issuer":   s.iss,
		"audience": s.aud,
	}).Info("token-issuer starting")

	srv := &http.Server{Addr: ":" + port, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("Server failed to start")
	}
}
