// Package keys manages the host identity key consumed by the session layer.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const privateKeyPEMType = "PRIVATE KEY"

// Generate creates a new ed25519 host key and returns it as a session-layer
// signer.
func Generate() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

// GenerateAndSave creates a new ed25519 host key, persists it under path in
// PKCS#8 PEM form (plus the public half in authorized-keys form at
// path + ".pub") and returns the signer. Parent directories are created as
// needed.
func GenerateAndSave(path string) (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: der})

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("build signer: %w", err)
	}

	pub := ssh.MarshalAuthorizedKey(signer.PublicKey())
	if err := os.WriteFile(path+".pub", pub, 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return signer, nil
}

// Load reads a PEM private key from path and returns it as a signer.
func Load(path string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return signer, nil
}

// LoadOrCreate loads the host key at path, generating and persisting a new
// one when the file does not exist. The second return value reports whether a
// new key was created.
func LoadOrCreate(path string) (ssh.Signer, bool, error) {
	if _, err := os.Stat(path); err == nil {
		signer, err := Load(path)
		return signer, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("stat host key: %w", err)
	}

	signer, err := GenerateAndSave(path)
	if err != nil {
		return nil, false, err
	}
	return signer, true, nil
}

// LoadPublic reads a public key in authorized-keys form from path.
func LoadPublic(path string) (ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// Fingerprint returns the SHA256 fingerprint of the signer's public key.
func Fingerprint(signer ssh.Signer) string {
	return ssh.FingerprintSHA256(signer.PublicKey())
}
