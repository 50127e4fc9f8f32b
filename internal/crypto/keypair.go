package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// RSA parameters for signing key pairs.
const (
	RSABits     = 2048
	RSAExponent = 65537
)

// GenerateRSAKeyPair returns a fresh RSA key pair as PKCS#8 private PEM and
// SubjectPublicKeyInfo public PEM.
func GenerateRSAKeyPair() (privatePEM, publicPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, RSABits)
	if err != nil {
		return "", "", fmt.Errorf("generate rsa: %w", err)
	}
	if key.PublicKey.E != RSAExponent {
		return "", "", fmt.Errorf("unexpected public exponent %d", key.PublicKey.E)
	}
	return EncodeRSAKeyPair(key)
}

// EncodeRSAKeyPair renders key as PKCS#8 / SPKI PEM blocks.
func EncodeRSAKeyPair(key *rsa.PrivateKey) (privatePEM, publicPEM string, err error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal private: %w", err)
	}
	publicPEM, err = EncodeRSAPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	return privatePEM, publicPEM, nil
}

// EncodeRSAPublicKey renders pub as a SubjectPublicKeyInfo PEM block.
func EncodeRSAPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
