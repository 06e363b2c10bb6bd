package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/rcarmo/go-rdp-mitm/internal/config"
	"github.com/rcarmo/go-rdp-mitm/internal/logging"
)

const (
	certFileName = "certificate.pem"
	keyFileName  = "private_key.pem"
	certValidity = 365 * 24 * time.Hour
)

// certificatePaths returns the configured key pair, or the generated pair
// under the user config directory, creating it on first use.
func certificatePaths(sec config.SecurityConfig) (certFile, keyFile string, err error) {
	if sec.CertificateFile != "" {
		return sec.CertificateFile, sec.PrivateKeyFile, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", "", fmt.Errorf("locate config directory: %w", err)
	}
	dir = filepath.Join(dir, "rdp-mitm")

	certFile, keyFile = filepath.Join(dir, certFileName), filepath.Join(dir, keyFileName)
	if fileExists(certFile) && fileExists(keyFile) {
		logging.Info("using existing private key: %s", keyFile)
		logging.Info("using existing certificate: %s", certFile)
		return certFile, keyFile, nil
	}

	logging.Info("generating a private key and certificate for TLS connections")
	if err := generateCertificate(certFile, keyFile); err != nil {
		return "", "", fmt.Errorf("generate certificate (provide one with -k and -c): %w", err)
	}
	logging.Info("private key path: %s", keyFile)
	logging.Info("certificate path: %s", certFile)

	return certFile, keyFile, nil
}

// generateCertificate writes a self-signed RSA-2048 certificate and its key
// as PEM files.
func generateCertificate(certFile, keyFile string) error {
	if err := os.MkdirAll(filepath.Dir(certFile), 0o700); err != nil {
		return err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "www.example.com",
			Organization: []string{"RDP-MITM"},
			Country:      []string{"US"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}

	if err := writePEM(keyFile, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return err
	}
	return writePEM(certFile, "CERTIFICATE", der, 0o644)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return os.WriteFile(path, data, perm)
}

// rsaKey returns the certificate's private key when it is RSA. Standard RDP
// security can only present an RSA key.
func rsaKey(cert tls.Certificate) (*rsa.PrivateKey, bool) {
	key, ok := cert.PrivateKey.(*rsa.PrivateKey)
	return key, ok
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
