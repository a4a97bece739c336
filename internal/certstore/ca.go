/*
Package certstore implements the proxy's certificate authority: a
self-signed root loaded from (or written to) disk, and a concurrent-safe
cache that mints per-host leaf certificates signed by that root on
demand.
*/
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // used for a subject key identifier, not a security primitive
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

const (
	rootKeyBits  = 4096
	rootValidity = 90 * 24 * time.Hour
	rootOrg      = "ghostwire"
	rootCN       = "ghostwire CA"
)

// CA holds a loaded or freshly generated certificate authority: its
// self-signed certificate and the private key that signs leaf certificates.
type CA struct {
	Cert        *x509.Certificate
	Key         *rsa.PrivateKey
	CertPEM     []byte // PEM encoding of Cert, for root_pem() and disk persistence.
	Fingerprint string // SHA-256 fingerprint, hex-encoded, colon-separated.
}

// Init idempotently materialises the root CA at certPath/keyPath. If both
// files exist and parse, and the certificate has not expired, they are
// loaded unchanged. Otherwise (missing, partial, unparseable, or expired)
// a fresh root key and certificate are generated and written to disk
// before Init returns — a leaf mint must never observe a root that isn't
// fully on disk.
func Init(certPath, keyPath string) (*CA, error) {
	return InitForce(certPath, keyPath, false)
}

// InitForce behaves like Init, except when force is true it skips Load
// entirely and always generates a fresh root, overwriting whatever is on
// disk. force is how the CLI's generate-ca --force is distinguished from
// an ordinary load-or-generate startup.
func InitForce(certPath, keyPath string, force bool) (*CA, error) {
	if !force {
		ca, err := Load(certPath, keyPath)
		if err == nil {
			if time.Now().Before(ca.Cert.NotAfter) {
				return ca, nil
			}
			// Stale root: the spec leaves the on-disk-but-expired case an open
			// question. We regenerate rather than mint leaves no client will
			// ever trust.
		}
	}

	return generate(certPath, keyPath)
}

// generate creates a fresh root key and certificate, persists both to
// disk, and returns the resulting CA. Persistence failure on initial
// root creation is fatal (the caller should treat it as FatalInit).
func generate(certPath, keyPath string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate CA serial: %w", err)
	}

	now := time.Now()
	skid := subjectKeyID(&key.PublicKey)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   rootCN,
			Organization: []string{rootOrg},
		},
		NotBefore:             now.Add(-1 * time.Hour), // backdated to tolerate client clock skew
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          skid,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil { //nolint:gosec // CA cert is meant to be installed into trust stores
		return nil, fmt.Errorf("write CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse freshly created CA certificate: %w", err)
	}

	return &CA{
		Cert:        cert,
		Key:         key,
		CertPEM:     certPEM,
		Fingerprint: sha256Fingerprint(certDER),
	}, nil
}

// Load reads a root certificate and PKCS#8 key pair from disk without
// regenerating anything. Returns an error if either file is missing,
// malformed, or not a CA certificate.
func Load(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate %s: %w", certPath, err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("CA certificate %s: invalid PEM (expected CERTIFICATE block)", certPath)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate %s: %w", certPath, err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("CA certificate %s: not a CA certificate (BasicConstraints CA flag not set)", certPath)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key %s: %w", keyPath, err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("CA key %s: invalid PEM (expected PRIVATE KEY block)", keyPath)
	}

	rawKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key %s: %w", keyPath, err)
	}
	key, ok := rawKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key %s: expected RSA private key, got %T", keyPath, rawKey)
	}

	return &CA{
		Cert:        cert,
		Key:         key,
		CertPEM:     certPEM,
		Fingerprint: sha256Fingerprint(cert.Raw),
	}, nil
}

// RootPEM returns the PEM encoding of the root certificate only, for
// installation into a client trust store.
func (ca *CA) RootPEM() []byte {
	return ca.CertPEM
}

func sha256Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	out := make([]byte, 0, len(sum)*3-1)
	for i, b := range sum {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, "0123456789abcdef"[b>>4], "0123456789abcdef"[b&0xf])
	}
	return string(out)
}

// subjectKeyID derives a SubjectKeyIdentifier from a public key per the
// common convention (SHA-1 of the marshalled public key bits).
func subjectKeyID(pub *rsa.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil
	}
	sum := sha1.Sum(der) //nolint:gosec // identifier, not a signature
	return sum[:]
}

// randomSerial generates a ~159-bit random, non-negative serial number.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 159)
	return rand.Int(rand.Reader, limit)
}
