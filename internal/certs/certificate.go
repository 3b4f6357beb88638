package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"gardenlink/internal/constants"
	"gardenlink/internal/crypto"
)

var ErrInvalidCertificate = errors.New("invalid certificate")

// Certificate is the station's self-issued identity: an RSA key with a
// self-signed leaf, addressed by its thumbprint.
type Certificate struct {
	Thumbprint string
	Leaf       *x509.Certificate
	Key        *rsa.PrivateKey
}

// TLS returns the certificate in the form crypto/tls serves.
func (c *Certificate) TLS() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.Leaf.Raw},
		PrivateKey:  c.Key,
		Leaf:        c.Leaf,
	}
}

type Options struct {
	Subject  string
	Validity time.Duration
	Bits     int
	DNSNames []string
}

func (o Options) withDefaults() Options {
	if o.Subject == "" {
		o.Subject = constants.CertificateSubject
	}
	if o.Validity <= 0 {
		o.Validity = constants.CertificateValidity
	}
	if o.Bits < constants.RSAKeyBits {
		o.Bits = constants.RSAKeyBits
	}
	return o
}

// Generate creates a self-signed RSA certificate signed with SHA-256.
func Generate(opts Options) (*Certificate, error) {
	opts = opts.withDefaults()

	key, err := rsa.GenerateKey(rand.Reader, opts.Bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.Subject},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(opts.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		SignatureAlgorithm:    x509.SHA256WithRSA,
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return fromDER(der, key)
}

func fromDER(der []byte, key *rsa.PrivateKey) (*Certificate, error) {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, fmt.Errorf("%w: key does not match certificate", ErrInvalidCertificate)
	}
	return &Certificate{
		Thumbprint: crypto.Thumbprint(der),
		Leaf:       leaf,
		Key:        key,
	}, nil
}

// EncodePEM returns the certificate and PKCS#8 key blocks.
func (c *Certificate) EncodePEM() (certPEM, keyPEM []byte, err error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(c.Key)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Leaf.Raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func DecodePEM(certPEM, keyPEM []byte) (*Certificate, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no certificate block", ErrInvalidCertificate)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("%w: no key block", ErrInvalidCertificate)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not RSA", ErrInvalidCertificate)
	}
	return fromDER(certBlock.Bytes, key)
}
