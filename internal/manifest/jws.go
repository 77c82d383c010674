package manifest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	ErrNoPEM           = errors.New("no pem block")
	ErrNotRSA          = errors.New("key is not RSA")
	ErrUnsupportedAlg  = errors.New("unsupported jws algorithm")
	ErrPayloadMismatch = errors.New("jws payload does not match manifest")
	ErrBadSignature    = errors.New("signature verification failed")
	ErrDigestMismatch  = errors.New("artifact digest mismatch")
)

// JWS is the flattened JSON serialization of an RS256 signature.
type JWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type jwsHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}

// Sign produces an RS256 JWS over payload with a PKCS#1 or PKCS#8 RSA key.
func Sign(payload []byte, privateKeyPEM []byte) (JWS, error) {
	priv, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return JWS{}, err
	}
	hb, _ := json.Marshal(jwsHeader{Alg: "RS256", Typ: "JWT"})
	protected := base64.RawURLEncoding.EncodeToString(hb)
	pl := base64.RawURLEncoding.EncodeToString(payload)

	h := sha256.Sum256([]byte(protected + "." + pl))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return JWS{}, err
	}
	return JWS{
		Protected: protected,
		Payload:   pl,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// Verify checks jws against payload using the RSA key of the PEM
// certificate. A JWS without an embedded payload is verified against
// payload directly.
func Verify(payload []byte, jws JWS, certPEM []byte) error {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return ErrNotRSA
	}
	hb, err := base64.RawURLEncoding.DecodeString(jws.Protected)
	if err != nil {
		return fmt.Errorf("decode jws header: %w", err)
	}
	var hdr jwsHeader
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return fmt.Errorf("parse jws header: %w", err)
	}
	if hdr.Alg != "RS256" {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlg, hdr.Alg)
	}
	pl := base64.RawURLEncoding.EncodeToString(payload)
	if jws.Payload != "" && jws.Payload != pl {
		return ErrPayloadMismatch
	}
	sig, err := base64.RawURLEncoding.DecodeString(jws.Signature)
	if err != nil {
		return fmt.Errorf("decode jws signature: %w", err)
	}
	h := sha256.Sum256([]byte(jws.Protected + "." + pl))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrNoPEM
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return rsaKey, nil
}
