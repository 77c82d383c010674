package manifest

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/witcacy/CANUDS-DTC-Report/internal/common"
)

const (
	ShaAlgo       = "sha256"
	SignatureType = "jws-detached"
)

type Item struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
	Type   string `json:"type"`
}

// Manifest lists a decode run's inputs and generated artifacts with their
// digests.
type Manifest struct {
	CreatedAt time.Time  `json:"createdAt"`
	Tool      string     `json:"tool,omitempty"`
	ShaAlgo   string     `json:"shaAlgo"`
	Items     []Item     `json:"items"`
	Signature *Signature `json:"signature,omitempty"`
}

type Signature struct {
	Type          string `json:"type"`
	CertSubject   string `json:"certSubject,omitempty"`
	Issuer        string `json:"issuer,omitempty"`
	SignatureFile string `json:"signatureFile,omitempty"`
}

var itemTypes = map[string]string{
	".trc":  "trace",
	".asc":  "trace",
	".log":  "trace",
	".json": "json",
	".cbor": "cbor",
	".pdf":  "pdf",
	".txt":  "text",
	".yaml": "yaml",
	".yml":  "yaml",
	".jws":  "signature",
}

// ItemType classifies path by extension.
func ItemType(path string) string {
	if t, ok := itemTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return "other"
}

// Build hashes every path. The first unreadable file aborts the build.
func Build(paths []string) (Manifest, error) {
	m := Manifest{CreatedAt: time.Now().UTC(), Tool: "udsctl", ShaAlgo: ShaAlgo}
	for _, p := range paths {
		sum, size, err := common.Sha256OfFile(p)
		if err != nil {
			return m, fmt.Errorf("hash %s: %w", p, err)
		}
		m.Items = append(m.Items, Item{Path: p, Size: size, Sha256: sum, Type: ItemType(p)})
	}
	return m, nil
}

// Marshal is the canonical encoding; signatures are computed over it.
func Marshal(m Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func Save(m Manifest, out string) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(out, b)
}

func Load(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Check re-hashes every item and reports the first one whose size or
// digest changed.
func Check(m Manifest) error {
	for _, it := range m.Items {
		sum, size, err := common.Sha256OfFile(it.Path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", it.Path, err)
		}
		if size != it.Size || !strings.EqualFold(sum, it.Sha256) {
			return fmt.Errorf("%w: %s", ErrDigestMismatch, it.Path)
		}
	}
	return nil
}

// SignatureFileFor derives the default signature path for a manifest path.
func SignatureFileFor(manifestPath string) string {
	ext := filepath.Ext(manifestPath)
	return strings.TrimSuffix(manifestPath, ext) + ".jws"
}

// SignFile attaches the signer description from certPEM to m, signs the
// canonical encoding with keyPEM and writes both the manifest and the
// detached signature.
func SignFile(m Manifest, out, sigPath string, keyPEM, certPEM []byte) (Manifest, error) {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return m, err
	}
	if sigPath == "" {
		sigPath = SignatureFileFor(out)
	}
	m.Signature = &Signature{
		Type:          SignatureType,
		CertSubject:   cert.Subject.String(),
		Issuer:        cert.Issuer.String(),
		SignatureFile: sigPath,
	}
	payload, err := Marshal(m)
	if err != nil {
		return m, err
	}
	jws, err := Sign(payload, keyPEM)
	if err != nil {
		return m, fmt.Errorf("sign manifest: %w", err)
	}
	jwsBytes, err := json.MarshalIndent(jws, "", "  ")
	if err != nil {
		return m, err
	}
	if err := common.WriteFileAtomic(sigPath, jwsBytes); err != nil {
		return m, err
	}
	return m, common.WriteFileAtomic(out, payload)
}

// VerifyFile checks the detached signature at sigPath against the manifest
// bytes at manifestPath.
func VerifyFile(manifestPath, sigPath string, certPEM []byte) error {
	payload, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(sigPath)
	if err != nil {
		return err
	}
	var jws JWS
	if err := json.Unmarshal(raw, &jws); err != nil {
		return fmt.Errorf("parse jws %s: %w", sigPath, err)
	}
	return Verify(payload, jws, certPEM)
}

func parseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("parse cert: %w", ErrNoPEM)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse cert: %w", err)
	}
	return cert, nil
}
