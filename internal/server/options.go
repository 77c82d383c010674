package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/witcacy/CANUDS-DTC-Report/internal/dict"
	"github.com/witcacy/CANUDS-DTC-Report/internal/report"
)

const defaultMaxUploadBytes = 256 << 20

// Options configures server creation.
type Options struct {
	StorageDir string
	// DescriptionsPath is an optional DTC description table; a missing file
	// disables descriptions.
	DescriptionsPath string
	// ECUNamesPath is an optional YAML or JSON map of CAN id to ECU name.
	ECUNamesPath string
	Language     report.Language
	PDFNote      string
	// Concurrency bounds simultaneous decodes; extra requests wait.
	Concurrency    int
	MaxUploadBytes int64
	// AllowPaths lets JSON requests decode files already on the server's
	// filesystem.
	AllowPaths      bool
	ManifestSigning ManifestSigningOptions
	Logger          *slog.Logger
}

// ManifestSigningOptions points at the PEM key pair used to sign the
// manifest of every decode. Both paths empty disables signing.
type ManifestSigningOptions struct {
	PrivateKeyPath  string
	CertificatePath string
}

func (o ManifestSigningOptions) enabled() bool {
	return o.PrivateKeyPath != "" || o.CertificatePath != ""
}

type resources struct {
	descriptions *dict.Store
	ecuNames     map[uint32]string
	signKey      []byte
	signCert     []byte
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.StorageDir) == "" {
		o.StorageDir = os.TempDir()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = runtime.NumCPU()
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = defaultMaxUploadBytes
	}
	if o.Language == "" {
		o.Language = report.LangEnglish
	}
	return o
}

func loadResources(o Options) (resources, error) {
	var res resources
	store, err := dict.LoadOptional(o.DescriptionsPath)
	if err != nil {
		return res, fmt.Errorf("load descriptions: %w", err)
	}
	res.descriptions = store
	if strings.TrimSpace(o.ECUNamesPath) != "" {
		names, err := dict.LoadECUNames(o.ECUNamesPath)
		if err != nil {
			return res, fmt.Errorf("load ECU names: %w", err)
		}
		res.ecuNames = names
	}
	if ms := o.ManifestSigning; ms.enabled() {
		if ms.PrivateKeyPath == "" || ms.CertificatePath == "" {
			return res, errors.New("manifest signing requires both a private key and a certificate")
		}
		if res.signKey, err = os.ReadFile(ms.PrivateKeyPath); err != nil {
			return res, fmt.Errorf("read signing key: %w", err)
		}
		if res.signCert, err = os.ReadFile(ms.CertificatePath); err != nil {
			return res, fmt.Errorf("read signing certificate: %w", err)
		}
	}
	return res, nil
}
