package truststore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

// maxAnchorSize bounds a single trust anchor file.
const maxAnchorSize = 64 << 10

var anchorExtensions = map[string]struct{}{
	".der": {},
	".pem": {},
	".crt": {},
}

func isAnchorFile(name string) bool {
	_, ok := anchorExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

func loggerOrDefault(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}

// LoadDir loads every .der, .pem and .crt certificate in dir. Files that
// cannot be parsed are skipped with a warning. An error is returned if the
// directory cannot be read or holds no usable trust anchor.
func LoadDir(dir string, log logrus.FieldLogger) (*MemoryStore, error) {
	log = loggerOrDefault(log).WithField("dir", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust anchor directory: %w", err)
	}

	store := NewMemoryStore()
	for _, entry := range entries {
		if entry.IsDir() || !isAnchorFile(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.WithError(err).WithField("file", entry.Name()).Warn("Skipping unreadable trust anchor")
			continue
		}
		store.load(log.WithField("file", entry.Name()), data)
	}

	if store.Len() == 0 {
		return nil, fmt.Errorf("no trust anchors found in %s", dir)
	}
	log.WithField("anchors", store.Len()).Info("Loaded trust anchors")
	return store, nil
}

func (s *MemoryStore) load(log logrus.FieldLogger, data []byte) {
	skid, err := s.AddCertificate(data)
	if err != nil {
		log.WithError(err).Warn("Skipping invalid trust anchor")
		return
	}
	log.WithField("skid", fmt.Sprintf("%X", skid)).Debug("Added trust anchor")
}

// GCSConfig configures loading trust anchors from a Cloud Storage bucket.
type GCSConfig struct {
	// Bucket is the bucket name (required).
	Bucket string

	// Prefix restricts loading to objects under this prefix.
	Prefix string

	// CredentialsFile is the path to a service account credentials file.
	// If empty, uses Application Default Credentials.
	CredentialsFile string

	// Endpoint overrides the storage API endpoint, e.g. for an emulator.
	// Requests to a custom endpoint are sent without authentication.
	Endpoint string

	Logger logrus.FieldLogger
}

// LoadGCS loads every .der, .pem and .crt object under the configured prefix.
// Objects that cannot be parsed are skipped with a warning.
func LoadGCS(ctx context.Context, cfg GCSConfig) (*MemoryStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	log := loggerOrDefault(cfg.Logger).WithFields(logrus.Fields{
		"bucket": cfg.Bucket,
		"prefix": cfg.Prefix,
	})

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	service, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage service: %w", err)
	}

	var names []string
	err = service.Objects.List(cfg.Bucket).Prefix(cfg.Prefix).Pages(ctx, func(page *storage.Objects) error {
		for _, obj := range page.Items {
			if isAnchorFile(obj.Name) {
				names = append(names, obj.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list trust anchors: %w", err)
	}

	store := NewMemoryStore()
	for _, name := range names {
		data, err := download(ctx, service, cfg.Bucket, name)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", name, err)
		}
		store.load(log.WithField("object", name), data)
	}

	if store.Len() == 0 {
		return nil, fmt.Errorf("no trust anchors found in gs://%s/%s", cfg.Bucket, cfg.Prefix)
	}
	log.WithField("anchors", store.Len()).Info("Loaded trust anchors")
	return store, nil
}

func download(ctx context.Context, service *storage.Service, bucket, name string) ([]byte, error) {
	resp, err := service.Objects.Get(bucket, name).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAnchorSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxAnchorSize {
		return nil, fmt.Errorf("object exceeds %d bytes", maxAnchorSize)
	}
	return data, nil
}
