// Package storage handles persistence of the relay's two state blobs: the
// credential cache and the sent-feedback ledger. State lives either in a
// local data directory (the default) or in a Cloud Storage bucket.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"

	"feedback-relay/pkg/feedback"
)

const (
	credentialsKey = "txc_cookies.json"
	ledgerKey      = "sent_feedback_records.json"

	// ledgerCap bounds the persisted ledger to the most recently sent
	// entries; older entries are evicted first.
	ledgerCap = 100
)

// ErrNoCredentials indicates no usable credential set is cached. A missing
// blob, corrupt JSON and an expired set all look the same to callers.
var ErrNoCredentials = errors.New("storage: no valid credentials")

// errNotFound marks a blob that does not exist in the backend.
var errNotFound = errors.New("storage: object doesn't exist")

// Store persists relay state.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	now       func() time.Time
}

// New creates a store. When localPath is non-empty the local filesystem
// backend is used and client may be nil; otherwise blobs go to the bucket.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		now:       time.Now,
	}
}

// LoadCredentials returns the cached credential set. Fails soft: any state
// that cannot produce a currently-valid set maps to ErrNoCredentials.
func (s *Store) LoadCredentials(ctx context.Context) (*feedback.CredentialSet, error) {
	data, err := s.read(ctx, credentialsKey)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, ErrNoCredentials
		}
		s.logger.Warn("Failed to read credential cache", "error", err)
		return nil, ErrNoCredentials
	}

	var creds feedback.CredentialSet
	if err := json.Unmarshal(data, &creds); err != nil {
		s.logger.Warn("Credential cache is corrupt, treating as absent", "error", err)
		return nil, ErrNoCredentials
	}

	if !creds.Valid(s.now()) {
		s.logger.Info("Cached credentials expired", "expires_at", creds.ExpiresAt.Format(time.RFC3339))
		return nil, ErrNoCredentials
	}

	s.logger.Info("Loaded cached credentials",
		"cookie_count", len(creds.Cookies),
		"expires_at", creds.ExpiresAt.Format(time.RFC3339))
	return &creds, nil
}

// SaveCredentials overwrites the credential cache with a fresh set.
func (s *Store) SaveCredentials(ctx context.Context, creds *feedback.CredentialSet) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := s.write(ctx, credentialsKey, data); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	s.logger.Info("Credential cache saved",
		"cookie_count", len(creds.Cookies),
		"expires_at", creds.ExpiresAt.Format(time.RFC3339))
	return nil
}

// LoadLedger returns the sent ledger, oldest entry first. A missing blob is
// an empty ledger. Legacy ledgers holding bare ids are upgraded in place to
// the timestamped shape; no entry is ever silently dropped.
func (s *Store) LoadLedger(ctx context.Context) ([]feedback.LedgerEntry, error) {
	data, err := s.read(ctx, ledgerKey)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var entries []feedback.LedgerEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		return entries, nil
	}

	entries, err = migrateLegacyLedger(data, s.now())
	if err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}
	s.logger.Info("Migrated legacy ledger to timestamped shape", "entries", len(entries))
	return entries, nil
}

// SaveLedger sorts the ledger by send time, truncates it to the newest
// entries and persists it.
func (s *Store) SaveLedger(ctx context.Context, entries []feedback.LedgerEntry) error {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
	if len(entries) > ledgerCap {
		entries = entries[len(entries)-ledgerCap:]
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := s.write(ctx, ledgerKey, data); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	s.logger.Info("Ledger saved", "entries", len(entries))
	return nil
}

// migrateLegacyLedger converts the old on-disk shape, a bare array of
// string or numeric ids, into timestamped entries stamped with now.
func migrateLegacyLedger(data []byte, now time.Time) ([]feedback.LedgerEntry, error) {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	ts := now.UnixMilli()
	entries := make([]feedback.LedgerEntry, 0, len(raw))
	for _, v := range raw {
		switch id := v.(type) {
		case string:
			entries = append(entries, feedback.LedgerEntry{ID: id, Timestamp: ts})
		case float64:
			entries = append(entries, feedback.LedgerEntry{ID: json.Number(fmt.Sprintf("%.0f", id)).String(), Timestamp: ts})
		default:
			return nil, fmt.Errorf("unexpected ledger element %T", v)
		}
	}
	return entries, nil
}

// read fetches one blob from the active backend.
func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(errNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// write fully overwrites one blob in the active backend. On the local
// backend the parent directory is created as needed and the blob is
// written via a temp-file rename so readers never see a partial write.
func (s *Store) write(ctx context.Context, key string, data []byte) error {
	if s.localPath != "" {
		if err := os.MkdirAll(s.localPath, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		dst := filepath.Join(s.localPath, key)
		tmp := dst + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, dst); err != nil {
			return fmt.Errorf("finalize local write: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	return err
}
