// ABOUTME: End-to-end encryption setup over a SQLite crypto store.
// ABOUTME: Handles device ID mismatches by resetting the store before init.

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// EnableEncryption sets up E2EE for the logged-in client, storing keys in a
// SQLite database under dataDir. Call after Login and before Run. A
// recovery key enables cross-signing verification; without one encryption
// still works, just unverified.
func (b *Bridge) EnableEncryption(ctx context.Context, recoveryKey, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("creating crypto data directory: %w", err)
	}

	userID := b.client.UserID.String()
	dbPath := filepath.Join(dataDir, fmt.Sprintf("crypto-%s.db", slugify(userID)))
	b.logger.Info("enabling encryption", "db", dbPath)

	// A fresh login gets a fresh device ID, but the store may still hold
	// the previous device's keys. Initializing against those fails, so
	// reset the store first.
	if mismatch, err := storedDeviceDiffers(dbPath, b.client.DeviceID.String()); err != nil {
		b.logger.Debug("could not check stored device ID", "error", err)
	} else if mismatch {
		b.logger.Warn("device ID changed since last run, resetting crypto store")
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale crypto store: %w", err)
		}
		_ = os.Remove(dbPath + "-wal")
		_ = os.Remove(dbPath + "-shm")
	}

	helper, err := cryptohelper.NewCryptoHelper(b.client, deriveStoreKey(userID), dbPath)
	if err != nil {
		return fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return fmt.Errorf("initializing crypto helper: %w", err)
	}

	b.client.Crypto = helper
	b.crypto = helper

	if recoveryKey == "" {
		b.logger.Info("encryption enabled without cross-signing, no recovery key configured")
		return nil
	}
	if err := b.verifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		// Encryption works without cross-signing; other users just see the
		// device as unverified.
		b.logger.Warn("recovery key verification failed", "error", err)
		return nil
	}
	b.logger.Info("device verified with recovery key")
	return nil
}

func (b *Bridge) verifyWithRecoveryKey(ctx context.Context, recoveryKey string) error {
	machine := b.crypto.Machine()
	if machine == nil {
		return fmt.Errorf("crypto machine not initialized")
	}
	if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		return fmt.Errorf("recovery key verification: %w", err)
	}
	return nil
}

// storedDeviceDiffers reports whether the crypto store holds keys for a
// device other than the current one.
func storedDeviceDiffers(dbPath, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return stored != currentDeviceID, nil
}

// slugify converts a Matrix user ID into a filesystem-safe name.
// @techiee:matrix.org becomes techiee_matrix.org.
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			out = append(out, c)
		case c == ':':
			out = append(out, '_')
		}
	}
	return string(out)
}

// deriveStoreKey derives the store encryption key from the user ID so each
// account's store stays isolated without an external secret.
func deriveStoreKey(userID string) []byte {
	h := sha256.Sum256([]byte("techiee-crypto:" + userID))
	return h[:]
}
