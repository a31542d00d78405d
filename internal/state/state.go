// Package state persists installations in a bbolt database. Access and
// refresh tokens are sealed at rest when a passphrase is configured.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.ghl-bridge/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	schemaVersion = "1"
)

var (
	appBucket           = []byte("app")
	installationsBucket = []byte("installations")

	saltKey   = []byte("salt")
	canaryKey = []byte("canary")
	schemaKey = []byte("schema")
)

// State wraps a bbolt database holding all persistent bridge state.
type State struct {
	db     *bolt.DB
	sealer *sealer
}

// Load opens the state database at path, creating it if it does not
// exist. With a non-empty passphrase, secrets are sealed on write and
// opened on read. A database that was sealed cannot be opened without
// its passphrase.
func Load(path, passphrase string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	s := &State{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		app, err := tx.CreateBucketIfNotExists(appBucket)
		if err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(installationsBucket); err != nil {
			return err
		}

		if err := app.Put(schemaKey, []byte(schemaVersion)); err != nil {
			return err
		}

		return s.initSealer(app, passphrase)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return s, nil
}

// initSealer derives the sealing key. The first sealed open stores a
// random salt and a sealed canary; later opens check the passphrase
// against the canary.
func (s *State) initSealer(app *bolt.Bucket, passphrase string) error {
	salt := app.Get(saltKey)

	if passphrase == "" {
		if salt != nil {
			return ErrPassphraseRequired
		}

		return nil
	}

	if salt == nil {
		fresh, err := newSalt()
		if err != nil {
			return err
		}

		sl, err := newSealer(passphrase, fresh)
		if err != nil {
			return err
		}

		canary, err := sl.seal(canaryText)
		if err != nil {
			return err
		}

		if err := app.Put(saltKey, fresh); err != nil {
			return err
		}

		if err := app.Put(canaryKey, []byte(canary)); err != nil {
			return err
		}

		s.sealer = sl

		return nil
	}

	sl, err := newSealer(passphrase, append([]byte(nil), salt...))
	if err != nil {
		return err
	}

	got, err := sl.open(string(app.Get(canaryKey)))
	if err != nil || got != canaryText {
		return ErrWrongPassphrase
	}

	s.sealer = sl

	return nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Sealed reports whether secrets are encrypted at rest.
func (s *State) Sealed() bool {
	return s.sealer != nil
}

// SaveInstallation persists an installation, replacing any existing
// record with the same ID.
func (s *State) SaveInstallation(inst *models.Installation) error {
	if inst.ID == "" {
		return errors.New("installation id is required for persistence")
	}

	rec := inst.Clone()

	if s.sealer != nil {
		var err error

		if rec.AccessToken, err = s.sealer.seal(rec.AccessToken); err != nil {
			return fmt.Errorf("sealing access token: %w", err)
		}

		if rec.RefreshToken, err = s.sealer.seal(rec.RefreshToken); err != nil {
			return fmt.Errorf("sealing refresh token: %w", err)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(installationsBucket).Put([]byte(inst.ID), data)
	})
}

// DeleteInstallation removes an installation by ID.
func (s *State) DeleteInstallation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(installationsBucket).Delete([]byte(id))
	})
}

// AllInstallations returns every stored installation ordered by creation time.
func (s *State) AllInstallations() ([]*models.Installation, error) {
	var out []*models.Installation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(installationsBucket).ForEach(func(k, v []byte) error {
			inst, err := s.decode(v)
			if err != nil {
				return fmt.Errorf("installation %s: %w", k, err)
			}

			out = append(out, inst)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// InstallationCount returns the number of stored installations.
func (s *State) InstallationCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(installationsBucket).Stats().KeyN

		return nil
	})

	return count
}

func (s *State) decode(v []byte) (*models.Installation, error) {
	inst := &models.Installation{}
	if err := json.Unmarshal(v, inst); err != nil {
		return nil, err
	}

	if s.sealer == nil {
		if isSealed(inst.AccessToken) || isSealed(inst.RefreshToken) {
			return nil, ErrPassphraseRequired
		}

		return inst, nil
	}

	var err error

	if inst.AccessToken, err = s.sealer.open(inst.AccessToken); err != nil {
		return nil, fmt.Errorf("opening access token: %w", err)
	}

	if inst.RefreshToken, err = s.sealer.open(inst.RefreshToken); err != nil {
		return nil, fmt.Errorf("opening refresh token: %w", err)
	}

	return inst, nil
}
