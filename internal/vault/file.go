package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for deriving the secretbox key from the passphrase.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltLength   = 16
	nonceLength  = 24
	fileMode     = 0o600
	fileFormatV1 = 1
)

// File is a Vault backed by a single encrypted JSON file. The whole record
// map is sealed with NaCl secretbox under an scrypt-derived key; writes go
// through a temp file and rename so a crash never leaves a torn file.
type File struct {
	mu         sync.Mutex
	path       string
	passphrase []byte
}

// fileEnvelope is the on-disk shape: versioned salt + nonce + ciphertext.
type fileEnvelope struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// NewFile creates a file vault at path, sealed with passphrase. The parent
// directory is created if missing.
func NewFile(path, passphrase string) (*File, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("vault: passphrase must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("NewFile: %w", err)
	}
	return &File{path: path, passphrase: []byte(passphrase)}, nil
}

// Put implements Vault.
func (f *File) Put(_ context.Context, providerID string, record []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return fmt.Errorf("Put %s: %w", providerID, err)
	}
	records[providerID] = json.RawMessage(record)
	if err := f.save(records); err != nil {
		return fmt.Errorf("Put %s: %w", providerID, err)
	}
	return nil
}

// Get implements Vault.
func (f *File) Get(_ context.Context, providerID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return nil, fmt.Errorf("Get %s: %w", providerID, err)
	}
	raw, ok := records[providerID]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

// Delete implements Vault.
func (f *File) Delete(_ context.Context, providerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return fmt.Errorf("Delete %s: %w", providerID, err)
	}
	if _, ok := records[providerID]; !ok {
		return ErrNotFound
	}
	delete(records, providerID)
	if err := f.save(records); err != nil {
		return fmt.Errorf("Delete %s: %w", providerID, err)
	}
	return nil
}

// List implements Vault.
func (f *File) List(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// load reads and decrypts the record map. A missing file is an empty vault.
func (f *File) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, err
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("corrupt vault file: %w", err)
	}
	if env.Version != fileFormatV1 {
		return nil, fmt.Errorf("unsupported vault file version %d", env.Version)
	}
	if len(env.Salt) != saltLength || len(env.Nonce) != nonceLength {
		return nil, fmt.Errorf("corrupt vault file: bad salt or nonce length")
	}

	key, err := f.deriveKey(env.Salt)
	if err != nil {
		return nil, err
	}
	var nonce [nonceLength]byte
	copy(nonce[:], env.Nonce)

	plaintext, ok := secretbox.Open(nil, env.Ciphertext, &nonce, key)
	if !ok {
		return nil, fmt.Errorf("vault decryption failed: wrong passphrase or corrupt file")
	}

	var records map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, fmt.Errorf("corrupt vault payload: %w", err)
	}
	return records, nil
}

// save encrypts and atomically replaces the vault file.
func (f *File) save(records map[string]json.RawMessage) error {
	plaintext, err := json.Marshal(records)
	if err != nil {
		return err
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	var nonce [nonceLength]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return err
	}
	key, err := f.deriveKey(salt)
	if err != nil {
		return err
	}

	env := fileEnvelope{
		Version:    fileFormatV1,
		Salt:       salt,
		Nonce:      nonce[:],
		Ciphertext: secretbox.Seal(nil, plaintext, &nonce, key),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *File) deriveKey(salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key(f.passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("key derivation: %w", err)
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}
