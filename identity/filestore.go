package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/sealchat/crypto"
)

// encryptedFileStore wraps file storage with AES-GCM encryption at rest.
// Identity private keys are the most sensitive material this module holds,
// so they never touch disk in plaintext even though the threat model only
// assumes an insecure relay.
type encryptedFileStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

const (
	// pbkdf2Iterations is the number of iterations for key derivation (NIST recommendation)
	pbkdf2Iterations = 100000
	// storeVersion is the current on-disk format version
	storeVersion = 1
	// saltSize is the size of the salt for PBKDF2
	saltSize = 32
)

// newEncryptedFileStore creates a file store with encryption at rest.
// masterPassword should be a user-provided passphrase or derived from the
// system keyring.
func newEncryptedFileStore(dataDir string, masterPassword []byte) (*encryptedFileStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	fs := &encryptedFileStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := fs.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	// Derive the at-rest encryption key using PBKDF2
	derivedKey := pbkdf2.Key(masterPassword, salt, pbkdf2Iterations, 32, sha256.New)
	copy(fs.encryptionKey[:], derivedKey)

	crypto.ZeroBytes(derivedKey)

	return fs, nil
}

// loadOrGenerateSalt loads existing salt or generates a new one.
func (fs *encryptedFileStore) loadOrGenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)

	data, err := os.ReadFile(fs.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}

		if err := os.WriteFile(fs.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}

		return salt, nil
	}

	if len(data) != saltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
	}

	copy(salt, data)
	return salt, nil
}

// writeEncrypted encrypts and writes data to a file.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (fs *encryptedFileStore) writeEncrypted(filename string, plaintext []byte) error {
	block, err := aes.NewCipher(fs.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], storeVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	// Atomic write using temporary file + rename
	tmpFile := filepath.Join(fs.dataDir, filename+".tmp")
	finalFile := filepath.Join(fs.dataDir, filename)

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// readEncrypted reads and decrypts data from a file.
// Returns an error if the file doesn't exist, is corrupted, or
// authentication fails.
func (fs *encryptedFileStore) readEncrypted(filename string) ([]byte, error) {
	filePath := filepath.Join(fs.dataDir, filename)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Minimum size: version + nonce + tag
	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("file too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != storeVersion {
		return nil, fmt.Errorf("unsupported store version: %d (expected %d)", version, storeVersion)
	}

	block, err := aes.NewCipher(fs.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted data): %w", err)
	}

	return plaintext, nil
}

// close securely wipes the at-rest encryption key from memory.
func (fs *encryptedFileStore) close() {
	crypto.ZeroBytes(fs.encryptionKey[:])
}
