package mqttsession

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	sealedMagic      = "MQSS"
	sealedSaltSize   = 16
	sealedIterations = 4096
)

// ErrStoreSealed is returned when a sealed store file cannot be opened with
// the configured key.
var ErrStoreSealed = errors.New("store file is sealed with a different key")

// FileStoreOption configures a FileStore.
type FileStoreOption func(*fileStoreOptions)

type fileStoreOptions struct {
	key        []byte
	passphrase string
	capacity   int
	perm       os.FileMode
}

// WithEncryptionKey seals the store file with XChaCha20-Poly1305 using a
// 32-byte key.
func WithEncryptionKey(key []byte) FileStoreOption {
	return func(o *fileStoreOptions) {
		o.key = key
	}
}

// WithPassphrase seals the store file with a key derived from passphrase.
func WithPassphrase(passphrase string) FileStoreOption {
	return func(o *fileStoreOptions) {
		o.passphrase = passphrase
	}
}

// WithFileCapacity limits the number of stored entries.
func WithFileCapacity(n int) FileStoreOption {
	return func(o *fileStoreOptions) {
		o.capacity = n
	}
}

// WithFileMode sets the permission bits of the store file.
func WithFileMode(perm os.FileMode) FileStoreOption {
	return func(o *fileStoreOptions) {
		o.perm = perm
	}
}

// FileStore is an OutboundStore that writes every change to a file, so that
// unacknowledged publishes survive a process restart.
type FileStore struct {
	mu   sync.Mutex
	mem  *MemoryStore
	path string
	perm os.FileMode
	aead cipher.AEAD
	salt []byte
}

// NewFileStore opens the store at path, loading any entries already there.
// A missing file is an empty store.
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	o := fileStoreOptions{perm: 0600}
	for _, opt := range opts {
		opt(&o)
	}

	s := &FileStore{
		mem:  NewMemoryStore(WithStoreCapacity(o.capacity)),
		path: path,
		perm: o.perm,
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err := s.initCipher(o, data); err != nil {
		return nil, err
	}

	if len(data) > 0 {
		plain, err := s.open(data)
		if err != nil {
			return nil, err
		}
		if err := s.mem.UnmarshalBinary(plain); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *FileStore) initCipher(o fileStoreOptions, existing []byte) error {
	key := o.key
	if key == nil && o.passphrase != "" {
		s.salt = make([]byte, sealedSaltSize)
		if bytes.HasPrefix(existing, []byte(sealedMagic)) && len(existing) >= len(sealedMagic)+sealedSaltSize {
			copy(s.salt, existing[len(sealedMagic):])
		} else if _, err := rand.Read(s.salt); err != nil {
			return err
		}
		key = pbkdf2.Key([]byte(o.passphrase), s.salt, sealedIterations, chacha20poly1305.KeySize, sha256.New)
	}
	if key == nil {
		return nil
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("store key: %w", err)
	}
	s.aead = aead
	if s.salt == nil {
		s.salt = make([]byte, sealedSaltSize)
	}
	return nil
}

// seal wraps plain as magic | salt | nonce | ciphertext.
func (s *FileStore) seal(plain []byte) ([]byte, error) {
	if s.aead == nil {
		return plain, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	header := make([]byte, 0, len(sealedMagic)+len(s.salt)+len(nonce))
	header = append(header, sealedMagic...)
	header = append(header, s.salt...)
	header = append(header, nonce...)

	return s.aead.Seal(header, nonce, plain, []byte(sealedMagic)), nil
}

func (s *FileStore) open(data []byte) ([]byte, error) {
	sealed := bytes.HasPrefix(data, []byte(sealedMagic))
	if s.aead == nil {
		if sealed {
			return nil, ErrStoreSealed
		}
		return data, nil
	}
	if !sealed {
		return nil, ErrStoreSealed
	}

	rest := data[len(sealedMagic):]
	if len(rest) < sealedSaltSize+s.aead.NonceSize() {
		return nil, ErrInvalidSnapshot
	}
	rest = rest[sealedSaltSize:]
	nonce, ciphertext := rest[:s.aead.NonceSize()], rest[s.aead.NonceSize():]

	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(sealedMagic))
	if err != nil {
		return nil, ErrStoreSealed
	}
	return plain, nil
}

// persist writes the current contents through a temporary file and rename.
func (s *FileStore) persist() error {
	plain, err := s.mem.MarshalBinary()
	if err != nil {
		return err
	}

	data, err := s.seal(plain)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, s.perm); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, s.path)
}

// Enqueue implements OutboundStore.
func (s *FileStore) Enqueue(msg *PendingMessage, skip func(id uint16) bool) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.mem.Enqueue(msg, skip)
	if err != nil {
		return 0, err
	}
	if err := s.persist(); err != nil {
		_, _ = s.mem.Ack(id)
		return 0, err
	}
	return id, nil
}

// Ack implements OutboundStore.
func (s *FileStore) Ack(id uint16) (*PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, _ := s.mem.Ack(id)
	if msg == nil {
		return nil, nil
	}
	return msg, s.persist()
}

// Get implements OutboundStore.
func (s *FileStore) Get(id uint16) (*PendingMessage, bool) {
	return s.mem.Get(id)
}

// Update implements OutboundStore.
func (s *FileStore) Update(msg *PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.Update(msg); err != nil {
		return err
	}
	return s.persist()
}

// DrainInOrder implements OutboundStore.
func (s *FileStore) DrainInOrder() ([]*PendingMessage, error) {
	return s.mem.DrainInOrder()
}

// Size implements OutboundStore.
func (s *FileStore) Size() int {
	return s.mem.Size()
}

// Clear implements OutboundStore and removes the file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.mem.Clear()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Path returns the location of the store file.
func (s *FileStore) Path() string {
	return s.path
}
