package backup

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// sealMagic prefixes password-protected archives.
var sealMagic = []byte("PREFBRIDGE-SEALED-1\n")

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrWrongPassword is returned when a sealed archive cannot be opened.
var ErrWrongPassword = errors.New("wrong backup password or corrupted archive")

// ErrPasswordRequired is returned when a sealed archive is opened without a password.
var ErrPasswordRequired = errors.New("backup is password protected")

// IsSealed reports whether data is a sealed archive.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealMagic)
}

// Seal encrypts data with a key derived from password.
func Seal(data []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sealMagic)+saltSize+nonceSize+len(data)+secretbox.Overhead)
	out = append(out, sealMagic...)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, data, &nonce, key), nil
}

// Open decrypts a sealed archive.
func Open(data []byte, password string) ([]byte, error) {
	if !IsSealed(data) {
		return nil, fmt.Errorf("not a sealed archive")
	}
	if password == "" {
		return nil, ErrPasswordRequired
	}
	rest := data[len(sealMagic):]
	if len(rest) < saltSize+nonceSize+secretbox.Overhead {
		return nil, ErrWrongPassword
	}
	salt := rest[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], rest[saltSize:saltSize+nonceSize])

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, rest[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrWrongPassword
	}
	return plain, nil
}

func deriveKey(password string, salt []byte) (*[keySize]byte, error) {
	raw, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}
