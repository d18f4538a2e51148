package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PasswordHash holds an argon2id hash and the parameters it was made with.
type PasswordHash struct {
	Hash    []byte
	Salt    []byte
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	KeyLen  uint32
}

// Default argon2id parameters.
const (
	defaultTime    = 1
	defaultMemory  = 64 * 1024
	defaultThreads = 4
	defaultKeyLen  = 32
)

// HashPassword hashes password with a fresh salt and returns it in the
// "$argon2id$v=19$m=...,t=...,p=...$salt$hash" form used in config files.
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	h := PasswordHash{
		Salt:    salt,
		Time:    defaultTime,
		Memory:  defaultMemory,
		Threads: defaultThreads,
		KeyLen:  defaultKeyLen,
	}
	h.Hash = argon2.IDKey([]byte(password), h.Salt, h.Time, h.Memory, h.Threads, h.KeyLen)
	return h.String(), nil
}

// String encodes the hash.
func (h PasswordHash) String() string {
	enc := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Memory, h.Time, h.Threads, enc.EncodeToString(h.Salt), enc.EncodeToString(h.Hash))
}

// ParsePasswordHash decodes a hash produced by HashPassword.
func ParsePasswordHash(s string) (PasswordHash, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return PasswordHash{}, errors.New("not an argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return PasswordHash{}, fmt.Errorf("bad version field: %w", err)
	}
	if version != argon2.Version {
		return PasswordHash{}, fmt.Errorf("unsupported argon2 version %d", version)
	}
	var h PasswordHash
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.Memory, &h.Time, &h.Threads); err != nil {
		return PasswordHash{}, fmt.Errorf("bad parameter field: %w", err)
	}
	enc := base64.RawStdEncoding
	var err error
	if h.Salt, err = enc.DecodeString(parts[4]); err != nil {
		return PasswordHash{}, fmt.Errorf("bad salt: %w", err)
	}
	if h.Hash, err = enc.DecodeString(parts[5]); err != nil {
		return PasswordHash{}, fmt.Errorf("bad hash: %w", err)
	}
	h.KeyLen = uint32(len(h.Hash))
	return h, nil
}

// Verify reports whether password matches the hash. The comparison is
// constant-time.
func (h PasswordHash) Verify(password string) bool {
	got := argon2.IDKey([]byte(password), h.Salt, h.Time, h.Memory, h.Threads, h.KeyLen)
	return subtle.ConstantTimeCompare(got, h.Hash) == 1
}
