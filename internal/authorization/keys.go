package authorization

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/smallbiznis/spendguard/internal/config"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
	argonKeyLen  uint32 = 32
	argonSaltLen        = 16
)

var ErrUnauthorized = errors.New("unauthorized")

// AdminIdentity is the authenticated owner of an admin key.
type AdminIdentity struct {
	Name string
	Role string
}

func (a AdminIdentity) Subject() string {
	return AdminSubject(a.Name)
}

// KeyRing verifies bearer admin keys against the hashes in ADMIN_API_KEYS.
// Hashes may be bcrypt ($2a$/$2b$/$2y$) or argon2id.
type KeyRing struct {
	keys []config.AdminKey
}

func NewKeyRing(cfg config.Config) *KeyRing {
	keys := make([]config.AdminKey, 0, len(cfg.Admin.Keys))
	keys = append(keys, cfg.Admin.Keys...)
	return &KeyRing{keys: keys}
}

func (k *KeyRing) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}

// Authenticate returns the identity whose hash matches token.
func (k *KeyRing) Authenticate(token string) (AdminIdentity, error) {
	token = strings.TrimSpace(token)
	if k == nil || token == "" {
		return AdminIdentity{}, ErrUnauthorized
	}
	for _, key := range k.keys {
		if VerifyKey(token, key.Hash) {
			return AdminIdentity{Name: key.Name, Role: key.Role}, nil
		}
	}
	return AdminIdentity{}, ErrUnauthorized
}

// HashKey returns a bcrypt hash suitable for ADMIN_API_KEYS.
func HashKey(token string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyKey checks token against a bcrypt or argon2id encoded hash.
func VerifyKey(token, encoded string) bool {
	encoded = strings.TrimSpace(encoded)
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return verifyArgon2id(token, encoded)
	case strings.HasPrefix(encoded, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(token)) == nil
	default:
		return false
	}
}

// HashKeyArgon2id returns the argon2id encoding accepted by VerifyKey.
func HashKeyArgon2id(token string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(token), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	saltB64 := base64.RawStdEncoding.EncodeToString(salt)
	hashB64 := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", argonMemory, argonTime, argonThreads, saltB64, hashB64), nil
}

func verifyArgon2id(token, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != "v=19" {
		return false
	}

	params := strings.Split(parts[3], ",")
	if len(params) != 3 {
		return false
	}
	m, ok := strings.CutPrefix(params[0], "m=")
	if !ok {
		return false
	}
	t, ok := strings.CutPrefix(params[1], "t=")
	if !ok {
		return false
	}
	p, ok := strings.CutPrefix(params[2], "p=")
	if !ok {
		return false
	}
	memory, err := strconv.ParseUint(m, 10, 32)
	if err != nil {
		return false
	}
	timeCost, err := strconv.ParseUint(t, 10, 32)
	if err != nil {
		return false
	}
	threads, err := strconv.ParseUint(p, 10, 8)
	if err != nil {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	check := argon2.IDKey([]byte(token), salt, uint32(timeCost), uint32(memory), uint8(threads), uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, check) == 1
}
