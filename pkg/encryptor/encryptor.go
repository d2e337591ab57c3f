// Package encryptor is a registry of password hashing algorithms keyed by
// name. Hosts look an algorithm up by the id stored next to each hash, so
// several algorithms can coexist while passwords are migrated.
package encryptor

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// AlgorithmID names a registered algorithm.
type AlgorithmID string

// Built-in algorithms.
const (
	None   AlgorithmID = "none"
	SHA256 AlgorithmID = "sha256"
	Bcrypt AlgorithmID = "bcrypt"
)

// ErrUnknownAlgorithm is returned by Get for an id nothing was registered
// under.
var ErrUnknownAlgorithm = errors.New("unknown password algorithm")

// Encryptor hashes and verifies passwords.
type Encryptor interface {
	// Salt returns a fresh salt. Algorithms that embed their own salt in
	// the hash return "".
	Salt() (string, error)

	// Encrypt hashes password with salt.
	Encrypt(password, salt string) (string, error)

	// Check reports whether password matches hash.
	Check(hash, password, salt string) bool
}

// Factory creates an Encryptor.
type Factory func() Encryptor

// Registry maps algorithm ids to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[AlgorithmID]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[AlgorithmID]Factory)}
}

// Default returns a registry holding the built-in algorithms.
func Default() *Registry {
	r := NewRegistry()
	r.Register(None, func() Encryptor { return plain{} })
	r.Register(SHA256, func() Encryptor { return saltedSHA256{} })
	r.Register(Bcrypt, func() Encryptor { return bcryptEncryptor{cost: bcrypt.DefaultCost} })
	return r
}

// Register adds or replaces the factory for id.
func (r *Registry) Register(id AlgorithmID, f Factory) {
	r.mu.Lock()
	r.factories[id] = f
	r.mu.Unlock()
}

// Get returns a new Encryptor for id.
func (r *Registry) Get(id AlgorithmID) (Encryptor, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, id)
	}
	return f(), nil
}

// Algorithms lists registered ids in sorted order.
func (r *Registry) Algorithms() []AlgorithmID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AlgorithmID, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RandomToken returns n random bytes, hex encoded.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IsUnknownAlgorithmErr returns true if err is or wraps ErrUnknownAlgorithm.
func IsUnknownAlgorithmErr(err error) bool {
	return errors.Is(err, ErrUnknownAlgorithm)
}

// plain stores passwords as given. Only for migrating legacy data.
type plain struct{}

func (plain) Salt() (string, error) { return "", nil }

func (plain) Encrypt(password, _ string) (string, error) { return password, nil }

func (plain) Check(hash, password, _ string) bool {
	return subtle.ConstantTimeCompare([]byte(hash), []byte(password)) == 1
}

type saltedSHA256 struct{}

func (saltedSHA256) Salt() (string, error) { return RandomToken(20) }

func (saltedSHA256) Encrypt(password, salt string) (string, error) {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:]), nil
}

func (e saltedSHA256) Check(hash, password, salt string) bool {
	want, _ := e.Encrypt(password, salt)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(want)) == 1
}

type bcryptEncryptor struct {
	cost int
}

func (bcryptEncryptor) Salt() (string, error) { return "", nil }

func (e bcryptEncryptor) Encrypt(password, _ string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), e.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(h), nil
}

func (bcryptEncryptor) Check(hash, password, _ string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NewBcrypt returns a bcrypt Encryptor with the given cost, for registering
// under a custom id.
func NewBcrypt(cost int) Encryptor {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	return bcryptEncryptor{cost: cost}
}
