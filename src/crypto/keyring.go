package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SecretSize is the size of a key generation secret.
const SecretSize = 32

var (
	// ErrUnknownGeneration is returned when a key generation is not in the
	// ring.
	ErrUnknownGeneration = errors.New("unknown key generation")
	// ErrOpen is returned when a ciphertext does not authenticate.
	ErrOpen = errors.New("ciphertext does not authenticate")
)

// HKDF info strings. Changing them changes every derived key.
var (
	infoEncrypt = []byte("murmur content encryption v1")
	infoMAC     = []byte("murmur content authentication v1")
	infoWrap    = []byte("murmur key wrapping v1")
)

// Generation is one symmetric key generation of a conversation. Content nodes
// are encrypted and authenticated with the keys derived from its secret.
//
// Concurrent rotations can distribute several secrets under the same number.
// Each one is a variant of the generation, told apart by Source.
type Generation struct {
	Number uint64
	// Confirmed is set once the key-distribution node that carried the
	// secret has passed full validation, including its trust path.
	Confirmed bool
	// Revoked is set when the distributing device turned out to be revoked
	// at the distribution point.
	Revoked bool
	// Source is the hash of the key-distribution node that delivered the
	// secret. It is zero for the bootstrap generation.
	Source [HashSize]byte
	// Rank is the rank of the key-distribution node. Between two confirmed
	// variants the lower rank, then the lower Source, seals new content.
	Rank uint64

	encKey  []byte
	macKey  [HashSize]byte
	wrapKey []byte
}

// before orders the variants of one generation: usable before revoked,
// confirmed before provisional, then by Rank and Source.
func (g *Generation) before(o *Generation) bool {
	if g.Revoked != o.Revoked {
		return !g.Revoked
	}
	if g.Confirmed != o.Confirmed {
		return g.Confirmed
	}
	if g.Rank != o.Rank {
		return g.Rank < o.Rank
	}
	return bytes.Compare(g.Source[:], o.Source[:]) < 0
}

func newGeneration(number uint64, secret []byte) (*Generation, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(secret))
	}

	g := &Generation{Number: number}

	var err error
	if g.encKey, err = deriveKey(secret, infoEncrypt); err != nil {
		return nil, err
	}
	mac, err := deriveKey(secret, infoMAC)
	if err != nil {
		return nil, err
	}
	copy(g.macKey[:], mac)
	if g.wrapKey, err = deriveKey(secret, infoWrap); err != nil {
		return nil, err
	}

	return g, nil
}

func deriveKey(secret []byte, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return out, nil
}

// MAC returns the authentication tag of msg under this generation.
func (g Generation) MAC(msg []byte) []byte {
	tag := KeyedHash(g.macKey, msg)
	return tag[:]
}

// VerifyMAC checks a tag produced by MAC in constant time.
func (g Generation) VerifyMAC(msg []byte, tag []byte) bool {
	return subtle.ConstantTimeCompare(g.MAC(msg), tag) == 1
}

// Seal encrypts plaintext with XChaCha20-Poly1305. The random nonce is
// prepended to the returned ciphertext.
func (g Generation) Seal(plaintext, ad []byte) ([]byte, error) {
	return seal(g.encKey, plaintext, ad)
}

// Open decrypts the output of Seal.
func (g Generation) Open(ciphertext, ad []byte) ([]byte, error) {
	return open(g.encKey, ciphertext, ad)
}

// Wrap encrypts the secret of the next generation so that only holders of
// this generation can read it.
func (g Generation) Wrap(secret []byte) ([]byte, error) {
	return seal(g.wrapKey, secret, nil)
}

// Unwrap is the inverse of Wrap.
func (g Generation) Unwrap(wrapped []byte) ([]byte, error) {
	return open(g.wrapKey, wrapped, nil)
}

func seal(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plaintext, ad), nil
}

func open(key, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrOpen
	}
	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSizeX:], ad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}

// NewSecret returns a fresh random generation secret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// KeyRing holds the key generations known for a conversation. It is safe for
// concurrent use.
type KeyRing struct {
	mu sync.RWMutex
	// variants of each generation, kept sorted with before
	gens    map[uint64][]*Generation
	current uint64
}

// NewKeyRing returns a KeyRing holding the bootstrap generation 0, derived
// from the conversation secret shared out of band with members.
func NewKeyRing(bootstrap []byte) (*KeyRing, error) {
	g, err := newGeneration(0, bootstrap)
	if err != nil {
		return nil, err
	}
	g.Confirmed = true

	return &KeyRing{
		gens: map[uint64][]*Generation{0: {g}},
	}, nil
}

// Current returns the highest generation number in the ring.
func (k *KeyRing) Current() uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Get returns a copy of the preferred variant of a generation. It is revoked
// only when every variant is.
func (k *KeyRing) Get(number uint64) (Generation, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	vs := k.gens[number]
	if len(vs) == 0 {
		return Generation{}, false
	}
	return *vs[0], true
}

// Variants returns copies of every variant of a generation, preferred first.
func (k *KeyRing) Variants(number uint64) []Generation {
	k.mu.RLock()
	defer k.mu.RUnlock()
	res := make([]Generation, 0, len(k.gens[number]))
	for _, g := range k.gens[number] {
		res = append(res, *g)
	}
	return res
}

// Has reports whether the variant delivered by source is installed.
func (k *KeyRing) Has(number uint64, source [HashSize]byte) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.find(number, source) != nil
}

// Latest returns the preferred variant of the newest generation that has a
// confirmed, unrevoked variant. Only such a generation seals new content.
func (k *KeyRing) Latest() (Generation, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, n := range k.numbers() {
		g := k.gens[n][0]
		if g.Confirmed && !g.Revoked {
			return *g, true
		}
	}
	return Generation{}, false
}

// Generations returns the generation numbers in ascending order.
func (k *KeyRing) Generations() []uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	res := k.numbers()
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// numbers returns the generation numbers, highest first.
func (k *KeyRing) numbers() []uint64 {
	res := make([]uint64, 0, len(k.gens))
	for n := range k.gens {
		res = append(res, n)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] > res[j] })
	return res
}

// Candidates returns the generations worth trying for a node that claims the
// hint generation: every variant of the hint itself, then of the current and
// of the immediately previous generation. Revoked variants are never
// returned.
func (k *KeyRing) Candidates(hint uint64) []Generation {
	k.mu.RLock()
	defer k.mu.RUnlock()

	order := []uint64{hint, k.current}
	if k.current > 0 {
		order = append(order, k.current-1)
	}

	res := []Generation{}
	seen := make(map[uint64]bool, len(order))
	for _, n := range order {
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, g := range k.gens[n] {
			if !g.Revoked {
				res = append(res, *g)
			}
		}
	}
	return res
}

// Match returns the first candidate generation whose tag over msg matches.
func (k *KeyRing) Match(hint uint64, msg, tag []byte) (Generation, bool) {
	for _, g := range k.Candidates(hint) {
		if g.VerifyMAC(msg, tag) {
			return g, true
		}
	}
	return Generation{}, false
}

// Install adds the variant of a generation delivered by source. Installing a
// variant that is already present only upgrades it to confirmed when asked
// to. A variant from another source never changes an existing one.
func (k *KeyRing) Install(number uint64, secret []byte, source [HashSize]byte, rank uint64, confirmed bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if g := k.find(number, source); g != nil {
		if confirmed && !g.Revoked {
			g.Confirmed = true
			k.reorder(number)
		}
		return nil
	}

	g, err := newGeneration(number, secret)
	if err != nil {
		return err
	}
	g.Confirmed = confirmed
	g.Source = source
	g.Rank = rank

	k.gens[number] = append(k.gens[number], g)
	k.reorder(number)
	if number > k.current {
		k.current = number
	}
	return nil
}

// Confirm marks the variant delivered by source as confirmed.
func (k *KeyRing) Confirm(number uint64, source [HashSize]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	g := k.find(number, source)
	if g == nil {
		return ErrUnknownGeneration
	}
	if !g.Revoked {
		g.Confirmed = true
		k.reorder(number)
	}
	return nil
}

// Revoke marks the variant delivered by source as revoked. A revoked variant
// is never used again and the nodes it decrypted must be wiped.
func (k *KeyRing) Revoke(number uint64, source [HashSize]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	g := k.find(number, source)
	if g == nil {
		return ErrUnknownGeneration
	}
	g.Revoked = true
	g.Confirmed = false
	k.reorder(number)
	return nil
}

func (k *KeyRing) find(number uint64, source [HashSize]byte) *Generation {
	for _, g := range k.gens[number] {
		if g.Source == source {
			return g
		}
	}
	return nil
}

func (k *KeyRing) reorder(number uint64) {
	vs := k.gens[number]
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].before(vs[j]) })
}
