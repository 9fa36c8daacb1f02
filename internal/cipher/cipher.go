// Package cipher provides the symmetric packet encryption used between the
// relay and remote proxy servers. Each datagram is sealed independently:
// a fresh random salt is prepended and a per-packet subkey is derived from
// the master key with HKDF-SHA1, so no nonce state is shared across packets.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// TagSize is the size of the AEAD authentication tag in bytes.
const TagSize = 16

// MaxOverhead is the largest Encrypt overhead across supported methods:
// a 32-byte salt plus the tag.
const MaxOverhead = 32 + TagSize

// hkdfInfo is the context string for HKDF subkey derivation.
const hkdfInfo = "ss-subkey"

var (
	// ErrUnknownMethod is returned when the configured cipher method is not
	// supported.
	ErrUnknownMethod = errors.New("unknown cipher method")

	// ErrShortPacket is returned by Decrypt when the buffer is shorter than
	// the minimum valid ciphertext (salt + tag). It signals a packet that
	// cannot possibly be authentic, as opposed to one that fails
	// authentication.
	ErrShortPacket = errors.New("packet too short to be valid")
)

// Cipher seals and opens whole datagrams. Implementations are safe for
// concurrent use.
type Cipher interface {
	// Encrypt seals plaintext into a self-contained ciphertext datagram.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt opens a ciphertext datagram. It returns ErrShortPacket when
	// the buffer is too short to carry a valid packet.
	Decrypt(ciphertext []byte) ([]byte, error)

	// Overhead returns the number of bytes Encrypt adds to a plaintext.
	Overhead() int
}

type method struct {
	keySize int
	newAEAD func(key []byte) (gocipher.AEAD, error)
}

var methods = map[string]method{
	"chacha20-ietf-poly1305": {
		keySize: chacha20poly1305.KeySize,
		newAEAD: chacha20poly1305.New,
	},
	"aes-256-gcm": {keySize: 32, newAEAD: newAESGCM},
	"aes-128-gcm": {keySize: 16, newAEAD: newAESGCM},
}

func newAESGCM(key []byte) (gocipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return gocipher.NewGCM(block)
}

// Methods returns the supported method names in sorted order.
func Methods() []string {
	names := make([]string, 0, len(methods)+1)
	for name := range methods {
		names = append(names, name)
	}
	names = append(names, "plain")
	sort.Strings(names)
	return names
}

// New creates a Cipher for the given method name and password. The master
// key is derived from the password with the MD5-based key derivation shared
// with other implementations of the protocol. The method "plain" disables
// encryption and is intended for testing only.
func New(methodName, password string) (Cipher, error) {
	name := strings.ToLower(methodName)

	if name == "plain" || name == "none" {
		return plainCipher{}, nil
	}

	m, ok := methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, methodName)
	}

	return &aeadCipher{
		key:      Kdf(password, m.keySize),
		saltSize: m.keySize,
		newAEAD:  m.newAEAD,
	}, nil
}

// aeadCipher implements Cipher with a salt-keyed AEAD. The per-packet
// subkey makes a fixed all-zero nonce safe.
type aeadCipher struct {
	key      []byte
	saltSize int
	newAEAD  func(key []byte) (gocipher.AEAD, error)
}

func (c *aeadCipher) Overhead() int {
	return c.saltSize + TagSize
}

func (c *aeadCipher) subkey(salt []byte) ([]byte, error) {
	subkey := make([]byte, len(c.key))
	r := hkdf.New(sha1.New, c.key, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return subkey, nil
}

func (c *aeadCipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, c.saltSize, c.saltSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	subkey, err := c.subkey(out)
	if err != nil {
		return nil, err
	}

	aead, err := c.newAEAD(subkey)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func (c *aeadCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.saltSize+TagSize {
		return nil, ErrShortPacket
	}

	salt := ciphertext[:c.saltSize]
	subkey, err := c.subkey(salt)
	if err != nil {
		return nil, err
	}

	aead, err := c.newAEAD(subkey)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, ciphertext[c.saltSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("open packet: %w", err)
	}

	return plaintext, nil
}

// plainCipher passes datagrams through unchanged.
type plainCipher struct{}

func (plainCipher) Overhead() int { return 0 }

func (plainCipher) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

func (plainCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	copy(out, ciphertext)
	return out, nil
}

// Kdf derives a master key of the requested length from a password using
// the iterated-MD5 construction shared with other implementations of the
// protocol.
func Kdf(password string, keyLen int) []byte {
	var b, prev []byte
	h := md5.New()
	for len(b) < keyLen {
		h.Write(prev)
		h.Write([]byte(password))
		b = h.Sum(b)
		prev = b[len(b)-h.Size():]
		h.Reset()
	}
	return b[:keyLen]
}
