package cipher

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestNew_UnknownMethod(t *testing.T) {
	_, err := New("rot13", "secret")
	if err == nil {
		t.Fatal("New with unknown method succeeded, want error")
	}
}

func TestKdf(t *testing.T) {
	// Known vector for the iterated-MD5 derivation.
	key := Kdf("foobar", 32)
	want := "3858f62230ac3c915f300c664312c63f568378529614d22ddb49237d2f60bfdf"
	if hex.EncodeToString(key) != want {
		t.Errorf("Kdf = %s, want %s", hex.EncodeToString(key), want)
	}
}

func TestKdf_Length(t *testing.T) {
	for _, n := range []int{16, 32} {
		if got := len(Kdf("pw", n)); got != n {
			t.Errorf("len(Kdf(pw, %d)) = %d", n, got)
		}
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	for _, methodName := range []string{"chacha20-ietf-poly1305", "aes-256-gcm", "aes-128-gcm", "plain"} {
		t.Run(methodName, func(t *testing.T) {
			c, err := New(methodName, "test-password")
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			plaintext := []byte("the quick brown fox")
			ct, err := c.Encrypt(plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}

			if len(ct) != len(plaintext)+c.Overhead() {
				t.Errorf("ciphertext length = %d, want %d", len(ct), len(plaintext)+c.Overhead())
			}

			got, err := c.Decrypt(ct)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Errorf("Decrypt = %q, want %q", got, plaintext)
			}
		})
	}
}

func TestEncrypt_UniqueSalts(t *testing.T) {
	c, err := New("chacha20-ietf-poly1305", "pw")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := c.Encrypt([]byte("same plaintext"))
	b, _ := c.Encrypt([]byte("same plaintext"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestDecrypt_ShortPacket(t *testing.T) {
	c, err := New("aes-256-gcm", "pw")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	short := make([]byte, c.Overhead()-1)
	if _, err := c.Decrypt(short); err != ErrShortPacket {
		t.Errorf("Decrypt(short) error = %v, want ErrShortPacket", err)
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	c, err := New("chacha20-ietf-poly1305", "pw")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ct, err := c.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	ct[len(ct)-1] ^= 0xff
	if _, err := c.Decrypt(ct); err == nil {
		t.Error("Decrypt of tampered ciphertext succeeded")
	}
}

func TestDecrypt_WrongPassword(t *testing.T) {
	enc, _ := New("aes-128-gcm", "right")
	dec, _ := New("aes-128-gcm", "wrong")

	ct, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := dec.Decrypt(ct); err == nil {
		t.Error("Decrypt with wrong password succeeded")
	}
}

func TestMethods(t *testing.T) {
	names := Methods()
	if len(names) != 4 {
		t.Errorf("len(Methods()) = %d, want 4", len(names))
	}
	for _, name := range names {
		if _, err := New(name, "pw"); err != nil {
			t.Errorf("New(%q): %v", name, err)
		}
	}
}
