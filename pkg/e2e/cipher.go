package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// Symmetric schemes for the message body
const (
	// SchemeXChaCha is authenticated and used for new messages
	SchemeXChaCha = "xchacha20-poly1305"

	// SchemeAESCFB is the legacy unauthenticated scheme. An empty cipher
	// field on the wire means this scheme.
	SchemeAESCFB = "aes-256-cfb"
)

const (
	sessionKeySize = 32
	aesIVSize      = aes.BlockSize
)

var (
	// ErrDecryptionFailed covers every way opening a private message can fail
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnknownScheme means the cipher field names no supported scheme
	ErrUnknownScheme = errors.New("unknown cipher scheme")
)

// Sealed is the binary form of an encrypted private message
type Sealed struct {
	Scheme       string
	EncryptedKey []byte
	IV           []byte
	Ciphertext   []byte
}

// Seal encrypts plaintext for recipient under a fresh session key. The
// session key is wrapped with RSA-OAEP (SHA-256, MGF1-SHA-256).
func Seal(recipient *rsa.PublicKey, plaintext []byte, scheme string) (*Sealed, error) {
	if scheme == "" {
		scheme = SchemeXChaCha
	}

	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	var iv, ciphertext []byte
	switch scheme {
	case SchemeXChaCha:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, err
		}
		iv = make([]byte, aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		ciphertext = aead.Seal(nil, iv, plaintext, nil)

	case SchemeAESCFB:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		iv = make([]byte, aesIVSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, fmt.Errorf("failed to generate IV: %w", err)
		}
		ciphertext = make([]byte, len(plaintext))
		//nolint:staticcheck // legacy scheme
		cipher.NewCFBEncrypter(block, iv).XORKeyStream(ciphertext, plaintext)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key: %w", err)
	}

	return &Sealed{
		Scheme:       scheme,
		EncryptedKey: wrapped,
		IV:           iv,
		Ciphertext:   ciphertext,
	}, nil
}

// Open reverses Seal with the recipient's private key
func Open(priv *rsa.PrivateKey, s *Sealed) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, s.EncryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: key unwrap: %v", ErrDecryptionFailed, err)
	}
	if len(key) != sessionKeySize {
		return nil, fmt.Errorf("%w: session key is %d bytes", ErrDecryptionFailed, len(key))
	}

	switch s.Scheme {
	case SchemeXChaCha:
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		if len(s.IV) != aead.NonceSize() {
			return nil, fmt.Errorf("%w: nonce is %d bytes", ErrDecryptionFailed, len(s.IV))
		}
		plaintext, err := aead.Open(nil, s.IV, s.Ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return plaintext, nil

	case SchemeAESCFB, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		if len(s.IV) != aesIVSize {
			return nil, fmt.Errorf("%w: IV is %d bytes", ErrDecryptionFailed, len(s.IV))
		}
		plaintext := make([]byte, len(s.Ciphertext))
		//nolint:staticcheck // legacy scheme
		cipher.NewCFBDecrypter(block, s.IV).XORKeyStream(plaintext, s.Ciphertext)
		return plaintext, nil

	default:
		return nil, fmt.Errorf("%w: %w: %q", ErrDecryptionFailed, ErrUnknownScheme, s.Scheme)
	}
}

// SealPrivateMessage encrypts text into a wire-ready PrivateMessage
func SealPrivateMessage(sender, recipient string, recipientKey *rsa.PublicKey, text, scheme string) (*protocol.PrivateMessage, error) {
	sealed, err := Seal(recipientKey, []byte(text), scheme)
	if err != nil {
		return nil, err
	}

	msg := &protocol.PrivateMessage{
		Sender:           sender,
		Recipient:        recipient,
		EncryptedKey:     base64.StdEncoding.EncodeToString(sealed.EncryptedKey),
		IV:               base64.StdEncoding.EncodeToString(sealed.IV),
		EncryptedMessage: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
	}
	if sealed.Scheme != SchemeAESCFB {
		msg.Cipher = sealed.Scheme
	}
	return msg, nil
}

// OpenPrivateMessage decodes and decrypts a PrivateMessage addressed to priv
func OpenPrivateMessage(priv *rsa.PrivateKey, msg *protocol.PrivateMessage) (string, error) {
	decode := func(field, value string) ([]byte, error) {
		b, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrDecryptionFailed, field, err)
		}
		return b, nil
	}

	wrapped, err := decode("encrypted_key", msg.EncryptedKey)
	if err != nil {
		return "", err
	}
	iv, err := decode("iv", msg.IV)
	if err != nil {
		return "", err
	}
	ciphertext, err := decode("encrypted_message", msg.EncryptedMessage)
	if err != nil {
		return "", err
	}

	plaintext, err := Open(priv, &Sealed{
		Scheme:       msg.Cipher,
		EncryptedKey: wrapped,
		IV:           iv,
		Ciphertext:   ciphertext,
	})
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
