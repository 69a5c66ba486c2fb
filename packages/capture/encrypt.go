package capture

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor is a reversible transform applied to captured bodies. For any
// instance, Decrypt(Encrypt(b)) must equal b for every b it accepts.
type Encryptor interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// EncryptError wraps a failure raised by an Encryptor.
type EncryptError struct {
	Op  string // "encrypt" or "decrypt"
	Err error
}

func (e *EncryptError) Error() string {
	return fmt.Sprintf("capture: %s failed: %v", e.Op, e.Err)
}

func (e *EncryptError) Unwrap() error {
	return e.Err
}

// transform runs one Encryptor call, turning errors and panics into *EncryptError.
// Empty bodies pass through untouched.
func transform(op string, fn func([]byte) ([]byte, error), data []byte) (out []byte, err error) {
	if len(data) == 0 {
		return data, nil
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &EncryptError{Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, err = fn(data)
	if err != nil {
		return nil, &EncryptError{Op: op, Err: err}
	}
	return out, nil
}

// sealItem encrypts the body fields of item in place. On failure item is left
// untouched and the error is returned.
func sealItem(item *Item, enc Encryptor) error {
	reqBody, err := transform("encrypt", enc.Encrypt, item.Request.Body)
	if err != nil {
		return err
	}
	var respBody []byte
	if item.Response != nil {
		respBody, err = transform("encrypt", enc.Encrypt, item.Response.Body)
		if err != nil {
			return err
		}
		item.Response.Body = respBody
	}
	item.Request.Body = reqBody
	item.Encrypted = true
	return nil
}

// openItem returns a decrypted copy of item. Items that were never encrypted
// come back unchanged; a failure leaves the ciphertext in place and sets
// Undecryptable.
func openItem(item Item, enc Encryptor) Item {
	if !item.Encrypted {
		return item
	}
	if enc == nil {
		item.Undecryptable = true
		return item
	}
	reqBody, err := transform("decrypt", enc.Decrypt, item.Request.Body)
	if err != nil {
		item.Undecryptable = true
		return item
	}
	var respBody []byte
	if item.Response != nil {
		respBody, err = transform("decrypt", enc.Decrypt, item.Response.Body)
		if err != nil {
			item.Undecryptable = true
			return item
		}
		resp := *item.Response
		resp.Body = respBody
		item.Response = &resp
	}
	item.Request.Body = reqBody
	item.Encrypted = false
	return item
}

// Open returns a decrypted deep copy of item, for items read back from a sink.
func Open(item Item, enc Encryptor) Item {
	return openItem(item.Clone(), enc)
}

// XChaCha is an Encryptor backed by XChaCha20-Poly1305. Each sealed body is the
// random 24-byte nonce followed by the ciphertext.
type XChaCha struct {
	aead cipher.AEAD
}

// NewXChaCha builds an XChaCha encryptor from a 32-byte key.
func NewXChaCha(key []byte) (*XChaCha, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return &XChaCha{aead: aead}, nil
}

// Encrypt seals plain under a fresh random nonce.
func (x *XChaCha) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, x.aead.NonceSize(), x.aead.NonceSize()+len(plain)+x.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return x.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens a body produced by Encrypt.
func (x *XChaCha) Decrypt(sealed []byte) ([]byte, error) {
	n := x.aead.NonceSize()
	if len(sealed) < n+x.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	return x.aead.Open(nil, sealed[:n], sealed[n:], nil)
}
