package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// encryptedPrefix marks a credential string as AES-256-CBC ciphertext
// instead of plaintext, per spec.md §6.
const encryptedPrefix = "encrypted:"

const (
	pbkdf2Iterations = 10000
	pbkdf2KeyLen     = 32 // AES-256
)

// applicationSalt is fixed (not secret) per spec.md §6: the KDF input that
// makes the derived key application-specific is the machine id, not this
// salt.
var applicationSalt = []byte("acproxycam-v1-printer-credentials")

// Cipher derives the AES-256 key from the machine identifier and performs
// encrypt/decrypt of credential strings.
type Cipher struct {
	key []byte
}

// NewCipher derives the key from MachineID().
func NewCipher() (*Cipher, error) {
	id, err := MachineID()
	if err != nil {
		return nil, err
	}
	return NewCipherFromMachineID(id), nil
}

// NewCipherFromMachineID is exposed for tests that want a deterministic id.
func NewCipherFromMachineID(machineID string) *Cipher {
	key := pbkdf2.Key([]byte(machineID), applicationSalt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return &Cipher{key: key}
}

// MachineID resolves the preferred machine identifier, per spec.md §6:
// /etc/machine-id, then /var/lib/dbus/machine-id, then hostname.
func MachineID() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err == nil {
			id := strings.TrimSpace(string(data))
			if id != "" {
				return id, nil
			}
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("no machine-id source available: %w", err)
	}
	return host, nil
}

// Encrypt produces "encrypted:"+base64(IV||ciphertext). Empty strings pass
// through unchanged (nothing to protect).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	blob := append(append([]byte{}, iv...), ciphertext...)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Strings without the "encrypted:" prefix are
// returned unchanged (first read of an older plaintext config).
func (c *Cipher) Decrypt(value string) (string, error) {
	if value == "" || !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	bs := block.BlockSize()
	if len(blob) < bs || (len(blob)-bs)%bs != 0 {
		return "", errors.New("ciphertext has invalid length")
	}
	iv, ciphertext := blob[:bs], blob[bs:]
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)
	plain, err := pkcs7Unpad(plainPadded, bs)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded data length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}

// EncryptDocument returns a copy of doc with every credential field
// encrypted (idempotent: fields already carrying the prefix are left
// alone).
func (c *Cipher) EncryptDocument(doc Document) (Document, error) {
	out := doc
	out.Printers = make([]PrinterConfig, len(doc.Printers))
	for i, p := range doc.Printers {
		enc, err := c.encryptPrinter(p)
		if err != nil {
			return Document{}, fmt.Errorf("printer %s: %w", p.Name, err)
		}
		out.Printers[i] = enc
	}
	return out, nil
}

func (c *Cipher) encryptPrinter(p PrinterConfig) (PrinterConfig, error) {
	var err error
	if p.SSHPassword != "" && !strings.HasPrefix(p.SSHPassword, encryptedPrefix) {
		if p.SSHPassword, err = c.Encrypt(p.SSHPassword); err != nil {
			return p, err
		}
	}
	if p.MQTTPassword != "" && !strings.HasPrefix(p.MQTTPassword, encryptedPrefix) {
		if p.MQTTPassword, err = c.Encrypt(p.MQTTPassword); err != nil {
			return p, err
		}
	}
	if p.Obico.AuthToken != "" && !strings.HasPrefix(p.Obico.AuthToken, encryptedPrefix) {
		if p.Obico.AuthToken, err = c.Encrypt(p.Obico.AuthToken); err != nil {
			return p, err
		}
	}
	if p.Obico.DeviceSecret != "" && !strings.HasPrefix(p.Obico.DeviceSecret, encryptedPrefix) {
		if p.Obico.DeviceSecret, err = c.Encrypt(p.Obico.DeviceSecret); err != nil {
			return p, err
		}
	}
	return p, nil
}

// DecryptDocument returns a copy of doc with every credential field
// decrypted to plaintext, for in-memory use.
func (c *Cipher) DecryptDocument(doc Document) (Document, error) {
	out := doc
	out.Printers = make([]PrinterConfig, len(doc.Printers))
	for i, p := range doc.Printers {
		dec, err := c.decryptPrinter(p)
		if err != nil {
			return Document{}, fmt.Errorf("printer %s: %w", p.Name, err)
		}
		out.Printers[i] = dec
	}
	return out, nil
}

func (c *Cipher) decryptPrinter(p PrinterConfig) (PrinterConfig, error) {
	var err error
	if p.SSHPassword, err = c.Decrypt(p.SSHPassword); err != nil {
		return p, err
	}
	if p.MQTTPassword, err = c.Decrypt(p.MQTTPassword); err != nil {
		return p, err
	}
	if p.Obico.AuthToken, err = c.Decrypt(p.Obico.AuthToken); err != nil {
		return p, err
	}
	if p.Obico.DeviceSecret, err = c.Decrypt(p.Obico.DeviceSecret); err != nil {
		return p, err
	}
	return p, nil
}
