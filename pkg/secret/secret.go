// Package secret encrypts the backend credentials the gateway persists, such as mount
// point options and the credential snapshot kept with a document session.
//
// Values are sealed with nacl/secretbox. The 32 byte key comes from a KeySource: either
// derived with scrypt from the requesting user's own password (the gateway cannot decrypt
// a user's mount credentials without that user's login), or from a static key configured
// by the administrator.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	keySize   = 32
	nonceSize = 24

	ModeUserPassword = "user-password"
	ModeStatic       = "static"
)

// Store seals and opens credential blobs for the user in rc.
type Store interface {
	Encrypt(rc *reqctx.Context, plaintext []byte) (string, error)
	Decrypt(rc *reqctx.Context, sealed string) ([]byte, error)
}

// KeySource produces the encryption key for a request.
type KeySource interface {
	Key(rc *reqctx.Context) (*[keySize]byte, error)
}

type SecretboxStore struct {
	keys KeySource
}

func NewSecretboxStore(keys KeySource) *SecretboxStore {
	return &SecretboxStore{keys: keys}
}

// NewStoreFromConfig builds the store selected by cfg.Mode.
func NewStoreFromConfig(cfg config.SecretConfig) (*SecretboxStore, error) {
	switch cfg.Mode {
	case ModeUserPassword:
		return NewSecretboxStore(&UserPasswordKeySource{Salt: cfg.Salt}), nil
	case ModeStatic:
		keys, err := NewStaticKeySource(cfg.StaticKey, cfg.Salt)
		if err != nil {
			return nil, err
		}
		return NewSecretboxStore(keys), nil
	default:
		return nil, gwerr.E(gwerr.InvalidRequest, "unknown secret mode '%s'", cfg.Mode)
	}
}

func (s *SecretboxStore) Encrypt(rc *reqctx.Context, plaintext []byte) (string, error) {
	key, err := s.keys.Key(rc)
	if err != nil {
		return "", err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", gwerr.Wrap(gwerr.Internal, err, "unable to generate nonce")
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *SecretboxStore) Decrypt(rc *reqctx.Context, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, err, "stored secret is not valid base64")
	}

	if len(raw) < nonceSize+secretbox.Overhead {
		return nil, gwerr.E(gwerr.Internal, "stored secret is truncated")
	}

	key, err := s.keys.Key(rc)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, key)
	if !ok {
		return nil, gwerr.E(gwerr.PermissionDenied, "unable to decrypt stored secret")
	}

	return plaintext, nil
}

// UserPasswordKeySource derives the key from the request user's password. Changing the
// password makes previously stored secrets unreadable.
type UserPasswordKeySource struct {
	Salt string
}

func (k *UserPasswordKeySource) Key(rc *reqctx.Context) (*[keySize]byte, error) {
	if rc == nil || rc.Password() == "" {
		return nil, gwerr.E(gwerr.NeedsAuthentication, "user password required to access stored credentials")
	}

	return deriveKey(rc.Password(), k.Salt+":"+rc.User)
}

// StaticKeySource uses one key for every user.
type StaticKeySource struct {
	key *[keySize]byte
}

func NewStaticKeySource(passphrase, salt string) (*StaticKeySource, error) {
	if passphrase == "" {
		return nil, gwerr.E(gwerr.InvalidRequest, "static secret key is empty")
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	return &StaticKeySource{key: key}, nil
}

func (k *StaticKeySource) Key(_ *reqctx.Context) (*[keySize]byte, error) {
	return k.key, nil
}

func deriveKey(passphrase, salt string) (*[keySize]byte, error) {
	derived, err := scrypt.Key([]byte(passphrase), []byte(salt), 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, errors.Wrapf(err, "deriving key")
	}

	var key [keySize]byte
	copy(key[:], derived)
	return &key, nil
}
