// Package keys encodes secp256k1 keypairs and signs and verifies serialized payloads.
package keys

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Algorithm identifies the PKI scheme a signature was made with. The value travels on the wire.
type Algorithm uint8

const (
	ECDSASecp256k1   Algorithm = 1
	SchnorrSecp256k1 Algorithm = 2
)

var (
	ErrUnknownAlgorithm  = errors.New("unknown pki algorithm")
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidSignature  = errors.New("malformed signature")
)

func (a Algorithm) String() string {
	switch a {
	case ECDSASecp256k1:
		return "SHA256withECDSA"
	case SchnorrSecp256k1:
		return "SHA256withSchnorr"
	default:
		return fmt.Sprintf("Algorithm(%d)", uint8(a))
	}
}

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	return a == ECDSASecp256k1 || a == SchnorrSecp256k1
}

// KeyPair is a secp256k1 private key with its algorithm binding.
type KeyPair struct {
	Algorithm Algorithm
	Private   *btcec.PrivateKey
}

// GenerateKeyPair creates a fresh keypair for alg.
func GenerateKeyPair(alg Algorithm) (*KeyPair, error) {
	if !alg.Valid() {
		return nil, ErrUnknownAlgorithm
	}
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{Algorithm: alg, Private: priv}, nil
}

// PublicKey returns the compressed SEC encoding of the public half.
func (kp *KeyPair) PublicKey() []byte {
	return kp.Private.PubKey().SerializeCompressed()
}

// EncodePrivateKey returns the base64 form of the raw 32-byte scalar.
func EncodePrivateKey(priv *btcec.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv.Serialize())
}

// DecodePrivateKey parses the output of EncodePrivateKey.
func DecodePrivateKey(s string) (*btcec.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidPrivateKey, btcec.PrivKeyBytesLen, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

// EncodePublicKey returns the base64 form of a compressed public key.
func EncodePublicKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a base64 public key and checks it lies on the curve.
func DecodePublicKey(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub.SerializeCompressed(), nil
}

// Sign hashes payload with SHA-256 and signs the digest.
func Sign(alg Algorithm, priv *btcec.PrivateKey, payload []byte) ([]byte, error) {
	if priv == nil {
		return nil, ErrInvalidPrivateKey
	}
	digest := chainhash.HashB(payload)

	switch alg {
	case ECDSASecp256k1:
		return ecdsa.Sign(priv, digest).Serialize(), nil
	case SchnorrSecp256k1:
		sig, err := schnorr.Sign(priv, digest)
		if err != nil {
			return nil, fmt.Errorf("schnorr sign: %w", err)
		}
		return sig.Serialize(), nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

// Verify checks sig over payload against a compressed public key. A well-formed
// signature that does not match returns (false, nil); malformed input returns an error.
func Verify(alg Algorithm, pubKey, payload, sig []byte) (bool, error) {
	pub, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	digest := chainhash.HashB(payload)

	switch alg {
	case ECDSASecp256k1:
		parsed, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return parsed.Verify(digest, pub), nil
	case SchnorrSecp256k1:
		parsed, err := schnorr.ParseSignature(sig)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return parsed.Verify(digest, pub), nil
	default:
		return false, ErrUnknownAlgorithm
	}
}
