package keys

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

// Signer produces signatures under a fixed key number.
type Signer interface {
	Algorithm() Algorithm
	KeyNumber() uint32
	Sign(payload []byte) ([]byte, error)
}

// PrivateKeySigner signs with an in-process private key.
type PrivateKeySigner struct {
	alg       Algorithm
	keyNumber uint32
	priv      *btcec.PrivateKey
}

func NewPrivateKeySigner(alg Algorithm, keyNumber uint32, priv *btcec.PrivateKey) (*PrivateKeySigner, error) {
	if !alg.Valid() {
		return nil, ErrUnknownAlgorithm
	}
	if priv == nil {
		return nil, ErrInvalidPrivateKey
	}
	return &PrivateKeySigner{alg: alg, keyNumber: keyNumber, priv: priv}, nil
}

// NewServerSigner builds the server's response signer from its configured base64 key.
func NewServerSigner(alg Algorithm, keyNumber uint32, encodedPrivateKey string) (*PrivateKeySigner, error) {
	priv, err := DecodePrivateKey(encodedPrivateKey)
	if err != nil {
		return nil, err
	}
	return NewPrivateKeySigner(alg, keyNumber, priv)
}

func (s *PrivateKeySigner) Algorithm() Algorithm { return s.alg }
func (s *PrivateKeySigner) KeyNumber() uint32    { return s.keyNumber }

func (s *PrivateKeySigner) Sign(payload []byte) ([]byte, error) {
	return Sign(s.alg, s.priv, payload)
}

// PublicKey returns the compressed public key matching the signer.
func (s *PrivateKeySigner) PublicKey() []byte {
	return s.priv.PubKey().SerializeCompressed()
}
