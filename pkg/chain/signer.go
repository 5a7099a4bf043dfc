package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds one secp256k1 custody key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a new random custody key.
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(privateKey), nil
}

// FromPrivateKeyHex loads a key from 64 hex chars, with or without 0x.
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(privateKey), nil
}

func newSigner(k *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: k, address: crypto.PubkeyToAddress(k.PublicKey)}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the private key without 0x prefix.
// WARNING: never log this.
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// SignTx signs tx for chainID with the latest signer rules.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}
	return signed, nil
}

// Keyring maps custody addresses to their signers.
type Keyring struct {
	signers map[common.Address]*Signer
}

func NewKeyring(signers ...*Signer) *Keyring {
	k := &Keyring{signers: make(map[common.Address]*Signer, len(signers))}
	for _, s := range signers {
		k.signers[s.Address()] = s
	}
	return k
}

// LoadKeyring parses hex private keys.
func LoadKeyring(hexKeys []string) (*Keyring, error) {
	signers := make([]*Signer, 0, len(hexKeys))
	for i, h := range hexKeys {
		s, err := FromPrivateKeyHex(h)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		signers = append(signers, s)
	}
	return NewKeyring(signers...), nil
}

func (k *Keyring) Signer(addr common.Address) (*Signer, error) {
	s, ok := k.signers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, addr.Hex())
	}
	return s, nil
}

func (k *Keyring) Addresses() []common.Address {
	out := make([]common.Address, 0, len(k.signers))
	for a := range k.signers {
		out = append(out, a)
	}
	return out
}
