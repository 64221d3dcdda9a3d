// Package hdwallet derives per-account deposit addresses and their signing keys from a
// single BIP-39 master secret along a BIP-44 path.
package hdwallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cosmos/go-bip39"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MasterIndex is reserved for the hot wallet that funds withdrawals and receives sweeps.
// Account allocation starts at FirstAccountIndex.
const (
	MasterIndex       uint32 = 0
	FirstAccountIndex uint32 = 1
)

var (
	ErrInvalidMasterSecret = errors.New("master secret is missing or invalid")
	ErrIndexOutOfRange     = errors.New("derivation index out of range")
)

// Wallet is safe for concurrent use; it never stores derived private keys.
type Wallet struct {
	base *hdkeychain.ExtendedKey
	path accounts.DerivationPath
}

// New validates the mnemonic checksum and prepares the base key for path. An absent or
// invalid mnemonic yields ErrInvalidMasterSecret.
func New(mnemonic, passphrase, path string) (*Wallet, error) {
	if mnemonic == "" || !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMasterSecret
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterSecret, err)
	}

	basePath, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation path %q: %w", path, err)
	}

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	for _, n := range basePath {
		key, err = key.Derive(n)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", basePath, err)
		}
	}

	return &Wallet{base: key, path: basePath}, nil
}

func (w *Wallet) child(index uint32) (*hdkeychain.ExtendedKey, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	key, err := w.base.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d: %w", index, err)
	}
	return key, nil
}

// Address returns the deposit address for index. It only touches public key material.
func (w *Wallet) Address(index uint32) (common.Address, error) {
	key, err := w.child(index)
	if err != nil {
		return common.Address{}, err
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to get public key for index %d: %w", index, err)
	}

	return crypto.PubkeyToAddress(*pub.ToECDSA()), nil
}

// PrivateKey returns the signing key for index. Callers must use it for a single
// transfer and drop it.
func (w *Wallet) PrivateKey(index uint32) (*ecdsa.PrivateKey, error) {
	key, err := w.child(index)
	if err != nil {
		return nil, err
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key for index %d: %w", index, err)
	}

	return priv.ToECDSA(), nil
}

// Path returns the full derivation path for index, e.g. m/44'/60'/0'/0/7.
func (w *Wallet) Path(index uint32) string {
	full := make(accounts.DerivationPath, 0, len(w.path)+1)
	full = append(full, w.path...)
	full = append(full, index)
	return full.String()
}
