package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "DRAIN_PRIVATE_KEY"
	EnvPrivateKeyFile       = "DRAIN_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "DRAIN_KEYSTORE_PATH"
	EnvKeystorePassword     = "DRAIN_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "DRAIN_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultKeyRelativePath = "drain/key.hex"
	defaultKeyHint         = "~/.config/drain/key.hex"
)

type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	origin     Origin
	warnings   []string
}

func (s *LocalSigner) Address() common.Address { return s.address }

func (s *LocalSigner) Origin() Origin { return s.origin }

// Warnings reports weaknesses in how the key is stored, such as a key file
// other users can read.
func (s *LocalSigner) Warnings() []string { return append([]string(nil), s.warnings...) }

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

// Inputs selects a key. PrivateKey, when set, wins over every source.
type Inputs struct {
	Source     string
	PrivateKey string
	Getenv     func(string) string
}

// NewLocalSignerFromInputs loads a signer from source with an optional
// explicit hex key.
func NewLocalSignerFromInputs(source, privateKey string) (*LocalSigner, error) {
	return Load(Inputs{Source: source, PrivateKey: privateKey})
}

// Load resolves the key. With source auto the candidates are tried in the
// order env hex, key file, keystore, default key file; the first one that
// is configured is used and its errors are returned as is.
func Load(in Inputs) (*LocalSigner, error) {
	getenv := in.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(name string) string { return strings.TrimSpace(getenv(name)) }

	if key := strings.TrimSpace(in.PrivateKey); key != "" {
		return fromHex(key, OriginFlag, nil)
	}

	source := strings.ToLower(strings.TrimSpace(in.Source))
	if source == "" {
		source = KeySourceAuto
	}
	useEnv, useFile, useKeystore, useDefault := false, false, false, false
	switch source {
	case KeySourceAuto:
		useEnv, useFile, useKeystore, useDefault = true, true, true, true
	case KeySourceEnv:
		useEnv = true
	case KeySourceFile:
		useFile, useDefault = true, true
	case KeySourceKeystore:
		useKeystore = true
	default:
		return nil, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}

	if v := env(EnvPrivateKey); useEnv && v != "" {
		return fromHex(v, OriginEnv, nil)
	}
	if path := env(EnvPrivateKeyFile); useFile && path != "" {
		return fromKeyFile(path, OriginFile)
	}
	if path := env(EnvKeystorePath); useKeystore && path != "" {
		return fromKeystore(path, env(EnvKeystorePassword), env(EnvKeystorePasswordFile))
	}
	if useDefault {
		if path := defaultKeyPath(getenv); fileExists(path) {
			return fromKeyFile(path, OriginDefaultFile)
		}
	}
	return nil, missingKeyError(source)
}

func fromHex(raw string, origin Origin, warnings []string) (*LocalSigner, error) {
	pk, err := parseHexKey(raw)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(pk.PublicKey), origin: origin, warnings: warnings}, nil
}

func fromKeyFile(path string, origin Origin) (*LocalSigner, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key file: %w", err)
	}
	return fromHex(string(buf), origin, permissionWarnings(path))
}

func fromKeystore(path, password, passwordFile string) (*LocalSigner, error) {
	if password == "" && passwordFile != "" {
		buf, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if password == "" {
		return nil, fmt.Errorf("keystore password is required (set %s or %s)", EnvKeystorePassword, EnvKeystorePasswordFile)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PrivateKey.PublicKey)
	if key.Address != (common.Address{}) && key.Address != addr {
		return nil, fmt.Errorf("keystore address %s does not match its key", key.Address.Hex())
	}
	return &LocalSigner{privateKey: key.PrivateKey, address: addr, origin: OriginKeystore, warnings: permissionWarnings(path)}, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, errors.New("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

// permissionWarnings flags key material readable by group or others.
func permissionWarnings(path string) []string {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return []string{fmt.Sprintf("key file %s is accessible by other users (mode %#o); restrict it with chmod 600", path, mode)}
	}
	return nil
}

func defaultKeyPath(getenv func(string) string) string {
	base := strings.TrimSpace(getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultKeyRelativePath)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func missingKeyError(source string) error {
	switch source {
	case KeySourceEnv:
		return fmt.Errorf("missing signing key: set %s or pass --private-key", EnvPrivateKey)
	case KeySourceFile:
		return fmt.Errorf("missing signing key: set %s or save a hex key at %s", EnvPrivateKeyFile, defaultKeyHint)
	case KeySourceKeystore:
		return fmt.Errorf("missing signing key: set %s and %s", EnvKeystorePath, EnvKeystorePassword)
	default:
		return fmt.Errorf("missing signing key: pass --private-key, save a hex key at %s, or set %s, %s or %s", defaultKeyHint, EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath)
	}
}
