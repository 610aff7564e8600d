package chat

import (
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

const identityFileName = "identity.key"

// getDataDir returns the application's data directory. An explicit
// baseDir wins over the default under the user's home.
func getDataDir(baseDir string) (string, error) {
	if baseDir != "" {
		return baseDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".stangersintown"), nil
}

// SaveIdentity writes the private key to the data directory.
func SaveIdentity(key crypto.PrivKey, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return err
	}

	keyBytes, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dataDir, identityFileName), keyBytes, 0600)
}

// LoadIdentity loads the persistent private key, generating and saving
// a fresh one on first run. The key determines the peer ID, so reusing
// the directory keeps the same identity across restarts.
func LoadIdentity(dataDir string) (crypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, identityFileName)

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			privKey, _, err := crypto.GenerateEd25519Key(nil)
			if err != nil {
				return nil, err
			}
			if err := SaveIdentity(privKey, dataDir); err != nil {
				return nil, err
			}
			return privKey, nil
		}
		return nil, err
	}

	return crypto.UnmarshalPrivateKey(keyBytes)
}
