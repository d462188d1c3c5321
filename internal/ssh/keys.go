package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	xssh "golang.org/x/crypto/ssh"
)

// GenerateEd25519Keypair creates an ed25519 keypair, writes the private key
// in OpenSSH format and returns the public key in authorized_keys format.
func GenerateEd25519Keypair(privateKeyPath string) (publicAuthorized string, err error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, "fleetroll")
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		return "", fmt.Errorf("signer: %w", err)
	}
	return string(xssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// LoadPrivateKeySigner reads an unencrypted OpenSSH/PEM private key.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
