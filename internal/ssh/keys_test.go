package ssh

import (
	"path/filepath"
	"strings"
	"testing"

	xssh "golang.org/x/crypto/ssh"
)

func TestGenerateAndLoadKeypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") {
		t.Fatalf("unexpected public key %q", pub)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := strings.TrimSpace(string(xssh.MarshalAuthorizedKey(signer.PublicKey()))); got != strings.TrimSpace(pub) {
		t.Fatalf("public key mismatch: %s vs %s", got, pub)
	}
}

func TestLoadPrivateKeyMissing(t *testing.T) {
	if _, err := LoadPrivateKeySigner(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
