package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// AppendKnownHost appends a known_hosts entry for host using the given authorized key text.
func AppendKnownHost(path, host, authorizedKey string) error {
	pubKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(authorizedKey)))
	if err != nil {
		return fmt.Errorf("parse authorized key: %w", err)
	}
	return appendKey(path, host, pubKey)
}

func appendKey(path, host string, key xssh.PublicKey) error {
	if err := EnsureKnownHostsFile(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(knownhosts.Line([]string{host}, key) + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// HostKeyCallback verifies host keys against path. With acceptNew, hosts that
// have no entry yet are recorded on first contact; a changed key is always
// rejected.
func HostKeyCallback(path string, acceptNew bool) (xssh.HostKeyCallback, error) {
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	if !acceptNew {
		return knownhosts.New(path)
	}
	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key xssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()
		check, err := knownhosts.New(path)
		if err != nil {
			return err
		}
		err = check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return appendKey(path, hostname, key)
		}
		return err
	}, nil
}
