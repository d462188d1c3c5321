package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// WriteFile uploads data to remotePath, creating parent directories.
func WriteFile(ctx context.Context, client *xssh.Client, remotePath string, data []byte, mode os.FileMode) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := sf.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := dst.Write(data); err != nil {
		return fmt.Errorf("write remote: %w", err)
	}
	if err := dst.Chmod(mode); err != nil {
		return fmt.Errorf("chmod remote: %w", err)
	}
	return nil
}

// Files reads small remote files over one SFTP session. Missing files are
// reported as fs.ErrNotExist.
type Files struct {
	sf *sftp.Client
}

// OpenFiles starts an SFTP session on client.
func OpenFiles(client *xssh.Client) (*Files, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return &Files{sf: sf}, nil
}

func (f *Files) Close() error { return f.sf.Close() }

// Exists reports whether p exists.
func (f *Files) Exists(p string) (bool, error) {
	_, err := f.sf.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
}

// ReadTail returns at most the last limit bytes of p.
func (f *Files) ReadTail(p string, limit int64) ([]byte, error) {
	src, err := f.sf.Open(p)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	if limit > 0 {
		st, err := src.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if st.Size() > limit {
			if _, err := src.Seek(st.Size()-limit, io.SeekStart); err != nil {
				return nil, fmt.Errorf("seek %s: %w", p, err)
			}
		}
	}
	return io.ReadAll(src)
}

// RemoveAll deletes p recursively.
func (f *Files) RemoveAll(p string) error {
	return f.sf.RemoveAll(p)
}
