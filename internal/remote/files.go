package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

func (c *Client) sftp() (*sftp.Client, error) {
	c.sftpOnce.Do(func() {
		c.sftpCli, c.sftpErr = sftp.NewClient(c.conn)
		if c.sftpErr != nil {
			c.sftpErr = fmt.Errorf("opening sftp subsystem: %w", c.sftpErr)
		}
	})
	return c.sftpCli, c.sftpErr
}

// ReadFile fetches a file from the target over SFTP.
func (c *Client) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cli, err := c.sftp()
	if err != nil {
		return nil, err
	}
	f, err := cli.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteFile writes a file on the target over SFTP, creating parent
// directories as needed.
func (c *Client) WriteFile(ctx context.Context, filePath string, data []byte, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cli, err := c.sftp()
	if err != nil {
		return err
	}
	if dir := path.Dir(filePath); dir != "." && dir != "/" {
		if err := cli.MkdirAll(dir); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	f, err := cli.Create(filePath)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return cli.Chmod(filePath, perm)
}
