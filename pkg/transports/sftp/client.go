package sftp

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// FileSystem is the part of an SFTP session the provisioner uses.
type FileSystem interface {
	MkdirAll(path string) error
	Chmod(path string, mode os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	RemoveAll(path string) error
	Close() error
}

// DialFunc opens a session to the configured server.
type DialFunc func(ctx context.Context, cfg *Config) (FileSystem, error)

// session is an SFTP client together with the SSH connection it runs on.
type session struct {
	*sftp.Client
	conn *ssh.Client
}

func (s *session) Close() error {
	err := s.Client.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Dial connects to cfg's server and starts an SFTP subsystem. The context
// bounds the TCP dial and the SSH handshake.
func Dial(ctx context.Context, cfg *Config) (FileSystem, error) {
	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}

	address := cfg.Address()
	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", address, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", address, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	conn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	return &session{Client: client, conn: conn}, nil
}
