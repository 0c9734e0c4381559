package sdauploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const fsyncExtension = "fsync@openssh.com"

// RemoteFS is the set of remote operations the transfer and mirror need.
type RemoteFS interface {
	// Stat returns information about a remote path.
	Stat(p string) (os.FileInfo, error)
	// Mkdir creates a single remote directory.
	Mkdir(p string) error
	// OpenForWrite opens a remote file: truncating for Overwrite, appending for Resume.
	OpenForWrite(p string, mode WriteMode) (RemoteFile, error)
}

// RemoteFile is a byte sink on the remote host.
type RemoteFile interface {
	io.Writer
	io.Seeker
	// Flush pushes written data to stable storage where the server supports it.
	Flush() error
	Close() error
}

// SFTPClientInterface abstracts SFTP operations for testing.
type SFTPClientInterface interface {
	Stat(p string) (os.FileInfo, error)
	Mkdir(p string) error
	OpenFile(p string, flags int) (SFTPFile, error)
	HasExtension(name string) (string, bool)
	Close() error
}

// SFTPFile abstracts file operations for testing.
type SFTPFile interface {
	io.Writer
	io.Seeker
	io.Closer
	Sync() error
}

// SFTPClientWrapper wraps the real sftp.Client to implement SFTPClientInterface.
type SFTPClientWrapper struct {
	client *sftp.Client
}

var _ SFTPClientInterface = (*SFTPClientWrapper)(nil)

func (w *SFTPClientWrapper) Stat(p string) (os.FileInfo, error) { return w.client.Stat(p) }
func (w *SFTPClientWrapper) Mkdir(p string) error               { return w.client.Mkdir(p) }
func (w *SFTPClientWrapper) OpenFile(p string, flags int) (SFTPFile, error) {
	return w.client.OpenFile(p, flags)
}
func (w *SFTPClientWrapper) HasExtension(name string) (string, bool) {
	return w.client.HasExtension(name)
}
func (w *SFTPClientWrapper) Close() error { return w.client.Close() }

// Session is the single authenticated SFTP connection used for a whole upload.
type Session struct {
	endpoint  Endpoint
	sshClient *ssh.Client
	sftp      SFTPClientInterface
	ioTimeout time.Duration
	fsync     bool
	log       *zap.Logger

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

var _ RemoteFS = (*Session)(nil)

// OpenSession opens the SSH transport, authenticates with cred and starts the
// SFTP subsystem. Errors are *TransportError.
func OpenSession(ctx context.Context, cfg Config, cred Credential) (*Session, error) {
	cfg = cfg.WithDefaults()
	log := cfg.Logger.With(zap.String("host", cfg.Endpoint.Address()), zap.String("user", cfg.Endpoint.User))

	if cred == nil {
		return nil, &TransportError{Host: cfg.Endpoint.Host, Op: "open session", Err: errors.New("no credential")}
	}

	log.Info("connecting to SFTP server", zap.String("method", cred.Method()))

	var sshClient *ssh.Client
	err := Retry(ctx, cfg.ConnectRetry, cfg.Logger, "connect to SFTP server", func() error {
		var dialErr error
		sshClient, dialErr = dialSSH(ctx, cfg, cred.authMethod())
		return dialErr
	})
	if err != nil {
		return nil, &TransportError{Host: cfg.Endpoint.Host, Op: "ssh handshake", Err: err}
	}

	rawSftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, &TransportError{Host: cfg.Endpoint.Host, Op: "start SFTP subsystem", Err: err}
	}

	s := newSession(cfg, &SFTPClientWrapper{client: rawSftpClient}, sshClient)
	log.Info("SFTP connected, ready to upload files", zap.Bool("fsync", s.fsync))
	return s, nil
}

// NewSessionWithSFTP creates a Session with a custom SFTP client implementation.
// This is primarily used for testing with mock SFTP clients.
func NewSessionWithSFTP(cfg Config, sftpClient SFTPClientInterface) *Session {
	return newSession(cfg.WithDefaults(), sftpClient, nil)
}

func newSession(cfg Config, sftpClient SFTPClientInterface, sshClient *ssh.Client) *Session {
	_, fsync := sftpClient.HasExtension(fsyncExtension)
	return &Session{
		endpoint:  cfg.Endpoint,
		sshClient: sshClient,
		sftp:      sftpClient,
		ioTimeout: cfg.IOTimeout,
		fsync:     fsync,
		log:       cfg.Logger,
	}
}

// Endpoint returns the endpoint the session is bound to.
func (s *Session) Endpoint() Endpoint { return s.endpoint }

// Close closes the SFTP subsystem and the SSH connection. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.sftp != nil {
			s.closeErr = s.sftp.Close()
		}
		if s.sshClient != nil {
			if err := s.sshClient.Close(); err != nil && s.closeErr == nil && !errors.Is(err, net.ErrClosed) {
				s.closeErr = err
			}
		}
		s.log.Debug("SFTP session closed", zap.String("host", s.endpoint.Host))
	})
	return s.closeErr
}

// IsHealthy reports whether the session is open and the server still answers
// a stat of the working directory.
func (s *Session) IsHealthy() bool {
	if s.closed.Load() {
		return false
	}
	_, err := s.Stat(".")
	return err == nil
}

// Stat returns information about a remote path.
func (s *Session) Stat(p string) (os.FileInfo, error) {
	var info os.FileInfo
	err := s.guard("stat "+p, func() error {
		var err error
		info, err = s.sftp.Stat(p)
		return err
	})
	return info, err
}

// Mkdir creates a single remote directory.
func (s *Session) Mkdir(p string) error {
	return s.guard("mkdir "+p, func() error { return s.sftp.Mkdir(p) })
}

// OpenForWrite opens p for writing. Overwrite creates or truncates; Resume opens
// an existing file for append and leaves positioning to the caller.
func (s *Session) OpenForWrite(p string, mode WriteMode) (RemoteFile, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if mode == Resume {
		flags = os.O_WRONLY | os.O_APPEND
	}

	var f SFTPFile
	err := s.guard("open "+p, func() error {
		var err error
		f, err = s.sftp.OpenFile(p, flags)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &remoteFile{session: s, path: p, file: f}, nil
}

// guard runs op and tears the connection down if it does not finish within the
// configured I/O timeout, which unblocks the pending SFTP request.
func (s *Session) guard(name string, op func() error) error {
	if s.ioTimeout <= 0 {
		return op()
	}

	timer := time.AfterFunc(s.ioTimeout, func() {
		s.log.Warn("SFTP operation stalled, closing connection",
			zap.String("op", name), zap.Duration("timeout", s.ioTimeout))
		s.Close()
	})
	err := op()
	if !timer.Stop() {
		return fmt.Errorf("%s did not complete within %s: %w", name, s.ioTimeout, os.ErrDeadlineExceeded)
	}
	return err
}

type remoteFile struct {
	session *Session
	path    string
	file    SFTPFile
}

func (f *remoteFile) Write(p []byte) (int, error) {
	var n int
	err := f.session.guard("write "+f.path, func() error {
		var err error
		n, err = f.file.Write(p)
		return err
	})
	return n, err
}

func (f *remoteFile) Seek(offset int64, whence int) (int64, error) {
	return f.file.Seek(offset, whence)
}

func (f *remoteFile) Flush() error {
	// Writes are acknowledged by the server one by one; fsync is an extra
	// durability step only some servers offer.
	if !f.session.fsync {
		return nil
	}
	err := f.session.guard("fsync "+f.path, f.file.Sync)
	var status *sftp.StatusError
	if errors.As(err, &status) && status.Code == uint32(sftp.ErrSSHFxOpUnsupported) {
		f.session.log.Debug("server advertised fsync but rejected it, disabling", zap.String("host", f.session.endpoint.Host))
		f.session.fsync = false
		return nil
	}
	return err
}

func (f *remoteFile) Close() error {
	return f.file.Close()
}

// dialSSH opens one SSH connection. The TCP connect and the handshake are both
// bounded by cfg.ProbeTimeout.
func dialSSH(ctx context.Context, cfg Config, auth ssh.AuthMethod) (*ssh.Client, error) {
	hostKeyCallback, err := buildHostKeyCallback(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Endpoint.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ProbeTimeout,
	}

	targetAddr := cfg.Endpoint.Address()
	dialer := net.Dialer{Timeout: cfg.ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", targetAddr, err)
	}

	if cfg.ProbeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.ProbeTimeout))
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, targetAddr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(ncc, chans, reqs), nil
}

func buildHostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	addr := cfg.Endpoint.Address()

	if cfg.InsecureIgnoreHostKey {
		log.Warn("SSH host key verification disabled - this is insecure!", zap.String("host", addr))
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if cfg.KnownHostsFile != "" {
		expandedPath := ExpandPath(cfg.KnownHostsFile)
		callback, err := knownhosts.New(expandedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", expandedPath, err)
		}
		return callback, nil
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		defaultKnownHosts := filepath.Join(homeDir, ".ssh", "known_hosts")
		if _, err := os.Stat(defaultKnownHosts); err == nil {
			callback, err := knownhosts.New(defaultKnownHosts)
			if err == nil {
				return callback, nil
			}
			log.Warn("could not parse known_hosts file", zap.String("path", defaultKnownHosts), zap.Error(err))
		}
	}

	log.Warn("no known_hosts file found - host key verification disabled", zap.String("host", addr))
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return nil
	}, nil
}

// isHostKeyError reports whether err is a known_hosts mismatch or unknown key.
func isHostKeyError(err error) bool {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	return errors.As(err, &keyErr) || errors.As(err, &revoked)
}
