package sdauploader

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultPort is the standard SSH port.
	DefaultPort = 22

	// DefaultChunkSize is the number of bytes written per SFTP write call.
	DefaultChunkSize = 1 << 20

	// DefaultProbeTimeout bounds each authentication probe connection.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultRemoteRoot is the remote directory mirrored trees are placed under.
	DefaultRemoteRoot = "/"
)

// Symlink policies for directory uploads.
const (
	SymlinkFollow = "follow"
	SymlinkSkip   = "skip"
)

// WriteMode selects how an existing remote file is treated.
type WriteMode int

const (
	// Resume appends the missing trailing bytes to a partially uploaded remote file.
	Resume WriteMode = iota
	// Overwrite truncates the remote file and writes it again from offset 0.
	Overwrite
)

func (m WriteMode) String() string {
	switch m {
	case Resume:
		return "resume"
	case Overwrite:
		return "overwrite"
	default:
		return "WriteMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Endpoint identifies the SFTP server and account.
type Endpoint struct {
	// Host is the SFTP server hostname or IP address.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the SSH username.
	User string
}

// Address returns host:port for dialing.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Config holds everything the upload pipeline needs apart from secrets.
type Config struct {
	Endpoint Endpoint

	// ProbeTimeout is the connect timeout of each authentication probe and of
	// the session handshake (default 5s).
	ProbeTimeout time.Duration

	// IOTimeout bounds every read and write on the established connection.
	// Zero means reads and writes may block indefinitely.
	IOTimeout time.Duration

	// ChunkSize is the number of bytes sent per write (default 1 MiB).
	ChunkSize int

	// KnownHostsFile is the path to a known_hosts file for host key verification.
	// If not set, defaults to ~/.ssh/known_hosts if it exists.
	KnownHostsFile string

	// InsecureIgnoreHostKey skips host key verification.
	// WARNING: This is insecure and should only be used for testing.
	InsecureIgnoreHostKey bool

	// RemoteRoot is the remote directory that directory uploads are mirrored under (default "/").
	RemoteRoot string

	// ExcludePatterns is a list of glob patterns skipped during directory uploads.
	// Example: []string{"*.tmp", ".git"}
	ExcludePatterns []string

	// SymlinkPolicy is "follow" (default) or "skip".
	SymlinkPolicy string

	// ConnectRetry retries transient dial failures when opening the session.
	// The zero value disables retries.
	ConnectRetry RetryConfig

	// Logger receives pipeline logs. Defaults to a no-op logger.
	Logger *zap.Logger
}

// WithDefaults returns a copy of the config with default values applied.
func (c Config) WithDefaults() Config {
	if c.Endpoint.Port == 0 {
		c.Endpoint.Port = DefaultPort
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.RemoteRoot == "" {
		c.RemoteRoot = DefaultRemoteRoot
	}
	if c.SymlinkPolicy == "" {
		c.SymlinkPolicy = SymlinkFollow
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Validate reports configuration errors that would otherwise surface mid-upload.
func (c Config) Validate() error {
	if c.Endpoint.Host == "" {
		return fmt.Errorf("SFTP server hostname must not be empty")
	}
	if c.Endpoint.User == "" {
		return fmt.Errorf("SFTP server username must not be empty")
	}
	if c.Endpoint.Port < 0 || c.Endpoint.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Endpoint.Port)
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ProbeTimeout < 0 || c.IOTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	switch c.SymlinkPolicy {
	case "", SymlinkFollow, SymlinkSkip:
	default:
		return fmt.Errorf("invalid symlink policy %q: must be %q or %q", c.SymlinkPolicy, SymlinkFollow, SymlinkSkip)
	}
	return nil
}

// UploadUnit is one local artifact bound for one remote path.
type UploadUnit struct {
	LocalPath  string
	RemotePath string

	// Cleanup marks LocalPath as generated by the encryption gate; it is
	// removed after a successful transfer.
	Cleanup bool
}

// TransferResult describes a completed single-file transfer.
type TransferResult struct {
	LocalPath  string
	RemotePath string

	// Mode is the effective mode; a missing remote file always forces Overwrite.
	Mode WriteMode

	// Offset is where streaming started (the observed remote size on resume).
	Offset int64

	// Sent is the number of bytes written during this call.
	Sent int64

	// Size is the final reconciled size of the remote file.
	Size int64
}

// FileResult is the outcome of uploading one file found during a directory upload.
type FileResult struct {
	// SourcePath is the file found in the local tree.
	SourcePath string

	// Transfer is nil when the file failed.
	Transfer *TransferResult

	// Encrypted is true when the gate produced the uploaded artifact.
	Encrypted bool

	Error error
}

// MirrorResult summarises a directory upload.
type MirrorResult struct {
	// Directories are the remote directories confirmed, in creation order.
	Directories []string

	// Files holds one entry per file, in traversal order.
	Files []FileResult

	// Uploaded is the number of files uploaded.
	Uploaded int

	// Failed is the number of files that failed.
	Failed int

	// BytesSent is the number of bytes written across all files.
	BytesSent int64

	// DirErrors holds directory creation failures.
	DirErrors []error
}

// Err combines directory and per-file failures, or returns nil.
func (r *MirrorResult) Err() error {
	var err error
	for _, e := range r.DirErrors {
		err = multierr.Append(err, e)
	}
	for _, f := range r.Files {
		if f.Error != nil {
			err = multierr.Append(err, f.Error)
		}
	}
	return err
}
