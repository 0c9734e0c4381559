package sdauploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Request describes one upload run.
type Request struct {
	// Target is a local file or directory.
	Target string

	// Destination is the remote path of a single-file upload. It defaults to
	// the target's base name and is ignored for directories, which are
	// mirrored under Config.RemoteRoot.
	Destination string

	// Mode is Resume unless overwriting was explicitly asked for.
	Mode WriteMode

	// Key is the SSH private key candidate, possibly empty.
	Key []byte

	// Password is the account password or key passphrase candidate.
	Password string
}

// Summary is the outcome of a run.
type Summary struct {
	RunID string

	// Credential is the method that authenticated.
	Credential string

	// File is set for single-file uploads.
	File *FileResult

	// Directory is set for directory uploads.
	Directory *MirrorResult
}

// Err returns the per-file failures of the run, or nil.
func (s *Summary) Err() error {
	switch {
	case s.File != nil:
		return s.File.Error
	case s.Directory != nil:
		return s.Directory.Err()
	}
	return nil
}

// Uploader wires resolver, session, gate, transfer and mirror together.
type Uploader struct {
	cfg         Config
	gate        *EncryptionGate
	transferer  *Transferer
	resolver    *CredentialResolver
	openSession func(ctx context.Context, cfg Config, cred Credential) (RemoteSession, error)
}

// RemoteSession is a RemoteFS owned by one run.
type RemoteSession interface {
	RemoteFS
	Close() error
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithResolverOptions passes options to the credential resolver.
func WithResolverOptions(opts ...ResolverOption) UploaderOption {
	return func(u *Uploader) {
		u.resolver = NewCredentialResolver(u.cfg, opts...)
	}
}

// WithSessionOpener replaces how the session is opened after resolution.
func WithSessionOpener(open func(ctx context.Context, cfg Config, cred Credential) (RemoteSession, error)) UploaderOption {
	return func(u *Uploader) {
		u.openSession = open
	}
}

// WithTransferOptions passes options to the transferer.
func WithTransferOptions(opts ...TransfererOption) UploaderOption {
	return func(u *Uploader) {
		u.transferer = NewTransferer(u.cfg, opts...)
	}
}

// NewUploader creates an Uploader. enc is the encryption collaborator used for
// plaintext files.
func NewUploader(cfg Config, enc Encrypter, opts ...UploaderOption) (*Uploader, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	u := &Uploader{
		cfg:        cfg,
		gate:       NewEncryptionGate(enc, cfg.Logger),
		transferer: NewTransferer(cfg),
		resolver:   NewCredentialResolver(cfg),
		openSession: func(ctx context.Context, cfg Config, cred Credential) (RemoteSession, error) {
			return OpenSession(ctx, cfg, cred)
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Upload authenticates, opens one session and uploads req.Target through it.
// The session is closed before Upload returns. The error is set for fatal
// conditions (*AuthExhaustedError, *TransportError, unreadable target); per-file
// failures are reported through Summary.Err.
func (u *Uploader) Upload(ctx context.Context, req Request) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString()}
	log := u.cfg.Logger.With(zap.String("run_id", summary.RunID))

	info, err := os.Stat(req.Target)
	if err != nil {
		return nil, fmt.Errorf("could not find upload target %s: %w", req.Target, err)
	}

	cred, err := u.resolver.Resolve(ctx, req.Key, req.Password)
	if err != nil {
		return nil, err
	}
	summary.Credential = cred.Method()

	session, err := u.openSession(ctx, u.cfg, cred)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Warn("failed to close SFTP session", zap.Error(cerr))
		}
	}()

	if info.IsDir() {
		mirror := NewDirectoryMirror(u.cfg, u.gate, u.transferer)
		result, err := mirror.Mirror(ctx, session, req.Target, req.Mode)
		summary.Directory = result
		if err != nil {
			return summary, err
		}
		log.Info("directory upload finished",
			zap.Int("uploaded", result.Uploaded),
			zap.Int("failed", result.Failed),
			zap.Int64("bytes", result.BytesSent))
		return summary, nil
	}

	dest := req.Destination
	if dest == "" {
		dest = filepath.Base(req.Target)
	}
	fr := uploadOne(ctx, session, u.gate, u.transferer, req.Target, dest, req.Mode)
	summary.File = &fr
	if fr.Error != nil {
		log.Error("file upload failed", zap.String("file", req.Target), zap.Error(fr.Error))
	}
	return summary, nil
}

// uploadOne takes a single file through Pending → (Encrypting) → Transferring
// → Done or Failed.
func uploadOne(ctx context.Context, remote RemoteFS, gate *EncryptionGate, tr *Transferer, source, dest string, mode WriteMode) FileResult {
	fr := FileResult{SourcePath: source}

	artifact, err := gate.Prepare(ctx, source, mode)
	if err != nil {
		fr.Error = err
		return fr
	}
	fr.Encrypted = artifact.Cleanup

	result, err := tr.Transfer(ctx, remote, UploadUnit{
		LocalPath:  artifact.Path,
		RemotePath: dest,
		Cleanup:    artifact.Cleanup,
	}, mode)
	if err != nil {
		fr.Error = err
		return fr
	}
	fr.Transfer = result
	return fr
}
