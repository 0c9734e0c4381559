package sdauploader

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

var (
	// ErrAuthExhausted is matched by errors returned when no authentication method succeeded.
	ErrAuthExhausted = errors.New("no SFTP authentication method succeeded")

	// ErrTransport is matched by errors returned when opening the SFTP session failed.
	ErrTransport = errors.New("SFTP transport error")

	// ErrEncryption is matched by errors returned when a file could not be encrypted.
	ErrEncryption = errors.New("encryption failed")

	// ErrTransfer is matched by errors returned when a file could not be uploaded.
	ErrTransfer = errors.New("transfer failed")

	// ErrRemoteLarger means a resume was requested but the remote file is bigger than the local one.
	ErrRemoteLarger = errors.New("remote file is larger than local file")

	// ErrSizeMismatch means the byte counts did not reconcile after the upload loop ended.
	ErrSizeMismatch = errors.New("uploaded size does not match local size")

	// ErrArtifactCollision means the encrypted artifact path is the source file itself.
	ErrArtifactCollision = errors.New("encrypted artifact would overwrite its source")
)

// AuthExhaustedError reports every failed authentication attempt against a host.
type AuthExhaustedError struct {
	Host     string
	Attempts error
}

func (e *AuthExhaustedError) Error() string {
	n := len(multierr.Errors(e.Attempts))
	return fmt.Sprintf("authentication against %s failed after %d attempts: %v", e.Host, n, e.Attempts)
}

func (e *AuthExhaustedError) Unwrap() error { return e.Attempts }

func (e *AuthExhaustedError) Is(target error) bool { return target == ErrAuthExhausted }

// TransportError is returned when the SSH/SFTP session cannot be opened.
type TransportError struct {
	Host string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// EncryptionError is returned when the encryption collaborator fails for a file.
type EncryptionError struct {
	Path string
	Err  error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("failed to encrypt %s: %v", e.Path, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

func (e *EncryptionError) Is(target error) bool { return target == ErrEncryption }

// TransferError is returned when streaming a file to the remote host fails.
type TransferError struct {
	LocalPath  string
	RemotePath string
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to upload %s to %s: %v", e.LocalPath, e.RemotePath, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }
