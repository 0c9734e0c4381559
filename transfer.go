package sdauploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// ProgressFunc is called after every chunk with the remote size so far and the
// local size.
type ProgressFunc func(done, total int64)

// Transferer streams files to a RemoteFS in fixed-size chunks.
type Transferer struct {
	chunkSize int
	progress  ProgressFunc
	log       *zap.Logger
}

// TransfererOption configures a Transferer.
type TransfererOption func(*Transferer)

// WithProgress sets a callback invoked after every chunk.
func WithProgress(fn ProgressFunc) TransfererOption {
	return func(t *Transferer) {
		t.progress = fn
	}
}

// NewTransferer creates a Transferer using cfg.ChunkSize.
func NewTransferer(cfg Config, opts ...TransfererOption) *Transferer {
	cfg = cfg.WithDefaults()
	t := &Transferer{
		chunkSize: cfg.ChunkSize,
		log:       cfg.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transfer uploads unit.LocalPath to unit.RemotePath. Only the remote path gets
// the .c4gh suffix; the local path is sent as named. A remote file that cannot
// be stat'ed is created fresh whatever the requested mode. Completion is judged by byte counts alone; content is not
// hashed. On success a Cleanup artifact is removed. Errors are *TransferError.
func (t *Transferer) Transfer(ctx context.Context, remote RemoteFS, unit UploadUnit, mode WriteMode) (*TransferResult, error) {
	remotePath := WithSuffix(ToRemote(unit.RemotePath))
	fail := func(err error) (*TransferResult, error) {
		return nil, &TransferError{LocalPath: unit.LocalPath, RemotePath: remotePath, Err: err}
	}

	local, err := os.Open(unit.LocalPath)
	if err != nil {
		return fail(fmt.Errorf("failed to open local file: %w", err))
	}
	localOpen := true
	defer func() {
		if localOpen {
			local.Close()
		}
	}()

	info, err := local.Stat()
	if err != nil {
		return fail(fmt.Errorf("failed to stat local file: %w", err))
	}
	localSize := info.Size()

	var offset int64
	if remoteInfo, err := remote.Stat(remotePath); err != nil {
		t.log.Debug("remote file not found, creating", zap.String("remote", remotePath), zap.Error(err))
		mode = Overwrite
	} else if mode == Resume {
		offset = remoteInfo.Size()
		if offset > localSize {
			return fail(fmt.Errorf("%w: remote %d bytes, local %d bytes", ErrRemoteLarger, offset, localSize))
		}
	}

	log := t.log.With(
		zap.String("local", unit.LocalPath),
		zap.String("remote", remotePath),
		zap.Stringer("mode", mode),
		zap.Int64("size", localSize),
		zap.Int64("offset", offset))
	log.Info("uploading file")

	dst, err := remote.OpenForWrite(remotePath, mode)
	if err != nil {
		return fail(fmt.Errorf("failed to open remote file: %w", err))
	}
	dstOpen := true
	defer func() {
		if dstOpen {
			dst.Close()
		}
	}()

	if offset > 0 {
		if _, err := dst.Seek(offset, io.SeekStart); err != nil {
			return fail(fmt.Errorf("failed to seek remote file: %w", err))
		}
		if _, err := local.Seek(offset, io.SeekStart); err != nil {
			return fail(fmt.Errorf("failed to seek local file: %w", err))
		}
	}

	written := offset
	var sent int64
	buf := make([]byte, t.chunkSize)
	for written < localSize {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("upload cancelled: %w", err))
		}

		n, readErr := local.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			sent += int64(w)
			if err != nil {
				return fail(fmt.Errorf("failed to write chunk at offset %d: %w", written-int64(w), err))
			}
			if err := dst.Flush(); err != nil {
				return fail(fmt.Errorf("failed to flush remote file: %w", err))
			}
			if t.progress != nil {
				t.progress(written, localSize)
			}
		}
		if errors.Is(readErr, io.EOF) || (n == 0 && readErr == nil) {
			break
		}
		if readErr != nil {
			return fail(fmt.Errorf("failed to read local file: %w", readErr))
		}
	}

	dstOpen = false
	if err := dst.Close(); err != nil {
		return fail(fmt.Errorf("failed to close remote file: %w", err))
	}
	localOpen = false
	local.Close()
	if written != localSize {
		return fail(fmt.Errorf("%w: wrote %d of %d bytes", ErrSizeMismatch, written, localSize))
	}
	final, err := remote.Stat(remotePath)
	if err != nil {
		return fail(fmt.Errorf("failed to stat uploaded file: %w", err))
	}
	if final.Size() != localSize {
		return fail(fmt.Errorf("%w: remote has %d of %d bytes", ErrSizeMismatch, final.Size(), localSize))
	}

	log.Info("file uploaded", zap.Int64("sent", sent))

	if unit.Cleanup {
		if err := os.Remove(unit.LocalPath); err != nil {
			log.Warn("failed to remove encrypted artifact", zap.Error(err))
		} else {
			log.Info("removed auto-encrypted file")
		}
	}

	return &TransferResult{
		LocalPath:  unit.LocalPath,
		RemotePath: remotePath,
		Mode:       mode,
		Offset:     offset,
		Sent:       sent,
		Size:       final.Size(),
	}, nil
}
