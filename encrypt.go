package sdauploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/neicnordic/crypt4gh/keys"
	"github.com/neicnordic/crypt4gh/streaming"
	"go.uber.org/zap"
)

// MagicHeader opens every Crypt4GH container.
const MagicHeader = "crypt4gh"

// IsEncrypted reports whether the file at p starts with the Crypt4GH magic.
// Files shorter than the magic are plaintext.
func IsEncrypted(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()

	return hasMagic(f)
}

func hasMagic(r io.Reader) (bool, error) {
	buf := make([]byte, len(MagicHeader))
	_, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return string(buf) == MagicHeader, nil
}

// Encrypter writes an encrypted copy of src to dst.
type Encrypter interface {
	Encrypt(ctx context.Context, src, dst string) error
}

// Crypt4GHEncrypter encrypts files into Crypt4GH containers.
type Crypt4GHEncrypter struct {
	// SenderKey is the sender's X25519 private key, persistent or one-time.
	SenderKey [32]byte

	// RecipientKeys are the X25519 public keys that can decrypt the output.
	RecipientKeys [][32]byte
}

var _ Encrypter = (*Crypt4GHEncrypter)(nil)

// NewCrypt4GHEncrypter returns an encrypter for one or more recipients.
func NewCrypt4GHEncrypter(senderKey [32]byte, recipients ...[32]byte) (*Crypt4GHEncrypter, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("encryption requires at least one recipient public key")
	}
	return &Crypt4GHEncrypter{SenderKey: senderKey, RecipientKeys: recipients}, nil
}

// Encrypt streams src through a Crypt4GH writer into a new file at dst.
func (e *Crypt4GHEncrypter) Encrypt(ctx context.Context, src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create encrypted file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil && !errors.Is(cerr, os.ErrClosed) {
			err = fmt.Errorf("failed to close encrypted file: %w", cerr)
		}
	}()

	w, err := streaming.NewCrypt4GHWriter(out, e.SenderKey, e.RecipientKeys, nil)
	if err != nil {
		return fmt.Errorf("failed to create crypt4gh writer: %w", err)
	}

	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: in}); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to encrypt file content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalise crypt4gh stream: %w", err)
	}
	return nil
}

// ReadRecipientKey loads a Crypt4GH or OpenSSH X25519 public key.
func ReadRecipientKey(p string) ([32]byte, error) {
	f, err := os.Open(ExpandPath(p))
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to open public key: %w", err)
	}
	defer f.Close()

	key, err := keys.ReadPublicKey(f)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to read public key %s: %w", p, err)
	}
	return key, nil
}

// ReadSenderKey loads and decrypts a Crypt4GH private key.
func ReadSenderKey(p string, passphrase []byte) ([32]byte, error) {
	f, err := os.Open(ExpandPath(p))
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to open private key: %w", err)
	}
	defer f.Close()

	key, err := keys.ReadPrivateKey(f, passphrase)
	if err != nil {
		return [32]byte{}, fmt.Errorf("incorrect password for %s: %w", p, err)
	}
	return key, nil
}

// Artifact is the file actually uploaded for a source file.
type Artifact struct {
	Path string

	// Cleanup is true when the gate generated Path.
	Cleanup bool
}

// EncryptionGate makes sure only Crypt4GH containers leave the machine.
type EncryptionGate struct {
	enc Encrypter
	log *zap.Logger
}

// NewEncryptionGate creates a gate that runs enc on plaintext files.
// enc may be nil when every input is known to be encrypted already.
func NewEncryptionGate(enc Encrypter, log *zap.Logger) *EncryptionGate {
	if log == nil {
		log = zap.NewNop()
	}
	return &EncryptionGate{enc: enc, log: log}
}

// Prepare returns source unchanged when it is already a Crypt4GH file, and
// otherwise encrypts it to a sibling with the .c4gh suffix. In Resume mode an
// existing sibling that already carries the magic is reused, since a fresh
// encryption would not match the bytes already on the server. Errors are
// *EncryptionError.
func (g *EncryptionGate) Prepare(ctx context.Context, source string, mode WriteMode) (Artifact, error) {
	log := g.log.With(zap.String("file", source))

	encrypted, err := IsEncrypted(source)
	if err != nil {
		return Artifact{}, &EncryptionError{Path: source, Err: fmt.Errorf("failed to read header: %w", err)}
	}
	if encrypted {
		log.Info("file recognised as Crypt4GH, uploading unchanged")
		return Artifact{Path: source}, nil
	}

	artifact := WithSuffix(source)
	if artifact == source {
		return Artifact{}, &EncryptionError{Path: source, Err: ErrArtifactCollision}
	}

	if mode == Resume {
		if ok, _ := IsEncrypted(artifact); ok {
			log.Info("reusing existing encrypted artifact for resume", zap.String("artifact", artifact))
			return Artifact{Path: artifact, Cleanup: true}, nil
		}
	}

	if g.enc == nil {
		return Artifact{}, &EncryptionError{Path: source, Err: errors.New("no encryption keys configured")}
	}

	log.Info("file not recognised as Crypt4GH, encrypting before upload", zap.String("artifact", artifact))
	tmp := filepath.Join(filepath.Dir(artifact), "."+filepath.Base(artifact)+"."+uuid.NewString()+tempSuffix)
	if err := g.enc.Encrypt(ctx, source, tmp); err != nil {
		_ = os.Remove(tmp)
		return Artifact{}, &EncryptionError{Path: source, Err: err}
	}
	if err := os.Rename(tmp, artifact); err != nil {
		_ = os.Remove(tmp)
		return Artifact{}, &EncryptionError{Path: source, Err: fmt.Errorf("failed to move encrypted file into place: %w", err)}
	}

	return Artifact{Path: artifact, Cleanup: true}, nil
}

const tempSuffix = ".part"

// isGateTemp reports whether name is an encryption temporary left by Prepare.
func isGateTemp(name string) bool {
	return strings.HasPrefix(name, ".") &&
		strings.HasSuffix(name, tempSuffix) &&
		strings.Contains(name, EncryptedSuffix+".")
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
