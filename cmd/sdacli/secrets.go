package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/neicnordic/crypt4gh/keys"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	sdauploader "github.com/CSCfi/sda-uploader"
)

// readPassword reads a line from the terminal without echo. Replaced in tests.
var readPassword = term.ReadPassword

// promptPassword writes "Password for <label>: " to out and reads the answer
// from stdin.
func promptPassword(out io.Writer, label string) (string, error) {
	fmt.Fprintf(out, "Password for %s: ", label)
	b, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// sshSecrets returns the SSH key material and the password candidate for the
// upload request. Missing secrets are prompted for: the identity file password
// only when the key is encrypted, the account password only when there is no
// identity file.
func (o *options) sshSecrets(out io.Writer) ([]byte, string, error) {
	if o.IdentityFile == "" {
		if o.UserPassword != "" {
			return nil, o.UserPassword, nil
		}
		pw, err := promptPassword(out, o.Username)
		return nil, pw, err
	}

	key, err := os.ReadFile(sdauploader.ExpandPath(o.IdentityFile))
	if err != nil {
		return nil, "", fmt.Errorf("read identity file: %w", err)
	}

	if o.IdentityFilePassword != "" {
		return key, o.IdentityFilePassword, nil
	}
	if keyEncrypted(key) {
		pw, err := promptPassword(out, o.IdentityFile)
		return key, pw, err
	}
	return key, o.UserPassword, nil
}

func keyEncrypted(key []byte) bool {
	_, err := ssh.ParseRawPrivateKey(key)
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}

// encrypter loads the recipient key and the sender key. Without a sender key a
// one-time key pair is generated for this run.
func (o *options) encrypter(out io.Writer, log *zap.Logger) (*sdauploader.Crypt4GHEncrypter, error) {
	recipient, err := sdauploader.ReadRecipientKey(o.PublicKey)
	if err != nil {
		return nil, err
	}

	var sender [32]byte
	if o.PrivateKey == "" {
		_, sender, err = keys.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate one-time key: %w", err)
		}
		log.Info("One-time use encryption key generated")
	} else {
		pw := o.PrivateKeyPassword
		if pw == "" {
			if pw, err = promptPassword(out, o.PrivateKey); err != nil {
				return nil, err
			}
		}
		if sender, err = sdauploader.ReadSenderKey(o.PrivateKey, []byte(pw)); err != nil {
			return nil, err
		}
	}

	return sdauploader.NewCrypt4GHEncrypter(sender, recipient)
}
