package sdauploader

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// KeyAlgorithm is the type of an SSH private key accepted for authentication.
type KeyAlgorithm string

const (
	KeyAlgorithmRSA     KeyAlgorithm = "rsa"
	KeyAlgorithmEd25519 KeyAlgorithm = "ed25519"
)

// Credential is a resolved authentication method: either a KeyCredential or a
// PasswordCredential.
type Credential interface {
	// Method is a short label used in logs ("rsa", "ed25519", "password").
	Method() string

	authMethod() ssh.AuthMethod
}

// KeyCredential authenticates with a private key.
type KeyCredential struct {
	Algorithm  KeyAlgorithm
	Material   []byte
	Passphrase []byte

	signer ssh.Signer
}

// PasswordCredential authenticates with the account password.
type PasswordCredential struct {
	Secret string
}

var (
	_ Credential = (*KeyCredential)(nil)
	_ Credential = (*PasswordCredential)(nil)
)

func (c *KeyCredential) Method() string { return string(c.Algorithm) }

func (c *KeyCredential) authMethod() ssh.AuthMethod { return ssh.PublicKeys(c.signer) }

func (c *PasswordCredential) Method() string { return "password" }

func (c *PasswordCredential) authMethod() ssh.AuthMethod { return ssh.Password(c.Secret) }

// NewKeyCredential parses material as a private key of the given algorithm.
// The passphrase is only used when the key is encrypted.
func NewKeyCredential(algorithm KeyAlgorithm, material, passphrase []byte) (*KeyCredential, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("no SSH private key provided")
	}

	signer, err := ssh.ParsePrivateKey(material)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("SSH private key is encrypted and no passphrase was given")
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(material, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	want := ssh.KeyAlgoRSA
	if algorithm == KeyAlgorithmEd25519 {
		want = ssh.KeyAlgoED25519
	}
	if got := signer.PublicKey().Type(); got != want {
		return nil, fmt.Errorf("SSH private key is %s, not %s", got, algorithm)
	}

	return &KeyCredential{
		Algorithm:  algorithm,
		Material:   material,
		Passphrase: passphrase,
		signer:     signer,
	}, nil
}

// NewPasswordCredential returns a password credential, rejecting empty secrets.
func NewPasswordCredential(secret string) (*PasswordCredential, error) {
	if secret == "" {
		return nil, fmt.Errorf("password authentication requires password to be set")
	}
	return &PasswordCredential{Secret: secret}, nil
}
