package sdauploader

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gossh "golang.org/x/crypto/ssh"
)

// generateTestRSAKey returns a PEM-encoded RSA private key and its SSH public key.
func generateTestRSAKey(t *testing.T) ([]byte, gossh.PublicKey) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	publicKey, err := gossh.NewPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)

	return keyPEM, publicKey
}

// generateTestEd25519Key returns an OpenSSH-encoded Ed25519 private key and its
// SSH public key. A non-empty passphrase encrypts the key.
func generateTestEd25519Key(t *testing.T, passphrase string) ([]byte, gossh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = gossh.MarshalPrivateKey(priv, "")
	} else {
		block, err = gossh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	require.NoError(t, err)

	publicKey, err := gossh.NewPublicKey(pub)
	require.NoError(t, err)

	return pem.EncodeToMemory(block), publicKey
}

// createTempFile creates a temporary file with the given content.
func createTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()

	tmpFile := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(tmpFile, content, 0644))
	return tmpFile
}

// createTestFileStructure creates root/<relPath> for every entry in files and
// returns root. Files is a map of relative path -> content.
func createTestFileStructure(t *testing.T, rootName string, files map[string][]byte) string {
	t.Helper()

	root := filepath.Join(t.TempDir(), rootName)
	require.NoError(t, os.MkdirAll(root, 0755))
	for relPath, content := range files {
		fullPath := filepath.Join(root, filepath.FromSlash(relPath))
		require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
		require.NoError(t, os.WriteFile(fullPath, content, 0644))
	}
	return root
}

// encryptedContent returns bytes that the gate recognises as Crypt4GH.
func encryptedContent(body string) []byte {
	return []byte(MagicHeader + body)
}

// patternBytes returns n deterministic non-magic bytes.
func patternBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

// newObservedLogger returns a logger whose entries can be inspected.
func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// fakeEncrypter "encrypts" by prefixing the magic header to the source bytes.
type fakeEncrypter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeEncrypter) Encrypt(_ context.Context, src, dst string) error {
	f.mu.Lock()
	f.calls = append(f.calls, src)
	f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, append([]byte(MagicHeader), content...), 0600)
}

func (f *fakeEncrypter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// testSSHServer is an in-process SSH server that accepts one public key and/or
// one password and serves SFTP from a shared in-memory filesystem.
type testSSHServer struct {
	listener   net.Listener
	host       string
	port       int
	authorized gossh.PublicKey
	password   string
	handlers   sftp.Handlers

	connections atomic.Int32
	logins      atomic.Int32
}

func startTestSSHServer(t *testing.T, authorized gossh.PublicKey, password string) *testSSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := gossh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testSSHServer{
		listener:   listener,
		host:       "127.0.0.1",
		port:       listener.Addr().(*net.TCPAddr).Port,
		authorized: authorized,
		password:   password,
		handlers:   sftp.InMemHandler(),
	}

	serverConfig := &gossh.ServerConfig{
		PasswordCallback: func(_ gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			if s.password != "" && string(pass) == s.password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
		PublicKeyCallback: func(_ gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if s.authorized != nil && bytes.Equal(key.Marshal(), s.authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("public key rejected")
		},
	}
	serverConfig.AddHostKey(hostSigner)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.connections.Add(1)
			go s.handle(conn, serverConfig)
		}
	}()

	t.Cleanup(func() {
		listener.Close()
	})
	return s
}

func (s *testSSHServer) handle(conn net.Conn, serverConfig *gossh.ServerConfig) {
	sconn, chans, reqs, err := gossh.NewServerConn(conn, serverConfig)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	s.logins.Add(1)

	go gossh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func(in <-chan *gossh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				_ = req.Reply(ok, nil)
				if ok {
					go func() {
						server := sftp.NewRequestServer(ch, s.handlers)
						if err := server.Serve(); errors.Is(err, io.EOF) {
							server.Close()
						}
					}()
				}
			}
		}(requests)
	}
}

// config returns a Config pointing at the server.
func (s *testSSHServer) config(log *zap.Logger) Config {
	return Config{
		Endpoint:              Endpoint{Host: s.host, Port: s.port, User: "submitter"},
		InsecureIgnoreHostKey: true,
		Logger:                log,
	}
}
