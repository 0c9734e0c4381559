package sdauploader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"
)

// mockFileInfo implements os.FileInfo for testing.
type mockFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() os.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.isDir }
func (m *mockFileInfo) Sys() any           { return nil }

// errSSHFailure mimics the generic status SFTPv3 servers send for mkdir on an
// existing path.
var errSSHFailure = errors.New(`sftp: "Failure" (SSH_FX_FAILURE)`)

// MockSFTPClient implements SFTPClientInterface over an in-memory filesystem.
// Paths "/" and "." exist from the start.
type MockSFTPClient struct {
	mu     sync.Mutex
	files  map[string][]byte
	dirs   map[string]bool
	errors map[string]error
	calls  []string
	chunks map[string][]int
	fsync  bool
	closed bool

	// failWriteAfter makes writes fail once a file holds that many bytes, to
	// simulate a dropped connection. Zero disables it.
	failWriteAfter int64
}

// NewMockSFTPClient creates a new mock SFTP client.
func NewMockSFTPClient() *MockSFTPClient {
	return &MockSFTPClient{
		files:  make(map[string][]byte),
		dirs:   map[string]bool{"/": true, ".": true},
		errors: make(map[string]error),
		chunks: make(map[string][]int),
	}
}

// Ensure MockSFTPClient implements SFTPClientInterface.
var _ SFTPClientInterface = (*MockSFTPClient)(nil)

// SetError sets an error to be returned for a method, or for "Method path".
func (m *MockSFTPClient) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

// SetFile sets a file in the mock SFTP client.
func (m *MockSFTPClient) SetFile(p string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = append([]byte(nil), content...)
}

// SetDir marks a directory as existing.
func (m *MockSFTPClient) SetDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[p] = true
}

// File returns a copy of a remote file's content.
func (m *MockSFTPClient) File(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[p]
	return append([]byte(nil), content...), ok
}

// Dirs returns all existing directories, sorted.
func (m *MockSFTPClient) Dirs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dirs []string
	for d := range m.dirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Calls returns the recorded calls matching a method name.
func (m *MockSFTPClient) Calls(method string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if len(c) > len(method) && c[:len(method)+1] == method+" " {
			out = append(out, c)
		}
	}
	return out
}

// Chunks returns the sizes of the writes made to p.
func (m *MockSFTPClient) Chunks(p string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.chunks[p]...)
}

func (m *MockSFTPClient) record(method, p string) error {
	m.calls = append(m.calls, method+" "+p)
	if err := m.errors[method+" "+p]; err != nil {
		return err
	}
	return m.errors[method]
}

func (m *MockSFTPClient) Stat(p string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Stat", p); err != nil {
		return nil, err
	}
	if m.dirs[p] {
		return &mockFileInfo{name: path.Base(p), mode: os.ModeDir | 0755, isDir: true, modTime: time.Now()}, nil
	}
	content, ok := m.files[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &mockFileInfo{name: path.Base(p), size: int64(len(content)), mode: 0644, modTime: time.Now()}, nil
}

func (m *MockSFTPClient) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Mkdir", p); err != nil {
		return err
	}
	if m.dirs[p] {
		return errSSHFailure
	}
	if _, ok := m.files[p]; ok {
		return errSSHFailure
	}
	if !m.dirs[path.Dir(p)] {
		return os.ErrNotExist
	}
	m.dirs[p] = true
	return nil
}

func (m *MockSFTPClient) OpenFile(p string, flags int) (SFTPFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("OpenFile", fmt.Sprintf("%s %#x", p, flags)); err != nil {
		return nil, err
	}
	if err := m.errors["OpenFile "+p]; err != nil {
		return nil, err
	}
	if !m.dirs[path.Dir(p)] {
		return nil, os.ErrNotExist
	}

	_, exists := m.files[p]
	switch {
	case !exists && flags&os.O_CREATE == 0:
		return nil, os.ErrNotExist
	case !exists || flags&os.O_TRUNC != 0:
		m.files[p] = []byte{}
	}
	return &MockSFTPFile{client: m, path: p, append: flags&os.O_APPEND != 0}, nil
}

func (m *MockSFTPClient) HasExtension(name string) (string, bool) {
	if name == fsyncExtension && m.fsync {
		return "1", true
	}
	return "", false
}

func (m *MockSFTPClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errors["Close"]; err != nil {
		return err
	}
	m.closed = true
	return nil
}

// Closed reports whether Close succeeded.
func (m *MockSFTPClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockSFTPFile implements SFTPFile on top of MockSFTPClient. Append-mode writes
// land at the end of the file, like OpenSSH.
type MockSFTPFile struct {
	client *MockSFTPClient
	path   string
	offset int64
	append bool
	syncs  int
	closed bool
}

func (f *MockSFTPFile) Write(p []byte) (int, error) {
	m := f.client
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if err := m.errors["Write"]; err != nil {
		return 0, err
	}

	content := m.files[f.path]
	pos := f.offset
	if f.append {
		pos = int64(len(content))
	}
	if m.failWriteAfter > 0 && pos+int64(len(p)) > m.failWriteAfter {
		keep := m.failWriteAfter - pos
		if keep < 0 {
			keep = 0
		}
		p = p[:keep]
		defer func() { m.failWriteAfter = 0 }()
		n, _ := f.writeAt(content, pos, p)
		return n, io.ErrUnexpectedEOF
	}
	return f.writeAt(content, pos, p)
}

func (f *MockSFTPFile) writeAt(content []byte, pos int64, p []byte) (int, error) {
	m := f.client
	if end := pos + int64(len(p)); end > int64(len(content)) {
		grown := make([]byte, end)
		copy(grown, content)
		content = grown
	}
	copy(content[pos:], p)
	m.files[f.path] = content
	f.offset = pos + int64(len(p))
	if len(p) > 0 {
		m.chunks[f.path] = append(m.chunks[f.path], len(p))
	}
	return len(p), nil
}

func (f *MockSFTPFile) Seek(offset int64, whence int) (int64, error) {
	m := f.client
	m.mu.Lock()
	defer m.mu.Unlock()
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		f.offset = int64(len(m.files[f.path])) + offset
	default:
		return 0, os.ErrInvalid
	}
	return f.offset, nil
}

func (f *MockSFTPFile) Sync() error {
	f.syncs++
	return f.client.errors["Sync"]
}

// Close records a "CloseFile <path>" call. A second close fails like a
// released SFTP handle.
func (f *MockSFTPFile) Close() error {
	m := f.client
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CloseFile", f.path); err != nil {
		return err
	}
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return nil
}
