package sdauploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// BenchmarkTransfer measures the chunk loop against the in-memory SFTP mock.
func BenchmarkTransfer(b *testing.B) {
	const size = 8 << 20
	local := filepath.Join(b.TempDir(), "bench.c4gh")
	if err := os.WriteFile(local, patternBytes(size), 0600); err != nil {
		b.Fatalf("failed to write bench file: %v", err)
	}

	for _, chunk := range []int{32 << 10, 256 << 10, 1 << 20, 4 << 20} {
		b.Run(fmt.Sprintf("chunk=%dKiB", chunk>>10), func(b *testing.B) {
			tr := NewTransferer(Config{ChunkSize: chunk})
			b.SetBytes(size)
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				session := NewSessionWithSFTP(Config{}, NewMockSFTPClient())
				if _, err := tr.Transfer(context.Background(), session, UploadUnit{LocalPath: local, RemotePath: "/bench"}, Overwrite); err != nil {
					b.Fatalf("transfer failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkIsEncrypted measures header detection.
func BenchmarkIsEncrypted(b *testing.B) {
	p := filepath.Join(b.TempDir(), "f")
	if err := os.WriteFile(p, encryptedContent("body"), 0600); err != nil {
		b.Fatalf("failed to write file: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if ok, err := IsEncrypted(p); err != nil || !ok {
			b.Fatalf("IsEncrypted = %v, %v", ok, err)
		}
	}
}

// BenchmarkWalk measures scanning a wide tree.
func BenchmarkWalk(b *testing.B) {
	root := filepath.Join(b.TempDir(), "tree")
	for d := 0; d < 20; d++ {
		dir := filepath.Join(root, fmt.Sprintf("dir%02d", d))
		if err := os.MkdirAll(dir, 0755); err != nil {
			b.Fatal(err)
		}
		for f := 0; f < 50; f++ {
			if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%03d.txt", f)), nil, 0644); err != nil {
				b.Fatal(err)
			}
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Walk(root, []string{"*.tmp"}, SymlinkFollow); err != nil {
			b.Fatal(err)
		}
	}
}
