package sdauploader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// DirRecord is one directory visited by Walk.
type DirRecord struct {
	// RelativeDir is relative to the root's parent, so it starts with the
	// root's own name. It always uses forward slashes.
	RelativeDir string

	// Subdirectories and Files are entry names, sorted.
	Subdirectories []string
	Files          []string
}

// Walk lists root and every directory below it, parents before children, in
// lexical order. Symlinked files are followed or skipped per symlinkPolicy;
// symlinked directories are never descended into.
func Walk(root string, excludePatterns []string, symlinkPolicy string) ([]DirRecord, error) {
	root = filepath.Clean(root)
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(abs)

	// Walk through a symlinked root while keeping its own name.
	walkRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(walkRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var records []DirRecord
	err = filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(walkRoot, p)
		if err != nil {
			return err
		}
		if rel != "." && shouldExclude(rel, excludePatterns) {
			return filepath.SkipDir
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return fmt.Errorf("failed to read directory %s: %w", p, err)
		}

		rec := DirRecord{RelativeDir: ToRemote(filepath.Join(base, rel))}
		for _, e := range entries {
			childRel := filepath.Join(rel, e.Name())
			if shouldExclude(childRel, excludePatterns) {
				continue
			}

			switch {
			case e.IsDir():
				rec.Subdirectories = append(rec.Subdirectories, e.Name())
			case e.Type().IsRegular():
				rec.Files = append(rec.Files, e.Name())
			case e.Type()&fs.ModeSymlink != 0:
				if symlinkPolicy == SymlinkSkip {
					continue
				}
				target, err := os.Stat(filepath.Join(p, e.Name()))
				if err != nil {
					return fmt.Errorf("failed to resolve symlink %s: %w", childRel, err)
				}
				if target.Mode().IsRegular() {
					rec.Files = append(rec.Files, e.Name())
				}
			}
		}

		rec.Files = dropGateArtifacts(rec.Files)
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// dropGateArtifacts removes files the encryption gate owns: the encrypted
// sibling X.c4gh of a listed plaintext X, which an interrupted run leaves for
// resume, and the gate's .X.c4gh.<id>.part temporaries.
func dropGateArtifacts(files []string) []string {
	listed := make(map[string]bool, len(files))
	for _, f := range files {
		listed[f] = true
	}

	kept := files[:0]
	for _, f := range files {
		if isGateTemp(f) {
			continue
		}
		if plain, ok := strings.CutSuffix(f, EncryptedSuffix); ok && plain != "" && listed[plain] {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func shouldExclude(p string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	parts := strings.Split(filepath.ToSlash(p), "/")
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, filepath.Base(p)); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, filepath.ToSlash(p)); matched {
			return true
		}
		for _, part := range parts {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

// DirectoryMirror recreates a local tree on the remote host and uploads every
// file in it, one at a time.
type DirectoryMirror struct {
	gate       *EncryptionGate
	transfer   *Transferer
	remoteRoot string
	excludes   []string
	symlinks   string
	log        *zap.Logger
}

// NewDirectoryMirror creates a mirror that sends files through gate and transfer.
func NewDirectoryMirror(cfg Config, gate *EncryptionGate, transfer *Transferer) *DirectoryMirror {
	cfg = cfg.WithDefaults()
	return &DirectoryMirror{
		gate:       gate,
		transfer:   transfer,
		remoteRoot: cfg.RemoteRoot,
		excludes:   cfg.ExcludePatterns,
		symlinks:   cfg.SymlinkPolicy,
		log:        cfg.Logger,
	}
}

// mirrorState memoizes directory outcomes for one Mirror call.
type mirrorState struct {
	confirmed map[string]bool
	failed    map[string]error
	result    *MirrorResult
}

// Mirror uploads root into RemoteRoot. A failed file does not stop the tree:
// failures are collected in the result, see MirrorResult.Err. A directory that
// cannot be created fails every file beneath it. The returned error is only
// set when the tree cannot be listed or ctx is cancelled.
func (m *DirectoryMirror) Mirror(ctx context.Context, remote RemoteFS, root string, mode WriteMode) (*MirrorResult, error) {
	records, err := Walk(root, m.excludes, m.symlinks)
	if err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}

	localRoot := filepath.Clean(root)
	state := &mirrorState{
		confirmed: make(map[string]bool),
		failed:    make(map[string]error),
		result:    &MirrorResult{},
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return state.result, fmt.Errorf("directory upload cancelled: %w", err)
		}

		localDir := filepath.Join(localRoot, relWithinRoot(rec.RelativeDir))
		remoteDir := RemoteJoin(m.remoteRoot, rec.RelativeDir)

		if err := m.ensureDir(remote, rec.RelativeDir, state); err != nil {
			for _, name := range rec.Files {
				state.result.Files = append(state.result.Files, FileResult{
					SourcePath: filepath.Join(localDir, name),
					Error:      fmt.Errorf("skipped, remote directory %s unavailable: %w", remoteDir, err),
				})
				state.result.Failed++
			}
			continue
		}

		for _, name := range rec.Files {
			if err := ctx.Err(); err != nil {
				return state.result, fmt.Errorf("directory upload cancelled: %w", err)
			}

			fr := uploadOne(ctx, remote, m.gate, m.transfer, filepath.Join(localDir, name), RemoteJoin(remoteDir, name), mode)
			state.result.Files = append(state.result.Files, fr)
			if fr.Error != nil {
				m.log.Error("file upload failed", zap.String("file", fr.SourcePath), zap.Error(fr.Error))
				state.result.Failed++
				continue
			}
			state.result.Uploaded++
			state.result.BytesSent += fr.Transfer.Sent
		}
	}

	return state.result, nil
}

// ensureDir creates rel and each of its ancestors below RemoteRoot, checking
// with Stat first. An existing directory is fine; any other mkdir failure is
// remembered and returned for the directory and everything under it.
func (m *DirectoryMirror) ensureDir(remote RemoteFS, rel string, state *mirrorState) error {
	segments := strings.Split(rel, "/")
	for i := range segments {
		dir := RemoteJoin(m.remoteRoot, strings.Join(segments[:i+1], "/"))
		if state.confirmed[dir] {
			continue
		}
		if err, ok := state.failed[dir]; ok {
			return err
		}

		if err := m.createDir(remote, dir); err != nil {
			state.failed[dir] = err
			state.result.DirErrors = append(state.result.DirErrors, err)
			m.log.Error("failed to create remote directory", zap.String("dir", dir), zap.Error(err))
			return err
		}
		state.confirmed[dir] = true
		state.result.Directories = append(state.result.Directories, dir)
	}
	return nil
}

func (m *DirectoryMirror) createDir(remote RemoteFS, dir string) error {
	if info, err := remote.Stat(dir); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("remote path %s exists and is not a directory", dir)
		}
		m.log.Info("skipping directory creation, already exists", zap.String("dir", dir))
		return nil
	}

	err := remote.Mkdir(dir)
	if err == nil {
		m.log.Info("directory created", zap.String("dir", dir))
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		m.log.Info("skipping directory creation, already exists", zap.String("dir", dir))
		return nil
	}
	// SFTPv3 servers report an existing path as a generic failure; only a
	// directory actually being there makes that benign.
	if info, statErr := remote.Stat(dir); statErr == nil && info.IsDir() {
		m.log.Info("directory appeared while creating it", zap.String("dir", dir))
		return nil
	}
	return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
}

// relWithinRoot strips the root name from a DirRecord path and returns a
// local relative path.
func relWithinRoot(relDir string) string {
	if i := strings.IndexByte(relDir, '/'); i >= 0 {
		return filepath.FromSlash(relDir[i+1:])
	}
	return "."
}
