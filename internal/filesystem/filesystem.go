package filesystem

import (
	"bufio"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"udpfileshare/internal/config"
	"udpfileshare/internal/errors"
)

// FileInfo represents information about a file to be transferred
type FileInfo struct {
	Name     string
	Size     int64
	Path     string
	IsDir    bool
	Modified time.Time
}

// ValidateFilePath checks if a file path is safe and valid
func ValidateFilePath(path string) error {
	// Clean the path to prevent directory traversal
	cleanPath := filepath.Clean(path)

	// Check for directory traversal attempts
	if strings.Contains(cleanPath, "..") {
		return errors.NewValidationError("file_path", path, "path contains directory traversal")
	}

	if filepath.IsAbs(cleanPath) && strings.Contains(path, ":") {
		slog.Warn("Absolute path detected", "path", path)
	}

	return nil
}

// GetFileInfo returns information about a file
func GetFileInfo(path string) (*FileInfo, error) {
	if err := ValidateFilePath(path); err != nil {
		return nil, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, errors.NewFileSystemError("stat", path, err)
	}

	return &FileInfo{
		Name:     stat.Name(),
		Size:     stat.Size(),
		Path:     path,
		IsDir:    stat.IsDir(),
		Modified: stat.ModTime(),
	}, nil
}

// ReceivedName reduces a file name announced by a peer to a safe base name
func ReceivedName(name string) (string, error) {
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\\", "/")))
	switch base {
	case "", ".", "..", string(filepath.Separator):
		return "", errors.NewValidationError("file_name", name, "not a usable file name")
	}
	if strings.ContainsRune(base, 0) {
		return "", errors.NewValidationError("file_name", name, "contains NUL")
	}
	return base, nil
}

// EnsureDirectoryExists creates a directory if it doesn't exist
func EnsureDirectoryExists(dir string) error {
	if err := ValidateFilePath(dir); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, config.LogDirPerms); err != nil {
		return errors.NewFileSystemError("mkdir", dir, err)
	}

	return nil
}

// HashAlgorithm names a whole-file digest
type HashAlgorithm string

const (
	HashMD5     HashAlgorithm = "md5"
	HashSHA256  HashAlgorithm = "sha256"
	HashBLAKE2b HashAlgorithm = "blake2b"
)

// Files at or above this size are hashed with BLAKE2b
const LargeFileSizeThreshold = 50 * 1024 * 1024 * 1024

// SelectHashAlgorithm picks the whole-file digest for a file size
func SelectHashAlgorithm(size int64) HashAlgorithm {
	if size >= LargeFileSizeThreshold {
		return HashBLAKE2b
	}
	return HashMD5
}

// NewHasher returns a hash for the algorithm
func NewHasher(algorithm HashAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case HashMD5:
		return md5.New(), nil
	case HashSHA256:
		return sha256.New(), nil
	case HashBLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, errors.NewValidationError("hash_algorithm", algorithm, "unsupported")
	}
}

// CalculateFileHashWithAlgorithm hashes the whole file from the start
func CalculateFileHashWithAlgorithm(file *os.File, algorithm HashAlgorithm) (string, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", err
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", errors.NewFileSystemError("seek", file.Name(), err)
	}

	buffer := make([]byte, config.HashBufferSize)
	if _, err := io.CopyBuffer(h, file, buffer); err != nil {
		return "", errors.NewFileSystemError("read_hash", file.Name(), err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile opens path and hashes it. An empty algorithm is chosen by size.
func HashFile(path string, algorithm HashAlgorithm) (string, HashAlgorithm, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", "", errors.NewFileSystemError("open", path, err)
	}
	defer file.Close()

	if algorithm == "" {
		stat, err := file.Stat()
		if err != nil {
			return "", "", errors.NewFileSystemError("stat", path, err)
		}
		algorithm = SelectHashAlgorithm(stat.Size())
	}

	digest, err := CalculateFileHashWithAlgorithm(file, algorithm)
	return digest, algorithm, err
}

// PartialFile is a received file being written under a temporary name. It is
// only visible under its final name after Commit.
type PartialFile struct {
	file      *os.File
	writer    *bufio.Writer
	path      string
	finalPath string
	done      bool
}

// CreatePartial opens <dir>/<name>.part for writing
func CreatePartial(dir, name string) (*PartialFile, error) {
	if err := EnsureDirectoryExists(dir); err != nil {
		return nil, err
	}

	finalPath := filepath.Join(dir, name)
	path := finalPath + config.PartialFileExt

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, config.OutputPerms)
	if err != nil {
		return nil, errors.NewFileSystemError("create", path, err)
	}

	return &PartialFile{
		file:      file,
		writer:    bufio.NewWriterSize(file, 64*1024),
		path:      path,
		finalPath: finalPath,
	}, nil
}

func (p *PartialFile) Write(b []byte) (int, error) {
	if p.done {
		return 0, errors.NewFileSystemError("write", p.path, os.ErrClosed)
	}
	return p.writer.Write(b)
}

// Commit flushes, syncs and renames the file to its final name
func (p *PartialFile) Commit() error {
	if p.done {
		return errors.NewFileSystemError("commit", p.path, os.ErrClosed)
	}
	p.done = true

	if err := p.writer.Flush(); err != nil {
		p.file.Close()
		os.Remove(p.path)
		return errors.NewFileSystemError("flush", p.path, err)
	}
	if err := p.file.Sync(); err != nil {
		slog.Warn("Failed to sync received file", "path", p.path, "error", err)
	}
	if err := p.file.Close(); err != nil {
		os.Remove(p.path)
		return errors.NewFileSystemError("close", p.path, err)
	}
	if err := os.Rename(p.path, p.finalPath); err != nil {
		os.Remove(p.path)
		return errors.NewFileSystemError("rename", p.path, err)
	}
	return nil
}

// Discard closes and removes the partial file. It is a no-op after Commit.
func (p *PartialFile) Discard() error {
	if p.done {
		return nil
	}
	p.done = true

	p.file.Close()
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.NewFileSystemError("remove", p.path, err)
	}
	return nil
}

// Path returns the temporary path
func (p *PartialFile) Path() string {
	return p.path
}

// FinalPath returns the path the file has after Commit
func (p *PartialFile) FinalPath() string {
	return p.finalPath
}

func (p *PartialFile) String() string {
	return fmt.Sprintf("PartialFile{%s}", p.path)
}
