package backup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Backend stores opaque payloads durably.
type Backend interface {
	// Write persists payload and returns a reference for Read.
	Write(ctx context.Context, payload []byte) (ref string, err error)
	Read(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Encoders are shared; EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("zstd decoder: %v", err))
	}
}

// FileBackend is a content-addressed object directory. Objects are named
// by the blake3 hash of the uncompressed payload and stored zstd-compressed,
// so identical pre-images across runs share one object.
type FileBackend struct {
	dir string
}

// NewFileBackend creates root/host/objects with mode 0750.
func NewFileBackend(root, host string) (*FileBackend, error) {
	if host == "" {
		host = "local"
	}
	dir := filepath.Join(root, host, "objects")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	// MkdirAll does not tighten pre-existing directories.
	for _, d := range []string{filepath.Join(root, host), dir} {
		if err := os.Chmod(d, 0o750); err != nil {
			return nil, err
		}
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the object directory.
func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) objectPath(ref string) (string, error) {
	if len(ref) != 64 || strings.Trim(ref, "0123456789abcdef") != "" {
		return "", fmt.Errorf("invalid payload ref %q", ref)
	}
	return filepath.Join(b.dir, ref[:2], ref+".zst"), nil
}

func (b *FileBackend) Write(ctx context.Context, payload []byte) (string, error) {
	sum := blake3.Sum256(payload)
	ref := hex.EncodeToString(sum[:])
	path, _ := b.objectPath(ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}

	compressed := zstdEncoder.EncodeAll(payload, nil)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".obj-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", err
	}
	return ref, nil
}

func (b *FileBackend) Read(ctx context.Context, ref string) ([]byte, error) {
	path, err := b.objectPath(ref)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	payload, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", ref, err)
	}
	sum := blake3.Sum256(payload)
	if hex.EncodeToString(sum[:]) != ref {
		return nil, fmt.Errorf("object %s is corrupt", ref)
	}
	return payload, nil
}

func (b *FileBackend) Delete(ctx context.Context, ref string) error {
	path, err := b.objectPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
