package nao

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/connector"
)

const (
	halArchive = "roberta.zip"
	// HALDir is the directory the archive unpacks to, locally and on the
	// robot.
	HALDir = "roberta"
)

// halModules are the HAL files a program needs on the robot.
var halModules = []string{
	"__init__.py",
	"blockly_methods.py",
	"original_hal.py",
	"speech_recognition_module.py",
	"face_recognition_module.py",
}

// File is a named blob to place on the robot.
type File struct {
	Name string
	Data []byte
}

// HAL manages the local copy of the NAO hardware abstraction layer in a
// working directory.
type HAL struct {
	dir    string
	logger *zap.Logger
}

// NewHAL creates a HAL rooted at dir.
func NewHAL(dir string, logger *zap.Logger) *HAL {
	return &HAL{dir: dir, logger: logger}
}

// Checksum returns the base64 SHA-1 of the local archive, or "" when
// there is none.
func (h *HAL) Checksum() (string, error) {
	f, err := os.Open(filepath.Join(h.dir, halArchive))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open hal archive: %w", err)
	}
	defer f.Close()

	sum := sha1.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("hash hal archive: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sum.Sum(nil)), nil
}

// Verify compares the local archive with the server's and replaces it
// when they differ.
func (h *HAL) Verify(ctx context.Context, src connector.HALSource) error {
	remote, err := src.HALChecksum(ctx)
	if err != nil {
		return fmt.Errorf("fetch hal checksum: %w", err)
	}
	local, err := h.Checksum()
	if err != nil {
		return err
	}
	if local == remote {
		h.logger.Debug("hal is current", zap.String("checksum", local))
		return nil
	}

	h.logger.Info("updating hal", zap.String("local", local), zap.String("server", remote))
	data, err := src.DownloadHAL(ctx)
	if err != nil {
		return fmt.Errorf("download hal: %w", err)
	}
	return h.install(data)
}

// Files returns the HAL modules to upload next to a program.
func (h *HAL) Files() ([]File, error) {
	files := make([]File, 0, len(halModules))
	for _, name := range halModules {
		data, err := os.ReadFile(filepath.Join(h.dir, HALDir, name))
		if err != nil {
			return nil, fmt.Errorf("read hal module: %w", err)
		}
		files = append(files, File{Name: name, Data: data})
	}
	return files, nil
}

func (h *HAL) install(data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open hal archive: %w", err)
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return fmt.Errorf("create hal directory: %w", err)
	}
	for _, zf := range zr.File {
		if err := h.extract(zf); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(h.dir, halArchive), data, 0o644); err != nil {
		return fmt.Errorf("write hal archive: %w", err)
	}
	h.logger.Info("new hal downloaded and unpacked", zap.Int("files", len(zr.File)))
	return nil
}

func (h *HAL) extract(zf *zip.File) error {
	target := filepath.Join(h.dir, filepath.FromSlash(zf.Name))
	rel, err := filepath.Rel(h.dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("hal archive entry %q escapes the working directory", zf.Name)
	}
	if zf.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}

	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", zf.Name, err)
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", zf.Name, err)
	}
	return out.Close()
}
