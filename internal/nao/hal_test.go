package nao

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/robobridge/internal/testutil"
)

func halZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func checksum(data []byte) string {
	sum := sha1.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func fullHAL(t *testing.T) []byte {
	files := make(map[string]string)
	for _, m := range halModules {
		files[HALDir+"/"+m] = "# " + m
	}
	return halZip(t, files)
}

type halServer struct {
	archive   []byte
	sum       string
	sumErr    error
	downloads int
}

func (s *halServer) HALChecksum(context.Context) (string, error) { return s.sum, s.sumErr }

func (s *halServer) DownloadHAL(context.Context) ([]byte, error) {
	s.downloads++
	return s.archive, nil
}

func TestHALVerifyDownloadsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	archive := fullHAL(t)
	src := &halServer{archive: archive, sum: checksum(archive)}
	h := NewHAL(dir, testutil.Logger(t))

	local, err := h.Checksum()
	require.NoError(t, err)
	assert.Empty(t, local)

	require.NoError(t, h.Verify(context.Background(), src))
	assert.Equal(t, 1, src.downloads)

	local, err = h.Checksum()
	require.NoError(t, err)
	assert.Equal(t, src.sum, local)

	files, err := h.Files()
	require.NoError(t, err)
	require.Len(t, files, len(halModules))
	assert.Equal(t, "__init__.py", files[0].Name)
	assert.Equal(t, "# __init__.py", string(files[0].Data))

	// Matching checksum: no second download.
	require.NoError(t, h.Verify(context.Background(), src))
	assert.Equal(t, 1, src.downloads)
}

func TestHALVerifyChecksumError(t *testing.T) {
	h := NewHAL(t.TempDir(), testutil.Logger(t))
	err := h.Verify(context.Background(), &halServer{sumErr: errors.New("offline")})
	assert.ErrorContains(t, err, "offline")
}

func TestHALRejectsEscapingEntries(t *testing.T) {
	archive := halZip(t, map[string]string{"../evil.py": "x"})
	h := NewHAL(t.TempDir(), testutil.Logger(t))

	err := h.Verify(context.Background(), &halServer{archive: archive, sum: checksum(archive)})
	assert.ErrorContains(t, err, "escapes")
}

func TestHALRejectsInvalidArchive(t *testing.T) {
	h := NewHAL(t.TempDir(), testutil.Logger(t))
	err := h.Verify(context.Background(), &halServer{archive: []byte("not a zip"), sum: "x"})
	assert.Error(t, err)
}

func TestHALFilesMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, HALDir), 0o755))
	_, err := NewHAL(dir, testutil.Logger(t)).Files()
	assert.Error(t, err)
}
