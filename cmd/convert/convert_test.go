package main

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"dobbe-backend/internal/dicom"
	"dobbe-backend/pkg/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestFindDicomFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), os.ModePerm))
	for _, name := range []string{"a.dcm", "b.DICOM", "nested/c.rvg", "notes.txt", "nested/d.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	files, err := findDicomFiles(dir)
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.dcm"),
		filepath.Join(dir, "b.DICOM"),
		filepath.Join(dir, "nested", "c.rvg"),
	}, files)

	single, err := findDicomFiles(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "notes.txt")}, single)

	_, err = findDicomFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestWriteSidecarUsesApiFieldNames(t *testing.T) {
	modality := "IO"
	metadata, err := toYAMLMap(api.DicomMetadata{Modality: &modality})
	require.NoError(t, err)
	record, err := toYAMLMap(api.ImageInfo{ConvertedFormat: "RGB", Inverted: true})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "scan.yaml")
	require.NoError(t, writeSidecar(path, sidecar{Source: "scan.dcm", Metadata: metadata, ImageInfo: record}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, "scan.dcm", decoded["source"])

	meta := decoded["metadata"].(map[any]any)
	assert.Equal(t, "IO", meta["modality"])
	assert.Nil(t, meta["patient_id"])

	info := decoded["image_info"].(map[any]any)
	assert.Equal(t, "RGB", info["converted_format"])
	assert.Equal(t, true, info["inverted"])
}

func TestConvertOneRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.dcm")
	require.NoError(t, os.WriteFile(path, []byte("not dicom"), 0644))

	out := t.TempDir()
	_, err := convertOne(path, out, true)
	assert.ErrorIs(t, err, dicom.ErrMalformedContainer)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "scan", outputName("/data/scan.dcm"))
	assert.Equal(t, "scan.v2", outputName("scan.v2.RVG"))
}
