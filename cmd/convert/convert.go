package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dobbe-backend/internal/core/utils"
	"dobbe-backend/internal/dicom"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"
)

var dicomExtensions = map[string]bool{".dcm": true, ".dicom": true, ".rvg": true}

type sidecar struct {
	Source    string         `yaml:"source"`
	Metadata  map[string]any `yaml:"metadata"`
	ImageInfo map[string]any `yaml:"image_info"`
}

type converted struct {
	image   string
	sidecar string
}

// findDicomFiles returns input itself when it is a file, otherwise every file
// below it with a DICOM extension.
func findDicomFiles(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("error reading input: %w", err)
	}
	if !info.IsDir() {
		return []string{input}, nil
	}

	var files []string
	err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && dicomExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking input directory: %w", err)
	}
	return files, nil
}

func outputName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// toYAMLMap reuses the json field names so sidecars match the api payloads.
func toYAMLMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeSidecar(path string, s sidecar) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("error encoding sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing sidecar: %w", err)
	}
	return nil
}

func convertOne(path, outputDir string, withSidecar bool) (converted, error) {
	container, image, err := dicom.ConvertFile(path)
	if err != nil {
		return converted{}, err
	}

	name := outputName(path)
	out := converted{image: filepath.Join(outputDir, name+".png")}

	if err := os.WriteFile(out.image, image.PNG, 0644); err != nil {
		return converted{}, fmt.Errorf("error writing image: %w", err)
	}

	if !withSidecar {
		return out, nil
	}

	metadata, err := toYAMLMap(container.Metadata)
	if err != nil {
		return converted{}, fmt.Errorf("error encoding metadata: %w", err)
	}
	record, err := toYAMLMap(image.Record)
	if err != nil {
		return converted{}, fmt.Errorf("error encoding image info: %w", err)
	}

	out.sidecar = filepath.Join(outputDir, name+".yaml")
	if err := writeSidecar(out.sidecar, sidecar{Source: path, Metadata: metadata, ImageInfo: record}); err != nil {
		return converted{}, err
	}

	return out, nil
}

func convertAction(c *cli.Context) error {
	files, err := findDicomFiles(c.String("input"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no DICOM files found in %s", c.String("input"))
	}

	outputDir := c.String("output")
	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}

	withSidecar := c.Bool("sidecar")

	queue := make(chan string, len(files))
	for _, f := range files {
		queue <- f
	}
	close(queue)

	completed := make(chan utils.CompletedTask[string, converted], len(files))
	utils.RunInPool(func(path string) (converted, error) {
		return convertOne(path, outputDir, withSidecar)
	}, queue, completed, c.Int("workers"))

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("converting"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
	)

	failed := 0
	for task := range completed {
		_ = bar.Add(1)
		if task.Error != nil {
			failed++
			slog.Error("error converting file", "path", task.Input, "error", task.Error)
		}
	}
	_ = bar.Finish()

	slog.Info("conversion complete", "files", len(files), "failed", failed, "output", outputDir)

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to convert", failed, len(files))
	}
	return nil
}
