package dicom

import (
	"fmt"

	"dobbe-backend/internal/imaging"
)

// ConvertFile reads a container from disk and normalizes its first frame.
func ConvertFile(path string) (*Container, *imaging.Converted, error) {
	container, err := ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	converted, err := imaging.Convert(container.Pixels, container.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("error converting pixel data: %w", err)
	}

	return container, converted, nil
}
