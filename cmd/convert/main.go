package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "convert",
		Usage: "Convert DICOM files into normalized PNG images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Usage:    "DICOM file or directory to convert",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "directory to write images to",
				Value:   "./converted",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "number of files converted in parallel",
				Value: 4,
			},
			&cli.BoolFlag{
				Name:  "sidecar",
				Usage: "write a yaml file with metadata and conversion record next to each image",
				Value: true,
			},
		},
		Action: convertAction,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("convert failed: %v", err)
	}
}
