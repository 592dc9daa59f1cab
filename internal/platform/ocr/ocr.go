// Package ocr turns PDF files into text with poppler and tesseract.
//
// DirectText reads the embedded text layer with pdftotext. OCRText renders
// every page with pdftoppm, cleans the raster (grayscale, Gaussian blur,
// Otsu binarisation) and recognises it with tesseract. Which of the two to
// use is the caller's decision.
package ocr

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Config names the external tools and the rendering parameters.
type Config struct {
	Pdftotext string
	Pdftoppm  string
	Tesseract string
	DPI       int
	Lang      string
	PSM       int
	MaxPages  int
	// Timeout bounds a whole OCRText call. Zero means no limit.
	Timeout time.Duration
	// BlurSigma approximates a 5x5 Gaussian kernel at the default 1.1.
	BlurSigma float64
}

// DefaultConfig returns the settings reports are processed with.
func DefaultConfig() Config {
	return Config{
		Pdftotext: "pdftotext",
		Pdftoppm:  "pdftoppm",
		Tesseract: "tesseract",
		DPI:       300,
		Lang:      "eng",
		PSM:       6,
		MaxPages:  20,
		BlurSigma: 1.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Pdftotext == "" {
		c.Pdftotext = d.Pdftotext
	}
	if c.Pdftoppm == "" {
		c.Pdftoppm = d.Pdftoppm
	}
	if c.Tesseract == "" {
		c.Tesseract = d.Tesseract
	}
	if c.DPI <= 0 {
		c.DPI = d.DPI
	}
	if c.Lang == "" {
		c.Lang = d.Lang
	}
	if c.PSM <= 0 {
		c.PSM = d.PSM
	}
	if c.BlurSigma <= 0 {
		c.BlurSigma = d.BlurSigma
	}
	return c
}

// Engine implements direct and OCR text extraction for PDFs.
type Engine struct {
	cfg    Config
	runner Runner
	logger zerolog.Logger
}

type Option func(*Engine)

// WithRunner replaces the os/exec runner.
func WithRunner(r Runner) Option {
	return func(e *Engine) { e.runner = r }
}

func New(cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		runner: ExecRunner{Logger: logger},
		logger: logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) tesseractArgs(imagePath string) []string {
	return []string{imagePath, "stdout", "-l", e.cfg.Lang, "--psm", strconv.Itoa(e.cfg.PSM)}
}
