package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

// DirectText returns the PDF's embedded text layer, pages in order.
func (e *Engine) DirectText(ctx context.Context, path string) (string, error) {
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w: %s", err, strings.TrimSpace(string(errb)))
	}
	// pdftotext separates pages with form feeds.
	return strings.ReplaceAll(string(out), "\f", "\n"), nil
}

// OCRText renders each page, cleans it and recognises it. Page texts are
// joined with "\n". Any failing page fails the whole call.
func (e *Engine) OCRText(ctx context.Context, path string) (string, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	tmpDir, err := os.MkdirTemp("", "vitalyze-ocr-*")
	if err != nil {
		return "", fmt.Errorf("create ocr temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			e.logger.Warn().Err(err).Str("dir", tmpDir).Msg("failed to remove ocr temp dir")
		}
	}()

	prefix := filepath.Join(tmpDir, "page")
	args := []string{"-r", strconv.Itoa(e.cfg.DPI), "-png"}
	if e.cfg.MaxPages > 0 {
		args = append(args, "-f", "1", "-l", strconv.Itoa(e.cfg.MaxPages))
	}
	args = append(args, path, prefix)
	if _, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, args...); err != nil {
		return "", fmt.Errorf("pdftoppm: %w: %s", err, strings.TrimSpace(string(errb)))
	}

	pages, err := renderedPages(prefix)
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("pdftoppm rendered no pages")
	}

	texts := make([]string, 0, len(pages))
	for i, page := range pages {
		txt, err := e.recognisePage(ctx, page)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i+1, err)
		}
		texts = append(texts, txt)
		e.logger.Debug().Int("page", i+1).Int("chars", len(txt)).Msg("ocr page processed")
	}
	return strings.Join(texts, "\n"), nil
}

func (e *Engine) recognisePage(ctx context.Context, pagePath string) (string, error) {
	img, err := imaging.Open(pagePath)
	if err != nil {
		return "", fmt.Errorf("decode rendered page: %w", err)
	}
	cleaned := Preprocess(img, e.cfg.BlurSigma)

	cleanPath := strings.TrimSuffix(pagePath, ".png") + "-clean.png"
	if err := imaging.Save(cleaned, cleanPath); err != nil {
		return "", fmt.Errorf("write cleaned page: %w", err)
	}

	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, e.tesseractArgs(cleanPath)...)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, strings.TrimSpace(string(errb)))
	}
	return string(out), nil
}

// renderedPages returns prefix-N.png files ordered by page number.
// pdftoppm zero-pads N depending on the page count.
func renderedPages(prefix string) ([]string, error) {
	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("list rendered pages: %w", err)
	}

	type page struct {
		path string
		num  int
	}
	pages := make([]page, 0, len(matches))
	for _, m := range matches {
		base := strings.TrimSuffix(strings.TrimPrefix(m, prefix+"-"), ".png")
		n, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		pages = append(pages, page{path: m, num: n})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].num < pages[j].num })

	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = p.path
	}
	return out, nil
}
