package scraper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/FranksOps/pricewatch/internal/storage"
)

// DefaultImageExt is appended to every sanitized image filename.
const DefaultImageExt = ".jpg"

// SanitizeFilename replaces every rune that is not a letter or digit with an
// underscore and appends ext. Distinct titles may collapse to the same name,
// in which case the later download overwrites the earlier one.
func SanitizeFilename(title, ext string) string {
	var b strings.Builder
	b.Grow(len(title) + len(ext))
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString(ext)
	return b.String()
}

// ImageStore writes downloaded product images under Dir.
type ImageStore struct {
	Dir string
	Ext string
}

// Path returns the local path used for title's image.
func (s ImageStore) Path(title string) string {
	ext := s.Ext
	if ext == "" {
		ext = DefaultImageExt
	}
	return filepath.Join(s.Dir, SanitizeFilename(title, ext))
}

// Save atomically writes data as title's image and returns its path.
func (s ImageStore) Save(title string, data []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	path := s.Path(title)
	if err := storage.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("save image %s: %w", path, err)
	}
	return path, nil
}
