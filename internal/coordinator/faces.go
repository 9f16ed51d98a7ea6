package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FaceLoader resolves a canonical user's face reference to image bytes
// at push time. Images are stored outside the database; the store only
// carries the reference.
type FaceLoader interface {
	Load(ref string) ([]byte, error)
}

// DirLoader loads and saves face images under a directory. The zero
// value resolves references relative to the working directory.
type DirLoader struct {
	Root string
}

func (d DirLoader) path(ref string) (string, error) {
	// References are stored as bare filenames. Reject anything that
	// escapes the faces directory.
	clean := filepath.Clean(ref)
	if clean != filepath.Base(clean) || strings.HasPrefix(clean, ".") {
		return "", fmt.Errorf("coordinator: invalid face reference %q", ref)
	}
	return filepath.Join(d.Root, clean), nil
}

// Load reads the image for a face reference.
func (d DirLoader) Load(ref string) ([]byte, error) {
	p, err := d.path(ref)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Save writes an uploaded face image and returns its reference. The
// reference includes a content digest so a re-upload with different
// bytes produces a new reference and a new owed face push.
func (d DirLoader) Save(userID string, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("coordinator: empty face image")
	}
	if d.Root != "" {
		if err := os.MkdirAll(d.Root, 0o750); err != nil {
			return "", fmt.Errorf("coordinator: create faces directory: %w", err)
		}
	}

	sum := sha256.Sum256(image)
	ref := fmt.Sprintf("%s-%s.jpg", userID, hex.EncodeToString(sum[:8]))

	p, err := d.path(ref)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, image, 0o640); err != nil {
		return "", fmt.Errorf("coordinator: write face image: %w", err)
	}
	return ref, nil
}
