// Package identity persists the participant's display name and colour on
// this machine. The room controller receives the loaded Identity by value;
// nothing reads the file ad hoc.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/researchroom/internal/record"
)

// FilePerms restricts the identity file to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the data directory.
const DirPerms = 0o700

// FileName is the identity file's name inside the data directory.
const FileName = "identity.json"

// maxNameLen bounds display names, counted in runes.
const maxNameLen = 64

// Identity is who the local participant is in every room.
type Identity struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// New validates and normalizes a name and colour. The colour may be given
// as a palette name ("teal") or hex value.
func New(name, color string) (Identity, error) {
	id := Identity{Name: name, Color: color}
	if c, ok := record.ColorByName(strings.TrimSpace(color)); ok {
		id.Color = c
	}

	return id.normalized()
}

func (id Identity) normalized() (Identity, error) {
	id.Name = norm.NFC.String(strings.TrimSpace(id.Name))

	var errs []error

	if id.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	} else if n := len([]rune(id.Name)); n > maxNameLen {
		errs = append(errs, fmt.Errorf("name is %d characters, at most %d allowed", n, maxNameLen))
	}

	if !record.ValidColor(id.Color) {
		errs = append(errs, fmt.Errorf("colour %q is not in the palette", id.Color))
	}

	if err := errors.Join(errs...); err != nil {
		return Identity{}, fmt.Errorf("identity: %w: %w", record.ErrInvalidInput, err)
	}

	id.Color = strings.ToUpper(id.Color)

	return id, nil
}

// Path returns the identity file location inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Load reads the identity file. Returns (nil, nil) if it does not exist.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not joined yet"
	}

	if err != nil {
		return nil, fmt.Errorf("identity: reading %s: %w", path, err)
	}

	var raw Identity
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("identity: decoding %s: %w", path, err)
	}

	id, err := raw.normalized()
	if err != nil {
		return nil, fmt.Errorf("identity: %s: %w", path, err)
	}

	return &id, nil
}

// Save writes the identity atomically (write-to-temp + rename) with 0600
// permissions.
func Save(path string, id Identity) error {
	id, err := id.normalized()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("identity: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("identity: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("identity: renaming: %w", err)
	}

	success = true

	return nil
}
