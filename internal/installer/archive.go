package installer

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Archive integrity constants. An empty zip is exactly 22 bytes (a bare
// end-of-central-directory record), so anything smaller cannot be valid.
// The EOCD record must appear within the final 64 KB because the zip
// comment it trails is bounded at 65535 bytes.
const (
	minArchiveSize = 22
	eocdScanWindow = 64 * 1024
)

var (
	localFileHeaderSig = []byte{'P', 'K', 0x03, 0x04}
	eocdSig            = []byte{'P', 'K', 0x05, 0x06}
)

// validateArchive rejects truncated or corrupted transfers before anything
// touches disk: undersized payloads, payloads whose header does not match
// the zip signature, and payloads missing the end-of-central-directory
// marker in their trailing window.
func validateArchive(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrIntegrity)
	}
	if len(data) < minArchiveSize {
		return fmt.Errorf("%w: payload too small (%d bytes)", ErrIntegrity, len(data))
	}
	if !bytes.HasPrefix(data, localFileHeaderSig) && !bytes.HasPrefix(data, eocdSig) {
		return fmt.Errorf("%w: missing zip header signature", ErrIntegrity)
	}
	tail := data
	if len(tail) > eocdScanWindow {
		tail = tail[len(tail)-eocdScanWindow:]
	}
	if !bytes.Contains(tail, eocdSig) {
		return fmt.Errorf("%w: missing end-of-central-directory record (truncated download)", ErrIntegrity)
	}
	return nil
}

// extractArchive unpacks the zip payload into dest. Entries escaping dest
// are rejected.
func extractArchive(data []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: open archive: %v", ErrInstall, err)
	}
	for _, f := range zr.File {
		if err := extractEntry(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, dest string) error {
	name := filepath.FromSlash(f.Name)
	target := filepath.Join(dest, name)
	// Zip-slip guard.
	if rel, err := filepath.Rel(dest, target); err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: archive entry escapes destination: %s", ErrInstall, f.Name)
	}
	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o750); err != nil {
			return fmt.Errorf("%w: %v", ErrInstall, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open entry %s: %v", ErrInstall, f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o640
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrInstall, target, err)
	}
	// Bounded copy: entries lie about sizes in crafted archives, but the
	// payload already passed signature validation; still avoid G110-style
	// decompression bombs by capping at 4 GB per entry.
	if _, err := io.Copy(out, io.LimitReader(rc, 4<<30)); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: extract %s: %v", ErrInstall, f.Name, err)
	}
	return out.Close()
}

// flattenSingleRoot lifts the contents of a solitary top-level directory up
// one level and removes it. Release archives commonly wrap everything in a
// version-named folder that must not become part of the final layout.
func flattenSingleRoot(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}
	wrapper := filepath.Join(dir, entries[0].Name())
	children, err := os.ReadDir(wrapper)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	for _, c := range children {
		if err := os.Rename(filepath.Join(wrapper, c.Name()), filepath.Join(dir, c.Name())); err != nil {
			return fmt.Errorf("%w: flatten %s: %v", ErrInstall, c.Name(), err)
		}
	}
	if err := os.Remove(wrapper); err != nil {
		return fmt.Errorf("%w: remove wrapper: %v", ErrInstall, err)
	}
	return nil
}
