// Package pagestore models the internal-flash pages the firmware kept
// its durable state in: fixed-size, rewritten whole, synced to stable
// storage before the write is considered committed. On embedded Linux
// each page is a file.
package pagestore

import (
	"fmt"
	"os"
)

// PageSize matches the internal-flash page the layout was designed
// around.
const PageSize = 2048

// Page is one durable 2 KiB page.
type Page struct {
	path string
}

// Open binds a page to its backing file. The file need not exist yet;
// Load on a missing file reports an empty page.
func Open(path string) *Page {
	return &Page{path: path}
}

// Load reads the full page. A missing file returns a page of 0xFF, the
// same thing erased flash reads as, so callers treat both alike.
func (p *Page) Load() ([]byte, error) {
	buf, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		blank := make([]byte, PageSize)
		for i := range blank {
			blank[i] = 0xFF
		}
		return blank, nil
	}
	if err != nil {
		return nil, fmt.Errorf("page load %q: %w", p.path, err)
	}
	if len(buf) != PageSize {
		return nil, fmt.Errorf("page %q is %d bytes, want %d", p.path, len(buf), PageSize)
	}
	return buf, nil
}

// Store rewrites the whole page and syncs it. The write goes through a
// temp file plus rename so a power cut never leaves a half-written
// page, mirroring the erase+program atomicity the original layout
// assumed.
func (p *Page) Store(data []byte) error {
	if len(data) > PageSize {
		return fmt.Errorf("page store: %d bytes exceeds page size %d", len(data), PageSize)
	}
	buf := make([]byte, PageSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	copy(buf, data)

	tmp := p.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("page store %q: %w", p.path, err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("page store %q: %w", p.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("page sync %q: %w", p.path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("page close %q: %w", p.path, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("page commit %q: %w", p.path, err)
	}
	return nil
}

// Erase removes the backing file; the next Load reads as blank.
func (p *Page) Erase() error {
	err := os.Remove(p.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("page erase %q: %w", p.path, err)
	}
	return nil
}
