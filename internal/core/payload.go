package core

import (
	"fmt"
	"io"
	"os"
)

// Payload is one upload ready for transmission.
type Payload struct {
	// Name is the filename the server records.
	Name string
	// Size is the exact byte length, or -1 for a streamed archive.
	Size int64
	// Archived reports whether the content is a ZIP of the tree.
	Archived bool

	tree *Filetree
}

// NewPayload uploads a lone file as-is and packs anything else into a ZIP
// named after the tree root.
func NewPayload(ft *Filetree) *Payload {
	p := &Payload{tree: ft}

	if f, ok := ft.SingleFile(); ok {
		p.Name = f.Name()
		p.Size = f.Size()
		return p
	}

	p.Name = (*ft.Root).Name() + ".zip"
	p.Size = -1
	p.Archived = true
	return p
}

// Open returns a fresh reader over the payload content. Archives are
// compressed on the fly as the reader is consumed.
func (p *Payload) Open() (io.ReadCloser, error) {
	if !p.Archived {
		f, _ := p.tree.SingleFile()
		file, err := os.Open(f.Path())
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", f.Path(), err)
		}
		return file, nil
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(p.tree.WriteZip(pw))
	}()
	return pr, nil
}

// UncompressedSize is the total size of the files in the payload.
func (p *Payload) UncompressedSize() int64 {
	return p.tree.GetUncompressedSize()
}
