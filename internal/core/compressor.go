package core

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/klauspost/compress/zip"
)

// WriteZip streams the tree as a ZIP archive to w. Entries are named
// relative to the tree root, including the root's own name.
func (ft *Filetree) WriteZip(w io.Writer) error {
	zipWriter := zip.NewWriter(w)

	root := *ft.Root
	if err := compressNode(zipWriter, root, ""); err != nil {
		zipWriter.Close()
		return err
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

func (ft *Filetree) ToZipBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := ft.WriteZip(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressNode(zw *zip.Writer, node Node, basePath string) error {
	// ZIP entry names always use forward slashes.
	archivePath := path.Join(basePath, node.Name())

	switch n := node.(type) {
	case *File:
		return addFileToZip(zw, n.Path(), archivePath)
	case *Dir:
		for _, child := range n.Children() {
			if err := compressNode(zw, child, archivePath); err != nil {
				return err
			}
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, srcPath, archivePath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", srcPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = archivePath
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}

	return nil
}

// GetUncompressedSize sums the sizes recorded while building the tree.
func (ft *Filetree) GetUncompressedSize() int64 {
	var totalSize int64
	for _, node := range ft.FlattenTree() {
		if file, ok := node.(*File); ok {
			totalSize += file.Size()
		}
	}
	return totalSize
}
