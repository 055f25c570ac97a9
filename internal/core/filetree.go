package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Filetree struct {
	Root *Node
}

// BuildFiletree walks the given paths. A single path becomes the root;
// several are gathered under a virtual directory named after the current
// time.
func BuildFiletree(paths []ParsedPath) (*Filetree, error) {
	var rootNodes []Node

	for _, parsedPath := range paths {
		if parsedPath.Kind == PathDir {
			dirNode, err := buildDirTree(parsedPath.FullPath)
			if err != nil {
				return nil, err
			}
			rootNodes = append(rootNodes, dirNode)
		} else {
			fileNode := &File{
				path: parsedPath.FullPath,
				name: filepath.Base(parsedPath.FullPath),
				size: parsedPath.Size,
			}
			rootNodes = append(rootNodes, fileNode)
		}
	}

	if len(rootNodes) == 0 {
		return nil, fmt.Errorf("no valid paths provided")
	}

	// determine root
	var root Node
	if len(rootNodes) == 1 {
		root = rootNodes[0]
	} else {
		root = createVirtualRoot(rootNodes, time.Now())
	}

	return &Filetree{
		Root: &root,
	}, nil
}

// buildDirTree skips symlinks and special files so an archive never
// follows links out of the tree.
func buildDirTree(dirPath string) (*Dir, error) {
	dir := &Dir{
		path:     dirPath,
		name:     filepath.Base(dirPath),
		children: []Node{},
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dirPath, err)
	}

	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())

		switch {
		case entry.IsDir():
			childDir, err := buildDirTree(childPath)
			if err != nil {
				return nil, err
			}
			childDir.parent = dir
			dir.children = append(dir.children, childDir)
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", childPath, err)
			}
			dir.children = append(dir.children, &File{
				path: childPath,
				name: entry.Name(),
				size: info.Size(),
				dir:  dir,
			})
		}
	}

	return dir, nil
}

func createVirtualRoot(children []Node, now time.Time) *Dir {
	name := fmt.Sprintf("upload_%s", now.Format("2006_01_02_150405"))
	virtualRoot := &Dir{
		path:     name,
		name:     name,
		children: children,
	}

	for _, child := range children {
		if dir, ok := child.(*Dir); ok {
			dir.parent = virtualRoot
		} else if file, ok := child.(*File); ok {
			file.dir = virtualRoot
		}
	}

	return virtualRoot
}

// FlattenTree lists every node depth-first, parents before children.
func (ft *Filetree) FlattenTree() []Node {
	var nodes []Node
	var walk func(Node)
	walk = func(n Node) {
		nodes = append(nodes, n)
		if d, ok := n.(*Dir); ok {
			for _, child := range d.children {
				walk(child)
			}
		}
	}
	walk(*ft.Root)
	return nodes
}

// SingleFile returns the root when the tree is exactly one file.
func (ft *Filetree) SingleFile() (*File, bool) {
	f, ok := (*ft.Root).(*File)
	return f, ok
}
