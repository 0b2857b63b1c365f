package sysfs

import (
	"strings"

	"github.com/pkg/errors"
)

// Tree is the root of the attribute tree with the fixed top level
// directories block, dev/block, dev/char and devices.
type Tree struct {
	root    *Node
	block   *Node
	dev     *Node
	devBlk  *Node
	devChr  *Node
	devices *Node
}

func NewTree() *Tree {
	t := &Tree{
		root:    NewNode("", DefaultRWPerms, nil, nil),
		block:   NewNode("block", DefaultRWPerms, nil, nil),
		dev:     NewNode("dev", DefaultRWPerms, nil, nil),
		devBlk:  NewNode("block", DefaultRWPerms, nil, nil),
		devChr:  NewNode("char", DefaultRWPerms, nil, nil),
		devices: NewNode("devices", DefaultRWPerms, nil, nil),
	}

	for _, n := range []*Node{t.block, t.dev, t.devices} {
		if err := t.root.AddChild(n); err != nil {
			panic(err)
		}
	}
	for _, n := range []*Node{t.devBlk, t.devChr} {
		if err := t.dev.AddChild(n); err != nil {
			panic(err)
		}
	}

	return t
}

func (t *Tree) Root() *Node {
	return t.root
}

// Block is /block.
func (t *Tree) Block() *Node {
	return t.block
}

// DevBlock is /dev/block holding major:minor links to block devices.
func (t *Tree) DevBlock() *Node {
	return t.devBlk
}

// DevChar is /dev/char.
func (t *Tree) DevChar() *Node {
	return t.devChr
}

func (t *Tree) Devices() *Node {
	return t.devices
}

// Lookup resolves an absolute path, following symlinks.
func (t *Tree) Lookup(path string) (*Node, error) {
	cur := t.root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}

		if child, ok := cur.Child(part); ok {
			cur = child
			continue
		}

		l, ok := cur.Link(part)
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "lookup %s", path)
		}
		target, ok := l.Target()
		if !ok {
			return nil, errors.Wrapf(ErrNotFound, "dangling link %s", l.TargetPath())
		}
		cur = target
	}

	return cur, nil
}

// ReadAttr reads "<node path>/<attr>".
func (t *Tree) ReadAttr(path string) (string, error) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", errors.Wrapf(ErrNotFound, "attribute path %q", path)
	}

	n, err := t.Lookup(path[:i])
	if err != nil {
		return "", err
	}
	return n.ReadAttr(path[i+1:])
}

// WriteAttr writes value to "<node path>/<attr>".
func (t *Tree) WriteAttr(path string, value []byte) error {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return errors.Wrapf(ErrNotFound, "attribute path %q", path)
	}

	n, err := t.Lookup(path[:i])
	if err != nil {
		return err
	}
	return n.WriteAttr(path[i+1:], value)
}
