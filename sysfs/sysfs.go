package sysfs

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrNotFound         = errors.New("attribute or node not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyExists    = errors.New("node already exists")
	ErrNotSupported     = errors.New("operation not supported")
)

// Perms are unix style permission bits for nodes and attributes.
type Perms uint16

const (
	DefaultROAttrPerms Perms = 0o444
	DefaultRWAttrPerms Perms = 0o644
	DefaultRWPerms     Perms = 0o755
)

func (p Perms) CanRead() bool {
	return p&0o444 != 0
}

func (p Perms) CanWrite() bool {
	return p&0o222 != 0
}

// AttrSet is the fixed set of attributes a node exposes.
type AttrSet struct {
	names []string
	perms map[string]Perms
}

func NewAttrSet() *AttrSet {
	return &AttrSet{perms: map[string]Perms{}}
}

// Add declares an attribute. Names must be unique.
func (s *AttrSet) Add(name string, perms Perms) *AttrSet {
	if _, ok := s.perms[name]; ok {
		panic("sysfs: duplicate attribute " + name)
	}
	s.names = append(s.names, name)
	s.perms[name] = perms
	return s
}

func (s *AttrSet) Get(name string) (Perms, bool) {
	p, ok := s.perms[name]
	return p, ok
}

func (s *AttrSet) Names() []string {
	return append([]string(nil), s.names...)
}

// Ops produces and consumes attribute values for a node.
type Ops interface {
	ReadAttr(name string) (string, error)
	WriteAttr(name string, value []byte) error
}

// AttrHandler overrides a single attribute of a node.
type AttrHandler struct {
	Read  func() (string, error)
	Write func(value []byte) error
}

// Node is a directory in the tree with a set of attributes.
type Node struct {
	name  string
	perms Perms
	attrs *AttrSet
	ops   Ops

	mu        sync.RWMutex
	parent    *Node
	children  map[string]*Node
	links     map[string]*Symlink
	overrides map[string]AttrHandler

	detached atomic.Bool
}

// NewNode creates a detached node. attrs and ops may be nil for plain
// directories.
func NewNode(name string, perms Perms, attrs *AttrSet, ops Ops) *Node {
	if attrs == nil {
		attrs = NewAttrSet()
	}
	return &Node{
		name:      name,
		perms:     perms,
		attrs:     attrs,
		ops:       ops,
		children:  map[string]*Node{},
		links:     map[string]*Symlink{},
		overrides: map[string]AttrHandler{},
	}
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Perms() Perms {
	return n.perms
}

func (n *Node) Attrs() *AttrSet {
	return n.attrs
}

func (n *Node) Parent() *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.parent
}

// Path is the absolute path of the node, e.g. /block/vda/vda1.
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur.name != "" {
			parts = append(parts, cur.name)
		}
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// Handle installs h for attribute name, replacing what Ops would do.
func (n *Node) Handle(name string, h AttrHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.overrides[name] = h
}

func (n *Node) ReadAttr(name string) (string, error) {
	perms, ok := n.attrs.Get(name)
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "%s/%s", n.Path(), name)
	}
	if !perms.CanRead() {
		return "", errors.Wrapf(ErrPermissionDenied, "%s/%s", n.Path(), name)
	}

	n.mu.RLock()
	h, overridden := n.overrides[name]
	n.mu.RUnlock()

	if overridden && h.Read != nil {
		return h.Read()
	}
	if n.ops == nil {
		return "", errors.Wrapf(ErrNotFound, "%s/%s", n.Path(), name)
	}
	return n.ops.ReadAttr(name)
}

func (n *Node) WriteAttr(name string, value []byte) error {
	perms, ok := n.attrs.Get(name)
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s/%s", n.Path(), name)
	}
	if !perms.CanWrite() {
		return errors.Wrapf(ErrPermissionDenied, "%s/%s", n.Path(), name)
	}

	n.mu.RLock()
	h, overridden := n.overrides[name]
	n.mu.RUnlock()

	if overridden && h.Write != nil {
		return h.Write(value)
	}
	if n.ops == nil {
		return errors.Wrapf(ErrNotSupported, "%s/%s", n.Path(), name)
	}
	return n.ops.WriteAttr(name, value)
}

// AddChild attaches child under n.
func (n *Node) AddChild(child *Node) error {
	n.mu.Lock()
	if _, ok := n.children[child.name]; ok {
		n.mu.Unlock()
		return errors.Wrapf(ErrAlreadyExists, "%s/%s", n.Path(), child.name)
	}
	if _, ok := n.links[child.name]; ok {
		n.mu.Unlock()
		return errors.Wrapf(ErrAlreadyExists, "%s/%s", n.Path(), child.name)
	}
	n.children[child.name] = child
	n.mu.Unlock()

	child.mu.Lock()
	child.parent = n
	child.mu.Unlock()
	child.detached.Store(false)

	return nil
}

// RemoveChild detaches and returns the named child. Symlinks pointing at it
// stop resolving.
func (n *Node) RemoveChild(name string) (*Node, error) {
	n.mu.Lock()
	child, ok := n.children[name]
	if ok {
		delete(n.children, name)
	}
	n.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s/%s", n.Path(), name)
	}

	child.mu.Lock()
	child.parent = nil
	child.mu.Unlock()
	child.detached.Store(true)

	return child, nil
}

func (n *Node) Child(name string) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	c, ok := n.children[name]
	return c, ok
}

// Children returns child nodes sorted by name.
func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Detached reports whether the node or one of its ancestors was removed
// from the tree.
func (n *Node) Detached() bool {
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur.detached.Load() {
			return true
		}
	}
	return false
}

// AddLink attaches a symlink under n.
func (n *Node) AddLink(l *Symlink) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.links[l.name]; ok {
		return errors.Wrapf(ErrAlreadyExists, "%s/%s", n.path(), l.name)
	}
	if _, ok := n.children[l.name]; ok {
		return errors.Wrapf(ErrAlreadyExists, "%s/%s", n.path(), l.name)
	}
	n.links[l.name] = l
	l.parent = n
	return nil
}

func (n *Node) RemoveLink(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.links[name]; !ok {
		return errors.Wrapf(ErrNotFound, "%s/%s", n.path(), name)
	}
	delete(n.links, name)
	return nil
}

func (n *Node) Link(name string) (*Symlink, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	l, ok := n.links[name]
	return l, ok
}

// Links returns the link names under n, sorted.
func (n *Node) Links() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]string, 0, len(n.links))
	for name := range n.links {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// path is Path for callers already holding n.mu.
func (n *Node) path() string {
	if n.parent == nil {
		return "/" + n.name
	}
	return n.parent.Path() + "/" + n.name
}

// Symlink points at a node without keeping it in the tree. Once the target
// is detached the link removes itself on the next resolution.
type Symlink struct {
	name       string
	target     *Node
	targetPath string
	parent     *Node
}

func NewSymlink(name string, target *Node) *Symlink {
	return &Symlink{name: name, target: target, targetPath: target.Path()}
}

func (l *Symlink) Name() string {
	return l.name
}

// TargetPath is the target's path at link creation.
func (l *Symlink) TargetPath() string {
	return l.targetPath
}

// Target resolves the link.
func (l *Symlink) Target() (*Node, bool) {
	if !l.target.Detached() {
		return l.target, true
	}

	if l.parent != nil {
		_ = l.parent.RemoveLink(l.name)
	}
	return nil, false
}
