package sysfs

import (
	"testing"

	"github.com/pkg/errors"
)

type staticOps map[string]string

func (o staticOps) ReadAttr(name string) (string, error) {
	return o[name], nil
}

func (o staticOps) WriteAttr(name string, value []byte) error {
	o[name] = string(value)
	return nil
}

func diskNode(name string) (*Node, staticOps) {
	ops := staticOps{"dev": "254:0\n", "size": "2048\n"}
	attrs := NewAttrSet().
		Add("dev", DefaultROAttrPerms).
		Add("size", DefaultROAttrPerms).
		Add("uevent", DefaultRWAttrPerms).
		Add("secret", 0o200)
	return NewNode(name, DefaultRWPerms, attrs, ops), ops
}

func TestAttrPermissions(t *testing.T) {
	n, ops := diskNode("vda")

	tests := []struct {
		name  string
		attr  string
		write bool
		err   error
	}{
		{"read ro", "dev", false, nil},
		{"write ro", "dev", true, ErrPermissionDenied},
		{"read wo", "secret", false, ErrPermissionDenied},
		{"write rw", "uevent", true, nil},
		{"missing", "start", false, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.write {
				err = n.WriteAttr(tt.attr, []byte("add"))
			} else {
				_, err = n.ReadAttr(tt.attr)
			}

			if tt.err == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
		})
	}

	if ops["uevent"] != "add" {
		t.Fatal("write did not reach ops")
	}
}

func TestHandleOverride(t *testing.T) {
	n, ops := diskNode("vda")

	var written string
	n.Handle("uevent", AttrHandler{
		Read:  func() (string, error) { return "MAJOR=254\n", nil },
		Write: func(v []byte) error { written = string(v); return nil },
	})

	v, err := n.ReadAttr("uevent")
	if err != nil || v != "MAJOR=254\n" {
		t.Fatalf("unexpected override read %q %v", v, err)
	}
	if err := n.WriteAttr("uevent", []byte("change")); err != nil {
		t.Fatal(err)
	}
	if written != "change" || ops["uevent"] != "" {
		t.Fatal("write was not routed to the override")
	}
}

func TestTreePaths(t *testing.T) {
	tree := NewTree()
	disk, _ := diskNode("vda")
	part, _ := diskNode("vda1")

	if err := tree.Block().AddChild(disk); err != nil {
		t.Fatal(err)
	}
	if err := disk.AddChild(part); err != nil {
		t.Fatal(err)
	}
	if err := disk.AddChild(part); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	if part.Path() != "/block/vda/vda1" {
		t.Fatalf("unexpected path %s", part.Path())
	}

	if err := tree.DevBlock().AddLink(NewSymlink("254:1", part)); err != nil {
		t.Fatal(err)
	}

	v, err := tree.ReadAttr("/dev/block/254:1/size")
	if err != nil {
		t.Fatal(err)
	}
	if v != "2048\n" {
		t.Fatalf("unexpected size %q", v)
	}
}

func TestSymlinkDropsWithTarget(t *testing.T) {
	tree := NewTree()
	disk, _ := diskNode("vda")
	part, _ := diskNode("vda1")

	_ = tree.Block().AddChild(disk)
	_ = disk.AddChild(part)
	_ = tree.DevBlock().AddLink(NewSymlink("254:1", part))

	if _, err := tree.Block().RemoveChild("vda"); err != nil {
		t.Fatal(err)
	}

	if _, err := tree.Lookup("/dev/block/254:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected dangling link to fail, got %v", err)
	}
	if len(tree.DevBlock().Links()) != 0 {
		t.Fatal("dangling link was not removed")
	}
}
