package dvbcuse

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/9000h/dvbloop-cuse/pkg/types"
)

func TestWaitForNode_AlreadyThere(t *testing.T) {
	p := filepath.Join(t.TempDir(), "frontend0")
	if err := os.WriteFile(p, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WaitForNode(context.Background(), p); err != nil {
		t.Errorf("WaitForNode() = %v", err)
	}
}

func TestWaitForNode_CreatedWithParents(t *testing.T) {
	root := t.TempDir()
	p := types.NodePath(root, 3, types.Demux)

	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
		os.WriteFile(p, nil, 0o600)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := WaitForNode(ctx, p); err != nil {
		t.Errorf("WaitForNode() = %v", err)
	}
}

func TestWaitForNode_Timeout(t *testing.T) {
	p := filepath.Join(t.TempDir(), "dvb", "adapter0", "ca0")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := WaitForNode(ctx, p); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForNode() = %v, want deadline exceeded", err)
	}
}

func TestApplyOwnership_SetsPermissions(t *testing.T) {
	root := t.TempDir()
	p := types.NodePath(root, 0, types.DVR)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	s := &Server{cfg: Config{Owner: os.Getuid(), Group: os.Getgid(), Perms: 0o640}}
	s.applyOwnership(context.Background(), types.DVR, p)

	info, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.Mode().Perm(); got != 0o640 {
		t.Errorf("mode = %#o, want 0640", got)
	}
}

func TestIsParent(t *testing.T) {
	tests := []struct {
		dir, path string
		want      bool
	}{
		{"/dev/dvb", "/dev/dvb/adapter0/dvr0", true},
		{"/dev/dvb/adapter0", "/dev/dvb/adapter0/dvr0", true},
		{"/dev/dvb/adapter1", "/dev/dvb/adapter0/dvr0", false},
		{"/dev/dvb/adapter0/dvr0", "/dev/dvb/adapter0/dvr0", false},
	}
	for _, tc := range tests {
		if got := isParent(tc.dir, tc.path); got != tc.want {
			t.Errorf("isParent(%q, %q) = %v, want %v", tc.dir, tc.path, got, tc.want)
		}
	}
}
