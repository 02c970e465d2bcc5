package dvbcuse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/9000h/dvbloop-cuse/pkg/types"
)

// NodeWaitTimeout bounds how long the ownership hook waits for udev to create
// a node.
var NodeWaitTimeout = 10 * time.Second

// applyOwnership is the default ready hook: once the node shows up it gets
// the configured owner, group and permissions. Failures are logged only.
func (s *Server) applyOwnership(ctx context.Context, e types.Endpoint, path string) {
	ctx, cancel := context.WithTimeout(ctx, NodeWaitTimeout)
	defer cancel()

	if err := WaitForNode(ctx, path); err != nil {
		log.Warnf("Node %s did not appear: %v", path, err)
		return
	}
	if err := os.Chown(path, s.cfg.Owner, s.cfg.Group); err != nil {
		log.Warnf("Cannot chown %s to %d:%d: %v", path, s.cfg.Owner, s.cfg.Group, err)
	}
	if err := os.Chmod(path, s.cfg.Perms.Perm()); err != nil {
		log.Warnf("Cannot chmod %s to %#o: %v", path, s.cfg.Perms.Perm(), err)
	}
	log.Debugf("%s node %s ready", e, path)
}

// WaitForNode blocks until path exists or ctx is done. Missing parent
// directories are watched as they are created.
func WaitForNode(ctx context.Context, path string) error {
	if exists(path) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watchNearest(watcher, path); err != nil {
		return err
	}
	// The node may have appeared between the first check and the watch.
	if exists(path) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if exists(path) {
				return nil
			}
			if isParent(ev.Name, path) {
				if err := watchNearest(watcher, path); err != nil {
					return err
				}
				if exists(path) {
					return nil
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			return err
		}
	}
}

// watchNearest adds the deepest existing ancestor directory of path.
func watchNearest(w *fsnotify.Watcher, path string) error {
	dir := filepath.Dir(path)
	for {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			return w.Add(dir)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("no existing ancestor of %s", path)
		}
		dir = parent
	}
}

func isParent(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, "../")
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
