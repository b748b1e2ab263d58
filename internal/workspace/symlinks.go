package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/custodia-labs/chartpull-cli/internal/ndjson"
)

// Relink rebuilds the top-level symlink pool. Every finalised page of
// every sub-export, walked in sequence order, receives a top-level
// link named <Type>.<GGG>.ndjson[.gz] whose global index is dense per
// resource type and starts at 001. Existing page links are removed
// first, so the pool always reflects the sub-exports exactly.
//
// Targets are relative, which keeps the links valid when the
// workspace is moved or mounted elsewhere.
func (w *Workspace) Relink() (int, error) {
	if err := w.removePageLinks(); err != nil {
		return 0, err
	}

	subs, err := w.SubExports()
	if err != nil {
		return 0, err
	}

	created := 0
	global := make(map[string]int)
	for _, sub := range subs {
		pages, err := sub.AllPages()
		if err != nil {
			return created, err
		}
		for _, page := range pages {
			base := filepath.Base(page)
			resourceType, _, ok := ndjson.ParsePageName(base)
			if !ok {
				continue
			}
			ext := ".ndjson"
			if strings.HasSuffix(base, ".gz") {
				ext = ".ndjson.gz"
			}
			global[resourceType]++
			link := filepath.Join(w.root, fmt.Sprintf("%s.%03d%s", resourceType, global[resourceType], ext))
			target := filepath.Join(sub.Name(), base)
			if err := os.Symlink(target, link); err != nil {
				return created, fmt.Errorf("link %s: %w", link, err)
			}
			created++
		}
	}
	return created, nil
}

// removePageLinks deletes every top-level symlink that carries a page
// name. Regular files are left alone; a stray real file at a link
// name surfaces as an error when Relink recreates the pool.
func (w *Workspace) removePageLinks() error {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, _, ok := ndjson.ParsePageName(entry.Name()); !ok {
			continue
		}
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		if err := os.Remove(filepath.Join(w.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
