package gateway

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
)

// directoryEntry is one row of a directories_listed response.
type directoryEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// handleListDirectories lists the subdirectories of a path so the UI
// can offer a working-directory browser. Dotted directories are
// skipped.
func (c *Client) handleListDirectories(frame commandFrame) {
	path, err := resolveDirPath(frame.Path)
	if err != nil {
		c.enqueue(errorFrame(protocol.CodeListDirectoriesFailed, err.Error(), frame.RequestID))
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		c.enqueue(errorFrame(protocol.CodeListDirectoriesFailed, err.Error(), frame.RequestID))
		return
	}
	dirs := []directoryEntry{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dirs = append(dirs, directoryEntry{Name: e.Name(), Path: filepath.Join(path, e.Name())})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })

	out := map[string]any{
		"type":        protocol.EventDirectoriesListed,
		"path":        path,
		"parent":      filepath.Dir(path),
		"directories": dirs,
	}
	if frame.RequestID != "" {
		out["requestId"] = frame.RequestID
	}
	c.enqueue(out)
}

// handleValidateDirectory reports whether a path is a usable absolute
// directory. Validation failures are data, not errors: the response is
// always directory_validated.
func (c *Client) handleValidateDirectory(frame commandFrame) {
	out := map[string]any{
		"type":  protocol.EventDirectoryValidated,
		"path":  frame.Path,
		"valid": false,
	}
	if frame.RequestID != "" {
		out["requestId"] = frame.RequestID
	}

	path := config.ExpandHome(frame.Path)
	switch info, err := os.Stat(path); {
	case frame.Path == "":
		out["message"] = "path is required"
	case !filepath.IsAbs(path):
		out["message"] = "path must be absolute"
	case err != nil:
		out["message"] = err.Error()
	case !info.IsDir():
		out["message"] = "not a directory"
	default:
		out["valid"] = true
		out["path"] = path
	}
	c.enqueue(out)
}

// handlePickDirectory resolves a directory choice server-side: the
// requested default when usable, else the home directory.
func (c *Client) handlePickDirectory(frame commandFrame) {
	path, err := resolveDirPath(frame.DefaultPath)
	if err != nil {
		c.enqueue(errorFrame(protocol.CodePickDirectoryFailed, err.Error(), frame.RequestID))
		return
	}
	out := map[string]any{
		"type": protocol.EventDirectoryPicked,
		"path": path,
	}
	if frame.RequestID != "" {
		out["requestId"] = frame.RequestID
	}
	c.enqueue(out)
}

// resolveDirPath expands and verifies a directory path, defaulting to
// the home directory when empty or unusable.
func resolveDirPath(path string) (string, error) {
	path = config.ExpandHome(path)
	if path != "" && filepath.IsAbs(path) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return home, nil
}
