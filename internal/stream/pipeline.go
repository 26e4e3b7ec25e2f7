package stream

import (
	"crypto/sha1" // #nosec G505 -- spec-mandated identifier scheme, not a security boundary
	"encoding/hex"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Pipeline is one discovered encoder pipeline file.
type Pipeline struct {
	ID   string
	Name string // filename, used as the display name in the "pipelines" frame
	Path string // full path to hand the encoder
}

// DiscoverPipelines implements spec.md §6's pipeline discovery: a generic
// directory always scanned, plus a platform-specific directory scanned
// only when it matches setup's platform tag. Each file's id is the
// hex-encoded SHA-1 of "<dir-basename>/<filename>".
func DiscoverPipelines(fs afero.Fs, root, genericDir, platform string) (map[string]Pipeline, error) {
	out := make(map[string]Pipeline)

	if err := scanPipelineDir(fs, root, genericDir, out); err != nil {
		return nil, err
	}
	if platform != "" {
		if exists, _ := afero.DirExists(fs, filepath.Join(root, platform)); exists {
			if err := scanPipelineDir(fs, root, platform, out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func scanPipelineDir(fs afero.Fs, root, dir string, out map[string]Pipeline) error {
	full := filepath.Join(root, dir)
	entries, err := afero.ReadDir(fs, full)
	if err != nil {
		return errors.Wrapf(err, "read pipeline dir %s", full)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rel := dir + "/" + entry.Name()
		sum := sha1.Sum([]byte(rel))
		id := hex.EncodeToString(sum[:])
		out[id] = Pipeline{ID: id, Name: entry.Name(), Path: filepath.Join(full, entry.Name())}
	}
	return nil
}

// Names returns the id->name mapping broadcast in the "pipelines" frame.
func Names(pipelines map[string]Pipeline) map[string]string {
	out := make(map[string]string, len(pipelines))
	for id, p := range pipelines {
		out[id] = p.Name
	}
	return out
}

// sortedIDs is a small helper kept for deterministic test assertions.
func sortedIDs(pipelines map[string]Pipeline) []string {
	ids := make([]string, 0, len(pipelines))
	for id := range pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
