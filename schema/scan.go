package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// FileSchema is one schema file found on disk.
type FileSchema struct {
	// Name of the schema, the filename with the version suffix stripped.
	Name string `json:"name"`

	// Version parsed from the filename. Upload order follows versions;
	// the registry still assigns the stored version itself.
	Version int `json:"version"`

	// Body is the raw schema document.
	Body json.RawMessage `json:"body"`
}

// DirSchemas groups the schema files of a component directory by type.
// It doubles as the payload of the schema upload endpoint.
type DirSchemas struct {
	Endpoints []FileSchema `json:"endpoints,omitempty"`
	Resources []FileSchema `json:"resources,omitempty"`
	Claims    []FileSchema `json:"claims,omitempty"`
}

// Empty reports whether no schema files were found.
func (d *DirSchemas) Empty() bool {
	return len(d.Endpoints) == 0 && len(d.Resources) == 0 && len(d.Claims) == 0
}

// fileName matches <name>.v<version>.json schema files.
var fileName = regexp.MustCompile(`^(.+)\.v(\d+)\.json$`)

// ScanDir collects a component's schema files from root, laid out as
// root/{endpoints,resources,claims}/<name>.v<N>.json. Missing
// subdirectories are skipped; files not matching the naming pattern are
// ignored.
func ScanDir(root string) (*DirSchemas, error) {
	out := &DirSchemas{}
	for subdir, dst := range map[string]*[]FileSchema{
		"endpoints": &out.Endpoints,
		"resources": &out.Resources,
		"claims":    &out.Claims,
	} {
		files, err := scanSubdir(filepath.Join(root, subdir))
		if err != nil {
			return nil, err
		}
		*dst = files
	}
	return out, nil
}

func scanSubdir(dir string) ([]FileSchema, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	var out []FileSchema
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := fileName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[2])
		if err != nil || version < 1 {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema file: %w", err)
		}
		if !json.Valid(body) {
			return nil, fmt.Errorf("schema file %s is not valid JSON", entry.Name())
		}
		out = append(out, FileSchema{Name: m[1], Version: version, Body: body})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
