package scenario

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
)

//go:embed catalog/*.yaml
var builtinFS embed.FS

// LibraryFile is the name of the shared definitions file inside a catalog directory.
const LibraryFile = "common.yaml"

// Catalog is a named set of scenarios sharing one library.
type Catalog struct {
	lib       *Library
	scenarios map[string]*Scenario
}

// Builtin loads the scenarios shipped with the binary.
func Builtin() (*Catalog, error) {
	return LoadCatalog(builtinFS, "catalog")
}

// LoadCatalog reads dir/common.yaml (optional) and every other *.yaml in dir.
func LoadCatalog(fsys fs.FS, dir string) (*Catalog, error) {
	c := &Catalog{scenarios: make(map[string]*Scenario)}

	data, err := fs.ReadFile(fsys, path.Join(dir, LibraryFile))
	switch {
	case err == nil:
		if c.lib, err = ParseLibrary(data); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read library: %w", err)
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == LibraryFile || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		s, err := Parse(data, c.lib)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := c.scenarios[s.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate scenario name %q", name, s.Name)
		}
		c.scenarios[s.Name] = s
	}
	return c, nil
}

// Library returns the shared definitions, possibly nil.
func (c *Catalog) Library() *Library {
	return c.lib
}

// Names lists scenario names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.scenarios))
	for name := range c.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get looks a scenario up by name.
func (c *Catalog) Get(name string) (*Scenario, bool) {
	s, ok := c.scenarios[name]
	return s, ok
}

// Resolve returns the catalog scenario called ref, or parses ref as a YAML
// file path using the catalog library for targets and flows.
func (c *Catalog) Resolve(ref string) (*Scenario, error) {
	if s, ok := c.scenarios[ref]; ok {
		return s, nil
	}
	for _, name := range c.Names() {
		if strings.EqualFold(name, ref) {
			return c.scenarios[name], nil
		}
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("unknown scenario %q (not in catalog and no such file)", ref)
		}
		return nil, err
	}
	return Parse(data, c.lib)
}
