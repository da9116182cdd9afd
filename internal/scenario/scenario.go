package scenario

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("scenario path escapes the scenario root")

// Scenario is a resolved SUMO scenario: the configuration file plus the
// network and route files it references, all confined to the loader's
// root directory.
type Scenario struct {
	Name       string
	Dir        string
	ConfigPath string
	NetFile    string
	RouteFiles []string
}

type Loader struct {
	root string
}

func NewLoader(root string) (*Loader, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve scenario root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat scenario root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scenario root %s is not a directory", absRoot)
	}
	return &Loader{root: absRoot}, nil
}

type configFile struct {
	XMLName xml.Name `xml:"configuration"`
	Input   struct {
		NetFile struct {
			Value string `xml:"value,attr"`
		} `xml:"net-file"`
		RouteFiles struct {
			Value string `xml:"value,attr"`
		} `xml:"route-files"`
	} `xml:"input"`
}

// Load reads a .sumocfg relative to the root and verifies the files it
// references stay inside the root as well.
func (l *Loader) Load(relPath string) (Scenario, error) {
	configPath, err := l.resolve(relPath)
	if err != nil {
		return Scenario{}, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario config: %w", err)
	}
	var cfg configFile
	if err := xml.Unmarshal(data, &cfg); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario config: %w", err)
	}
	if cfg.Input.NetFile.Value == "" {
		return Scenario{}, fmt.Errorf("scenario %s has no net-file", relPath)
	}

	dir := filepath.Dir(configPath)
	netFile, err := l.resolveWithin(dir, cfg.Input.NetFile.Value)
	if err != nil {
		return Scenario{}, err
	}
	if _, err := os.Stat(netFile); err != nil {
		return Scenario{}, fmt.Errorf("stat net file: %w", err)
	}

	var routes []string
	for _, part := range strings.Split(cfg.Input.RouteFiles.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		route, err := l.resolveWithin(dir, part)
		if err != nil {
			return Scenario{}, err
		}
		if _, err := os.Stat(route); err != nil {
			return Scenario{}, fmt.Errorf("stat route file: %w", err)
		}
		routes = append(routes, route)
	}

	name := strings.TrimSuffix(filepath.Base(configPath), filepath.Ext(configPath))
	return Scenario{
		Name:       name,
		Dir:        dir,
		ConfigPath: configPath,
		NetFile:    netFile,
		RouteFiles: routes,
	}, nil
}

// TripInfoPath is where the simulator should drop per-vehicle trip
// statistics for one run. Keeping it keyed by run id lets concurrent
// runs share a scenario directory.
func (s Scenario) TripInfoPath(outDir, runID string) string {
	if outDir == "" {
		outDir = s.Dir
	}
	return filepath.Join(outDir, fmt.Sprintf("tripinfo-%s.xml", runID))
}

func (l *Loader) resolve(relPath string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "" || normalized == "." {
		return "", fmt.Errorf("invalid scenario path %q", relPath)
	}
	if filepath.IsAbs(normalized) {
		rel, err := filepath.Rel(l.root, filepath.Clean(normalized))
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("%w: %q", ErrOutsideRoot, relPath)
		}
		return filepath.Clean(normalized), nil
	}
	return l.resolveWithin(l.root, normalized)
}

func (l *Loader) resolveWithin(base, p string) (string, error) {
	abs := filepath.Clean(filepath.Join(base, filepath.FromSlash(p)))
	rel, err := filepath.Rel(l.root, abs)
	if err != nil {
		return "", fmt.Errorf("resolve scenario path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	return abs, nil
}
