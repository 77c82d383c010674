package dict

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a table file. JSON and YAML files use the JSONFile layout;
// anything else is read as a plain description table.
func Load(path string) (*Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var file JSONFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return FromJSON(file)
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var file JSONFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return FromJSON(file)
	default:
		return LoadDescriptions(path)
	}
}

// LoadDescriptions reads "<code> <ignored> <description>" records, one per
// line. Blank lines, comments and lines with fewer than three fields are
// skipped; the first record for a code wins.
func LoadDescriptions(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadDescriptions(f)
}

func ReadDescriptions(r io.Reader) (*Store, error) {
	store := newStore()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		code := normalizeCode(fields[0])
		if _, exists := store.dtc[code]; exists {
			continue
		}
		store.dtc[code] = Entry{
			Code:        code,
			Field:       fields[1],
			Description: strings.Join(fields[2:], " "),
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return store, nil
}

// LoadOptional loads path when it names an existing file. An empty path or
// a missing file yields a nil store and no error.
func LoadOptional(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("table path %s is a directory", path)
	}
	return Load(path)
}

// LoadECUNames reads a YAML or JSON file with an "ecus" mapping of CAN
// identifiers to names.
func LoadECUNames(path string) (map[uint32]string, error) {
	store, err := LoadOptional(path)
	if err != nil {
		return nil, err
	}
	return store.ECUNames(), nil
}
