package dict

import (
	"fmt"
	"strconv"
	"strings"
)

const unknown = "Unknown"

// Entry is one row of the DTC description table.
type Entry struct {
	Code        string
	Field       string
	Description string
}

// Store holds the optional lookup tables. A nil *Store is valid and knows
// nothing.
type Store struct {
	dtc  map[string]Entry
	ecus map[uint32]string
}

// JSONFile is the structured form of the tables, accepted as JSON or YAML.
type JSONFile struct {
	DTCs []JSONDTCEntry    `json:"dtcs" yaml:"dtcs"`
	ECUs map[string]string `json:"ecus" yaml:"ecus"`
}

type JSONDTCEntry struct {
	Code        string `json:"code" yaml:"code"`
	Field       string `json:"field,omitempty" yaml:"field,omitempty"`
	Description string `json:"description" yaml:"description"`
}

func newStore() *Store {
	return &Store{dtc: make(map[string]Entry), ecus: make(map[uint32]string)}
}

func FromJSON(file JSONFile) (*Store, error) {
	store := newStore()
	for i, entry := range file.DTCs {
		code := normalizeCode(entry.Code)
		if code == "" {
			return nil, fmt.Errorf("dtcs[%d]: empty code", i)
		}
		if _, exists := store.dtc[code]; exists {
			return nil, fmt.Errorf("dtcs[%d]: duplicate code %s", i, code)
		}
		store.dtc[code] = Entry{
			Code:        code,
			Field:       strings.TrimSpace(entry.Field),
			Description: strings.TrimSpace(entry.Description),
		}
	}
	for key, name := range file.ECUs {
		id, err := ParseCANID(key)
		if err != nil {
			return nil, fmt.Errorf("ecus[%s]: %w", key, err)
		}
		store.ecus[id] = strings.TrimSpace(name)
	}
	return store, nil
}

// Describe returns the description for code, or "Unknown".
func (s *Store) Describe(code string) string {
	if e, ok := s.Lookup(code); ok && e.Description != "" {
		return e.Description
	}
	return unknown
}

func (s *Store) Lookup(code string) (Entry, bool) {
	if s == nil {
		return Entry{}, false
	}
	e, ok := s.dtc[normalizeCode(code)]
	return e, ok
}

// ECUNames returns a copy of the identifier to name overrides.
func (s *Store) ECUNames() map[uint32]string {
	if s == nil {
		return nil
	}
	out := make(map[uint32]string, len(s.ecus))
	for k, v := range s.ecus {
		out[k] = v
	}
	return out
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.dtc)
}

func (s *Store) IsEmpty() bool {
	if s == nil {
		return true
	}
	return len(s.dtc) == 0 && len(s.ecus) == 0
}

// Merge copies the entries of other into s; entries already in s win.
func (s *Store) Merge(other *Store) *Store {
	if other == nil {
		return s
	}
	if s == nil {
		s = newStore()
	}
	for k, v := range other.dtc {
		if _, ok := s.dtc[k]; !ok {
			s.dtc[k] = v
		}
	}
	for k, v := range other.ecus {
		if _, ok := s.ecus[k]; !ok {
			s.ecus[k] = v
		}
	}
	return s
}

// ParseCANID accepts "0x7E8", "7E8" or "7E8h".
func ParseCANID(s string) (uint32, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
	t = strings.TrimSuffix(strings.TrimSuffix(t, "h"), "H")
	v, err := strconv.ParseUint(t, 16, 32)
	if err != nil || v > 0x1FFFFFFF {
		return 0, fmt.Errorf("invalid CAN identifier %q", s)
	}
	return uint32(v), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
