package dict

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDescriptions(t *testing.T) {
	path := writeFile(t, "dtc.txt", strings.Join([]string{
		"# code field description",
		"P0103 ECM Mass or Volume Air Flow Circuit High Input",
		"p0135   O2   O2 Sensor Heater Circuit (Bank 1 Sensor 1)",
		"P0103 ECM duplicate is ignored",
		"U0100 short",
		"",
	}, "\n"))
	store, err := LoadDescriptions(path)
	if err != nil {
		t.Fatalf("LoadDescriptions: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", store.Len())
	}
	if got := store.Describe("P0103"); got != "Mass or Volume Air Flow Circuit High Input" {
		t.Fatalf("P0103 = %q", got)
	}
	if got := store.Describe("P0135"); got != "O2 Sensor Heater Circuit (Bank 1 Sensor 1)" {
		t.Fatalf("P0135 = %q", got)
	}
	if got := store.Describe("U0100"); got != "Unknown" {
		t.Fatalf("U0100 = %q", got)
	}
	if e, ok := store.Lookup("p0103"); !ok || e.Field != "ECM" {
		t.Fatalf("lookup = %+v %v", e, ok)
	}
}

func TestNilStore(t *testing.T) {
	var s *Store
	if s.Describe("P0103") != "Unknown" || !s.IsEmpty() || s.Len() != 0 || s.ECUNames() != nil {
		t.Fatalf("nil store should know nothing")
	}
}

func TestLoadOptional(t *testing.T) {
	store, err := LoadOptional("")
	if err != nil || store != nil {
		t.Fatalf("empty path = %v, %v", store, err)
	}
	store, err = LoadOptional(filepath.Join(t.TempDir(), "missing.txt"))
	if err != nil || store != nil {
		t.Fatalf("missing file = %v, %v", store, err)
	}
	if _, err := LoadOptional(t.TempDir()); err == nil {
		t.Fatalf("expected an error for a directory")
	}
	path := writeFile(t, "dtc.txt", "C0035 ABS Left Front Wheel Speed Sensor Circuit\n")
	store, err = LoadOptional(path)
	if err != nil || store.Describe("C0035") != "Left Front Wheel Speed Sensor Circuit" {
		t.Fatalf("LoadOptional = %v, %v", store, err)
	}
}

func TestLoadStructured(t *testing.T) {
	yamlPath := writeFile(t, "tables.yaml", `
dtcs:
  - code: b1000
    description: ECU defective
ecus:
  "0x7E8": Engine ECU
  7EB: Body
`)
	store, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if store.Describe("B1000") != "ECU defective" {
		t.Fatalf("yaml description missing")
	}
	names := store.ECUNames()
	if names[0x7E8] != "Engine ECU" || names[0x7EB] != "Body" {
		t.Fatalf("unexpected names %v", names)
	}

	jsonPath := writeFile(t, "tables.json", `{"dtcs":[{"code":"P0001","description":"Fuel volume regulator"}]}`)
	store, err = Load(jsonPath)
	if err != nil || store.Describe("P0001") != "Fuel volume regulator" {
		t.Fatalf("Load json = %v, %v", store, err)
	}

	dup := writeFile(t, "dup.json", `{"dtcs":[{"code":"P0001"},{"code":"p0001"}]}`)
	if _, err := Load(dup); err == nil {
		t.Fatalf("expected duplicate error")
	}
	bad := writeFile(t, "bad.yaml", "ecus:\n  zz: nope\n")
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected invalid identifier error")
	}
}

func TestLoadECUNames(t *testing.T) {
	names, err := LoadECUNames("")
	if err != nil || names != nil {
		t.Fatalf("empty path = %v, %v", names, err)
	}
	path := writeFile(t, "ecus.yml", "ecus:\n  \"0x7E9\": Gearbox\n")
	names, err = LoadECUNames(path)
	if err != nil || names[0x7E9] != "Gearbox" {
		t.Fatalf("LoadECUNames = %v, %v", names, err)
	}
}

func TestMerge(t *testing.T) {
	a, _ := ReadDescriptions(strings.NewReader("P0001 x first\n"))
	b, _ := ReadDescriptions(strings.NewReader("P0001 x second\nP0002 x other\n"))
	merged := a.Merge(b)
	if merged.Describe("P0001") != "first" || merged.Describe("P0002") != "other" {
		t.Fatalf("unexpected merge result")
	}
	var empty *Store
	if empty.Merge(b).Len() != 2 {
		t.Fatalf("merge into nil store failed")
	}
}
