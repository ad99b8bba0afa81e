package mapping

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"fightlink/telemetry"
)

// CacheVersion is the schema version written to the cache file.
const CacheVersion = "1.0"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type cacheStatus struct {
	Base     map[telemetry.StatusID]string                         `json:"base"`
	Specific map[telemetry.FighterID]map[telemetry.StatusID]string `json:"specific"`
}

type cacheFile struct {
	Version        string                           `json:"version"`
	Checksum       uint32                           `json:"checksum"`
	FighterKinds   map[telemetry.FighterID]string   `json:"fighterKinds"`
	StatusKinds    cacheStatus                      `json:"fighterStatusKinds"`
	StageKinds     map[telemetry.StageID]string     `json:"stageKinds"`
	HitStatusKinds map[telemetry.HitStatusID]string `json:"hitStatusKinds"`
}

// Load reads a cached table. A missing file returns an error satisfying
// errors.Is(err, fs.ErrNotExist) so callers can fall back to a fresh fetch.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mapping: read cache: %w", err)
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("mapping: parse cache %s: %w", path, err)
	}
	if cf.Version != CacheVersion {
		return nil, fmt.Errorf("mapping: unsupported cache version %q in %s", cf.Version, path)
	}
	t := New(cf.Checksum)
	for id, name := range cf.FighterKinds {
		t.AddFighter(id, name)
	}
	for id, name := range cf.StatusKinds.Base {
		t.AddBaseStatus(id, name)
	}
	for fighter, m := range cf.StatusKinds.Specific {
		for id, name := range m {
			t.AddSpecificStatus(fighter, id, name)
		}
	}
	for id, name := range cf.StageKinds {
		t.AddStage(id, name)
	}
	for id, name := range cf.HitStatusKinds {
		t.AddHitStatus(id, name)
	}
	return t, nil
}

// Save writes the table to path, replacing any previous cache atomically.
func Save(path string, t *Table) error {
	if t == nil {
		return fmt.Errorf("mapping: nil table")
	}
	cf := cacheFile{
		Version:        CacheVersion,
		Checksum:       t.checksum,
		FighterKinds:   t.fighters,
		StatusKinds:    cacheStatus{Base: t.baseStatus, Specific: t.specificStatus},
		StageKinds:     t.stages,
		HitStatusKinds: t.hitStatus,
	}
	data, err := json.MarshalIndent(&cf, "", "  ")
	if err != nil {
		return fmt.Errorf("mapping: encode cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mapping: ensure dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("mapping: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("mapping: write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("mapping: close cache: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("mapping: replace cache: %w", err)
	}
	return nil
}
