package calibrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"phi-redactor/internal/redactionerr"
)

// exportFile is the on-disk schema: metadata envelope plus the method-
// specific parameters, matching spec 6's calibration file contract.
type exportFile struct {
	Metadata exportMetadata `json:"metadata"`
	Parameters *Parameters  `json:"parameters"`
}

type exportMetadata struct {
	Version         string     `json:"version"`
	FittedAt        time.Time  `json:"fittedAt"`
	DataPointCount  int        `json:"dataPointCount"`
	PreferredMethod Method     `json:"preferredMethod"`
	Metrics         *Metrics   `json:"metrics"`
	SourceFiles     []string   `json:"sourceFiles"`
}

// Export marshals the calibrator's current parameters into the schema-
// versioned JSON contract. dataPointCount and metrics describe the fit that
// produced the active parameters; pass a nil metrics when none were
// computed.
func (c *Calibrator) Export(dataPointCount int, metrics *Metrics, sourceFiles []string, fittedAt time.Time) ([]byte, error) {
	params := c.params.Load()
	file := exportFile{
		Metadata: exportMetadata{
			Version:         schemaVersion,
			FittedAt:        fittedAt,
			DataPointCount:  dataPointCount,
			PreferredMethod: c.method,
			Metrics:         metrics,
			SourceFiles:     sourceFiles,
		},
		Parameters: params,
	}
	return json.MarshalIndent(file, "", "  ")
}

// Import loads parameters from previously-exported JSON. A major schema
// version mismatch is rejected; minor/patch differences are accepted.
func (c *Calibrator) Import(data []byte) error {
	var file exportFile
	if err := json.Unmarshal(data, &file); err != nil {
		return redactionerr.NewCalibrationError("parse calibration file: %v", err)
	}
	if file.Parameters == nil {
		return redactionerr.NewCalibrationError("calibration file has no parameters")
	}
	if majorVersion(file.Metadata.Version) != majorVersion(schemaVersion) {
		return redactionerr.NewCalibrationError(
			"calibration schema version %q incompatible with %q", file.Metadata.Version, schemaVersion)
	}
	c.method = file.Parameters.Method
	c.params.Store(file.Parameters)
	return nil
}

func majorVersion(v string) string {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) == 0 {
		return v
	}
	return parts[0]
}

// IsStale reports whether fittedAt is older than maxAge (default 7 days
// per spec).
func IsStale(fittedAt time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return time.Since(fittedAt) > maxAge
}

// SaveToFile writes the calibrator's exported state to path using an
// atomic temp-file-then-rename, keeping a timestamped backup of whatever
// file previously occupied path. The backup step is best-effort: failure
// to back up does not block the write.
func (c *Calibrator) SaveToFile(path string, dataPointCount int, metrics *Metrics, sourceFiles []string, fittedAt time.Time) error {
	data, err := c.Export(dataPointCount, metrics, sourceFiles, fittedAt)
	if err != nil {
		return redactionerr.NewCalibrationError("export: %v", err)
	}

	backupExisting(path, fittedAt)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".calibration-*.tmp")
	if err != nil {
		return redactionerr.NewCalibrationError("create temp file: %v", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpName)
		return redactionerr.NewCalibrationError("write temp file: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return redactionerr.NewCalibrationError("close temp file: %v", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return redactionerr.NewCalibrationError("rename temp file: %v", err)
	}
	return nil
}

// backupExisting copies an existing calibration file aside as
// calibration-backup-<timestamp>.json before it is overwritten.
func backupExisting(path string, at time.Time) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // nothing to back up
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	backupName := fmt.Sprintf("%s-backup-%d.json", base, at.Unix())
	_ = os.WriteFile(filepath.Join(dir, backupName), data, 0o644) //nolint:errcheck // best-effort backup
}

// LoadFromFile reads and imports a calibration file written by SaveToFile.
func (c *Calibrator) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return redactionerr.NewCalibrationError("read %s: %v", path, err)
	}
	return c.Import(data)
}
