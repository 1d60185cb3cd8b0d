package appstats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

type StatsFileOutput struct {
	Segment        *SegmentStats `json:"segment"`
	StatsTimestamp int64         `json:"statsTimestamp"`
}

// StatsFileWriter stores a JSON sidecar next to every recorded segment.
type StatsFileWriter struct {
	fileMode os.FileMode
}

func NewStatsFileWriter(fileMode os.FileMode) *StatsFileWriter {
	return &StatsFileWriter{
		fileMode: fileMode,
	}
}

// StatsPath maps AV.1.1700000000.180.M.avi to AV.1.1700000000.180.M-stats.json.
func StatsPath(mediaPath string) string {
	return strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + "-stats.json"
}

func (w *StatsFileWriter) WriteStats(stats *SegmentStats) error {
	out := &StatsFileOutput{
		Segment:        stats,
		StatsTimestamp: time.Now().Unix(),
	}
	statsFilePath := StatsPath(stats.Path)

	jsonData, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("JSON marshalling failed: %w", err)
	}

	if err := os.WriteFile(statsFilePath, jsonData, w.fileMode); err != nil {
		return fmt.Errorf("failed to write stats file: %w", err)
	}

	log.WithField("path", statsFilePath).
		WithField("stats", string(jsonData)).
		Tracef("wrote segment stats to file")

	return nil
}
