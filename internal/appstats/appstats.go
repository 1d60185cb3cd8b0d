package appstats

// StreamStats is the loss accounting of one RTP source between two
// receiver reports.
type StreamStats struct {
	SSRC           uint32 `json:"ssrc"`
	Expected       uint32 `json:"expected"`
	Lost           uint32 `json:"lost"`
	BadSequence    uint16 `json:"badSequence"`
	LastSequence   uint16 `json:"lastSequence"`
	LastTimestamp  uint32 `json:"lastTimestamp"`
	FractionLost   uint8  `json:"fractionLost"`
	PacketsWritten uint64 `json:"packetsWritten,omitempty"`
}

// SegmentStats describes one recorded file.
type SegmentStats struct {
	Device      string         `json:"device"`
	Path        string         `json:"path"`
	Format      string         `json:"format"`
	Tag         string         `json:"tag"`
	StartTime   int64          `json:"startTime"`
	EndTime     int64          `json:"endTime"`
	VideoFrames int            `json:"videoFrames"`
	AudioChunks int            `json:"audioChunks"`
	Bytes       int64          `json:"bytes"`
	Streams     []*StreamStats `json:"streams,omitempty"`
}

// DurationSeconds is the wall clock length of the segment.
func (s *SegmentStats) DurationSeconds() float64 {
	if s.EndTime <= s.StartTime {
		return 0
	}
	return float64(s.EndTime-s.StartTime) / 1000
}
