package rtp

import (
	"github.com/opennetcam/vchannel/internal/appstats"
	"github.com/pion/rtcp"
)

const maxSources = 3

// source is the loss accounting of one SSRC. Interval counters are
// cleared by every receiver report, totals live for the session.
type source struct {
	ssrc          uint32
	started       bool
	synced        bool
	lastSeq       uint16
	lastTimestamp uint32
	payload       uint8

	expected    uint32
	lost        uint32
	badSequence uint16

	totalExpected uint32
	totalLost     uint32
	packets       uint64
}

// sources holds up to three SSRC slots claimed in arrival order.
type sources [maxSources]source

func (s *sources) lookup(ssrc uint32) *source {
	for i := range s {
		if s[i].started && s[i].ssrc == ssrc {
			return &s[i]
		}
	}
	for i := range s {
		if !s[i].started {
			s[i] = source{ssrc: ssrc, started: true}
			return &s[i]
		}
	}
	return nil
}

// track applies the sequence check to one packet. It reports whether the
// packet is in order and how many packets went missing before it. The
// first packet of a source only sets the baseline.
func (s *sources) track(ssrc uint32, seq uint16, ts uint32, payload uint8, valid bool) (bool, int) {
	src := s.lookup(ssrc)
	if src == nil {
		return valid, 0
	}

	src.lastTimestamp = ts
	src.payload = payload

	if !src.synced && valid {
		src.synced = true
		src.lastSeq = seq
		src.packets++
		return true, 0
	}

	// serial number arithmetic, a forward step of less than half the
	// sequence space is in order
	diff := int32(seq - src.lastSeq)
	if !valid || diff == 0 || diff >= 1<<15 {
		if src.badSequence < 0xFFFF {
			src.badSequence++
		}
		return false, 0
	}

	src.lastSeq = seq
	src.packets++
	src.expected += uint32(diff)
	src.totalExpected += uint32(diff)

	lost := 0
	if diff > 1 {
		lost = int(diff - 1)
		src.lost += uint32(lost)
		src.totalLost += uint32(lost)
	}
	return true, lost
}

func fractionLost(lost, expected uint32) uint8 {
	if expected == 0 {
		return 0
	}
	f := 256 * uint64(lost) / uint64(expected)
	if f > 255 {
		f = 255
	}
	return uint8(f)
}

// reports builds one reception report per active source and starts a new
// interval.
func (s *sources) reports() []rtcp.ReceptionReport {
	var out []rtcp.ReceptionReport
	for i := range s {
		src := &s[i]
		if !src.started {
			continue
		}
		out = append(out, rtcp.ReceptionReport{
			SSRC:               src.ssrc,
			FractionLost:       fractionLost(src.lost, src.expected),
			TotalLost:          src.lost & 0xFFFFFF,
			LastSequenceNumber: uint32(src.lastSeq),
		})
		src.lost = 0
		src.expected = 0
	}
	return out
}

func (s *sources) stats() []*appstats.StreamStats {
	var out []*appstats.StreamStats
	for i := range s {
		src := &s[i]
		if !src.started {
			continue
		}
		out = append(out, &appstats.StreamStats{
			SSRC:           src.ssrc,
			Expected:       src.totalExpected,
			Lost:           src.totalLost,
			BadSequence:    src.badSequence,
			LastSequence:   src.lastSeq,
			LastTimestamp:  src.lastTimestamp,
			FractionLost:   fractionLost(src.totalLost, src.totalExpected),
			PacketsWritten: src.packets,
		})
	}
	return out
}
