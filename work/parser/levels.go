package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"

	"streamguard/work/utils"
)

// Quality tiers the UI can request. TierAuto leaves the choice to the
// adapter's own ABR.
const (
	TierAuto   = "auto"
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// ErrNotPlaylist is returned for bodies without an #EXTM3U header.
var ErrNotPlaylist = errors.New("body is not an m3u8 playlist")

// QualityLevel is one variant of an HLS master playlist.
type QualityLevel struct {
	Index        int    `json:"index"`        // Position in the source playlist; the demuxer's level index
	ID           string `json:"id"`           // Stable identifier, "quality_<bandwidth>"
	Label        string `json:"label"`        // Display label, e.g. "HD 720p"
	BandwidthBps int    `json:"bandwidthBps"` // Peak bandwidth in bits per second
	Resolution   string `json:"resolution"`   // "WIDTHxHEIGHT", may be empty
	Height       int    `json:"height"`       // Parsed height, 0 when unknown
	Codecs       string `json:"codecs"`
	URI          string `json:"uri"` // Absolute variant playlist URL
}

// LabelFor returns the display label of a variant.
func LabelFor(height, bandwidthBps int) string {
	switch {
	case height >= 1080:
		return "FHD 1080p"
	case height >= 720:
		return "HD 720p"
	case height >= 480:
		return "SD 480p"
	case height >= 360:
		return "SD 360p"
	default:
		return fmt.Sprintf("%.1f Mbps", float64(bandwidthBps)/1_000_000)
	}
}

// NewQualityLevel builds a labelled level from raw variant attributes.
func NewQualityLevel(index, bandwidthBps int, resolution, codecs, uri string) QualityLevel {
	height := heightOf(resolution)
	return QualityLevel{
		Index:        index,
		ID:           fmt.Sprintf("quality_%d", bandwidthBps),
		Label:        LabelFor(height, bandwidthBps),
		BandwidthBps: bandwidthBps,
		Resolution:   resolution,
		Height:       height,
		Codecs:       codecs,
		URI:          uri,
	}
}

func heightOf(resolution string) int {
	_, h, ok := strings.Cut(strings.ToLower(resolution), "x")
	if !ok {
		return 0
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0
	}
	return height
}

// SortByBandwidth orders levels from highest to lowest bandwidth, in place.
func SortByBandwidth(levels []QualityLevel) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].BandwidthBps > levels[j].BandwidthBps
	})
}

// ParseQualityLevels decodes a playlist and returns its variants ordered by
// bandwidth descending. A media playlist yields no levels and isMaster=false.
func ParseQualityLevels(r io.Reader, manifestURL string) (levels []QualityLevel, isMaster bool, err error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read playlist: %w", err)
	}
	if !bytes.Contains(data, []byte("#EXTM3U")) {
		return nil, false, ErrNotPlaylist
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode playlist: %w", err)
	}

	if listType != m3u8.MASTER {
		return nil, false, nil
	}

	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, false, fmt.Errorf("unexpected playlist type %T", playlist)
	}

	base := utils.BaseOf(manifestURL)
	for i, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		levels = append(levels, NewQualityLevel(i, int(v.Bandwidth), v.Resolution, v.Codecs, utils.ResolveReference(base, v.URI)))
	}

	SortByBandwidth(levels)
	return levels, true, nil
}

// Recommend picks the best level whose bandwidth fits in 80% of the
// measured bandwidth, or the lowest level when none fits. levels must be
// ordered by bandwidth descending. Returns -1 for an empty slice.
func Recommend(levels []QualityLevel, measuredBps int) int {
	if len(levels) == 0 {
		return -1
	}
	budget := float64(measuredBps) * 0.8
	for i, l := range levels {
		if float64(l.BandwidthBps) <= budget {
			return i
		}
	}
	return len(levels) - 1
}

// SelectTier maps a UI tier onto a position in a bandwidth-descending level
// list: high is the first, low the last, medium the middle. auto and unknown
// tiers return -1.
func SelectTier(levels []QualityLevel, tier string) int {
	if len(levels) == 0 {
		return -1
	}
	switch tier {
	case TierHigh:
		return 0
	case TierLow:
		return len(levels) - 1
	case TierMedium:
		return len(levels) / 2
	default:
		return -1
	}
}
