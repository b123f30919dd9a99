// Package detect classifies live stream sources as HLS or MPEG-TS.
//
// Detect looks only at the URL shape and never performs I/O. Sniff is a
// separate helper for callers that already hold the first bytes of a
// response body.
package detect

import (
	"bytes"
	"context"
	"strings"

	"github.com/asticode/go-astits"
	"github.com/grafana/regexp"
)

// Format is the container format of a stream.
type Format int

const (
	MPEGTS Format = iota
	HLS
	// Unknown is only returned by Sniff.
	Unknown
)

func (f Format) String() string {
	switch f {
	case HLS:
		return "hls"
	case MPEGTS:
		return "mpegts"
	default:
		return "unknown"
	}
}

// tsQueryMarker matches query parameters that ask an IPTV panel for a
// transport stream, e.g. "?extension=ts", "&output=ts", "&type=mpegts".
var tsQueryMarker = regexp.MustCompile(`(?i)[?&](extension|ext|output|format|container|type)=(ts|mpegts|mpeg-ts)(&|$)`)

// Detect classifies rawURL. URLs carrying an HLS playlist marker are HLS;
// everything else, including URLs with no recognisable marker, is MPEG-TS.
func Detect(rawURL string) Format {
	lower := strings.ToLower(rawURL)

	if strings.Contains(lower, "m3u8") {
		return HLS
	}

	return MPEGTS
}

// IsTransportStreamURL reports whether rawURL carries an explicit MPEG-TS
// marker, either a ".ts" path or a TS query parameter. Detect defaults to
// MPEG-TS regardless; this is for callers that need to tell an explicit
// marker apart from the fallback.
func IsTransportStreamURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if strings.Contains(lower, ".ts") {
		return true
	}
	return tsQueryMarker.MatchString(lower)
}

const (
	tsPacketSize = 188
	tsSyncByte   = 0x47
)

var playlistTag = []byte("#EXTM3U")

// Sniff classifies a response body prefix. A playlist header means HLS; a
// valid transport stream packet at offset zero means MPEG-TS. Anything else
// is Unknown.
func Sniff(prefix []byte) Format {
	trimmed := bytes.TrimLeft(prefix, "\xef\xbb\xbf \t\r\n")
	if bytes.HasPrefix(trimmed, playlistTag) {
		return HLS
	}

	if len(prefix) < tsPacketSize || prefix[0] != tsSyncByte {
		return Unknown
	}

	// a second sync byte one packet later rules out a stray 0x47
	if len(prefix) > tsPacketSize && prefix[tsPacketSize] != tsSyncByte {
		return Unknown
	}

	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(prefix), astits.DemuxerOptPacketSize(tsPacketSize))
	if _, err := dmx.NextPacket(); err != nil {
		return Unknown
	}

	return MPEGTS
}
