package peer

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// Classify attributes a remote track. The explicit screen share signal wins;
// without it a "screen" hint in the track or stream id is used.
func Classify(kind webrtc.RTPCodecType, trackID, streamID string, sharing bool) RemoteSlot {
	if kind == webrtc.RTPCodecTypeAudio {
		return RemoteAudio
	}
	if sharing || hasScreenHint(trackID) || hasScreenHint(streamID) {
		return RemoteScreen
	}
	return RemoteCamera
}

func hasScreenHint(id string) bool {
	return strings.Contains(strings.ToLower(id), "screen")
}
