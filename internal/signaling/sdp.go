package signaling

import (
	"bytes"
	"encoding/json"

	"github.com/pion/sdp/v3"
)

// mediaKinds lists the media sections ("audio", "video") of an offer. The
// payload may be a {"type","sdp"} object, a JSON string or raw SDP. Anything
// unparsable yields nil.
func mediaKinds(payload json.RawMessage) []string {
	raw := sdpText(payload)
	if raw == "" {
		return nil
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil
	}

	var kinds []string
	seen := make(map[string]bool)
	for _, md := range desc.MediaDescriptions {
		kind := md.MediaName.Media
		if kind == "" || seen[kind] {
			continue
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}
	return kinds
}

func sdpText(payload json.RawMessage) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}

	switch trimmed[0] {
	case '{':
		var desc struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(trimmed, &desc); err != nil {
			return ""
		}
		return desc.SDP
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return ""
		}
		return s
	}
	if bytes.HasPrefix(trimmed, []byte("v=")) {
		return string(trimmed)
	}
	return ""
}
