package httptransport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vertextoedge/fetchd/internal/domain"
)

// resumeToken is the opaque token stored in DownloadRecord.ResumeToken.
// HTTP has no native paused session, so the token pins the entity version
// with its validators; If-Range makes the server fall back to a full 200
// instead of sending bytes from a different version.
type resumeToken struct {
	Offset       int64  `json:"offset"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

func (t resumeToken) encode() ([]byte, error) {
	return json.Marshal(t)
}

func decodeToken(data []byte) (resumeToken, error) {
	var t resumeToken
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	return t, nil
}

// ifRangeValidator returns the strongest validator usable in If-Range.
// Weak ETags are not allowed there.
func (t resumeToken) ifRangeValidator() string {
	if t.ETag != "" && !strings.HasPrefix(t.ETag, "W/") {
		return t.ETag
	}
	return t.LastModified
}

func (t resumeToken) matches(etag, lastModified string) bool {
	if t.ETag != "" {
		return t.ETag == etag
	}
	return t.LastModified != "" && t.LastModified == lastModified
}
