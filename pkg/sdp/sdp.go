// Package sdp extracts session descriptions from DESCRIBE responses.
package sdp

import (
	"errors"
	"fmt"
	"strings"

	"rtspkit/pkg/base"

	psdp "github.com/pion/sdp/v3"
)

// Errors.
var (
	ErrWrongContentType = errors.New("content type is not application/sdp")
	ErrEmptyBody        = errors.New("response has no body")
)

// Parse decodes the application/sdp body of a DESCRIBE response.
func Parse(res *base.Response) (*psdp.SessionDescription, error) {
	if ct, ok := res.Header.Get("Content-Type"); ok {
		if !strings.HasPrefix(ct, "application/sdp") {
			return nil, fmt.Errorf("%w (%q)", ErrWrongContentType, ct)
		}
	}

	if len(res.Body) == 0 {
		return nil, ErrEmptyBody
	}

	var sd psdp.SessionDescription
	if err := sd.Unmarshal(res.Body); err != nil {
		return nil, fmt.Errorf("unmarshal session description: %w", err)
	}
	return &sd, nil
}

// BaseURL returns the URL that relative control attributes resolve against:
// Content-Base, then Content-Location, then the request URL.
func BaseURL(res *base.Response, requestURL string) string {
	if v, ok := res.Header.Get("Content-Base"); ok {
		return v
	}
	if v, ok := res.Header.Get("Content-Location"); ok {
		return v
	}
	return requestURL
}

// MediaControls returns the per-media control URLs of a session description,
// resolved against baseURL. Media without a control attribute fall back to
// baseURL itself.
func MediaControls(sd *psdp.SessionDescription, baseURL string) []string {
	controls := make([]string, 0, len(sd.MediaDescriptions))

	for _, md := range sd.MediaDescriptions {
		control, ok := md.Attribute("control")
		switch {
		case !ok || control == "":
			controls = append(controls, baseURL)
		case strings.Contains(control, "://"):
			// already absolute.
			controls = append(controls, control)
		default:
			controls = append(controls, strings.TrimSuffix(baseURL, "/")+"/"+control)
		}
	}
	return controls
}
