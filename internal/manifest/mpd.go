// Package manifest resolves MPEG-DASH manifests (MPD) to the media URL of
// their audio track so that a DASH presentation can be used as a capture
// input.
package manifest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoAudio is returned when the first period has no audio adaptation set.
var ErrNoAudio = errors.New("manifest: no audio adaptation set")

// MPD is the subset of a DASH manifest needed to locate audio media.
type MPD struct {
	XMLName  xml.Name `xml:"MPD"`
	BaseURLs []string `xml:"BaseURL"`
	Periods  []Period `xml:"Period"`

	// Base is the absolute base URL of the presentation: the manifest's own
	// directory, joined with the MPD-level BaseURL when present.
	Base *url.URL `xml:"-"`
}

// Period is one DASH period.
type Period struct {
	ID             string          `xml:"id,attr"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
}

// AdaptationSet groups interchangeable representations of one track.
type AdaptationSet struct {
	ContentType     string           `xml:"contentType,attr"`
	MimeType        string           `xml:"mimeType,attr"`
	Codecs          string           `xml:"codecs,attr"`
	Lang            string           `xml:"lang,attr"`
	Representations []Representation `xml:"Representation"`
}

// Kind returns the content type, falling back to the major type of the MIME
// type ("audio/mp4" -> "audio").
func (a AdaptationSet) Kind() string {
	if a.ContentType != "" {
		return a.ContentType
	}
	kind, _, _ := strings.Cut(a.MimeType, "/")
	return kind
}

// IsAudio reports whether the set carries audio.
func (a AdaptationSet) IsAudio() bool {
	return a.Kind() == "audio"
}

// Representation is one encoding of a track.
type Representation struct {
	ID        string `xml:"id,attr"`
	Bandwidth int    `xml:"bandwidth,attr"`
	MimeType  string `xml:"mimeType,attr"`
	Codecs    string `xml:"codecs,attr"`
	BaseURL   string `xml:"BaseURL"`
}

// Parse decodes an MPD document. manifestURL is where the document was
// loaded from; relative BaseURLs resolve against its directory.
func Parse(data []byte, manifestURL string) (*MPD, error) {
	var m MPD
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse mpd: %w", err)
	}

	loc, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: manifest url: %w", err)
	}
	base := loc.ResolveReference(&url.URL{Path: "./"})
	if base.Path == "" {
		base.Path = "/"
	}
	for _, b := range m.BaseURLs {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		ref, err := url.Parse(b)
		if err != nil {
			return nil, fmt.Errorf("manifest: mpd BaseURL: %w", err)
		}
		base = base.ResolveReference(ref)
		break
	}
	m.Base = base
	return &m, nil
}

// AudioSet returns the first audio adaptation set of the first period.
func (m *MPD) AudioSet() (*AdaptationSet, error) {
	if len(m.Periods) == 0 {
		return nil, ErrNoAudio
	}
	for i := range m.Periods[0].AdaptationSets {
		if as := &m.Periods[0].AdaptationSets[i]; as.IsAudio() {
			return as, nil
		}
	}
	return nil, ErrNoAudio
}

// MediaURL returns the absolute media URL of r. Absolute http(s) BaseURLs
// are used as is; anything else resolves against the presentation base.
func (m *MPD) MediaURL(r Representation) (string, error) {
	ref := strings.TrimSpace(r.BaseURL)
	if ref == "" {
		return "", fmt.Errorf("manifest: representation %q has no BaseURL", r.ID)
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("manifest: representation %q BaseURL: %w", r.ID, err)
	}
	if m.Base == nil {
		return u.String(), nil
	}
	return m.Base.ResolveReference(u).String(), nil
}

// AudioURLs returns the media URLs of every representation in the audio set,
// in document order.
func (m *MPD) AudioURLs() ([]string, error) {
	as, err := m.AudioSet()
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(as.Representations))
	for _, r := range as.Representations {
		u, err := m.MediaURL(r)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: audio set has no representations", ErrNoAudio)
	}
	return urls, nil
}
