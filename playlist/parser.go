package playlist

import (
	"errors"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrEmptyInput = errors.New("empty playlist document")
	ErrNoSegments = errors.New("media playlist contains no segments")
	ErrNoVariants = errors.New("master playlist contains no variants")
)

var (
	streamInfRe  = regexp.MustCompile(`(?i)^#EXT-X-STREAM-INF`)
	mapTagRe     = regexp.MustCompile(`(?i)^#EXT-X-MAP`)
	bandwidthRe  = regexp.MustCompile(`(?i)BANDWIDTH=(\d+)`)
	resolutionRe = regexp.MustCompile(`(?i)RESOLUTION=(\d+)x(\d+)`)
	mapURIAttrRe = regexp.MustCompile(`(?i)URI=(?:"([^"]*)"|([^",\s]+))`)
	urlTokenRe   = regexp.MustCompile(`(https?://[^"\s,]+|\./[^"\s,]+|/[^"\s,]+)`)
)

// Parse tokenizes one M3U8 document, classifies it as master or media, and
// resolves every URI against baseURL. Returned warnings are non-fatal
// oddities the caller may want to log.
func Parse(doc, baseURL string) (*Playlist, []string, error) {
	var warnings []string

	lines := strings.Split(doc, "\n")
	var tags, uris []string
	var ordered []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			tags = append(tags, line)
		} else {
			uris = append(uris, line)
		}
		ordered = append(ordered, line)
	}
	if len(ordered) == 0 {
		return nil, nil, ErrEmptyInput
	}

	for _, tag := range tags {
		if streamInfRe.MatchString(tag) {
			return parseMaster(ordered, baseURL)
		}
	}
	return parseMedia(tags, uris, baseURL, warnings)
}

func parseMaster(lines []string, baseURL string) (*Playlist, []string, error) {
	var variants []Variant
	for i, line := range lines {
		if !streamInfRe.MatchString(line) {
			continue
		}
		// pair the tag with the next URI line
		var uri string
		for _, next := range lines[i+1:] {
			if !strings.HasPrefix(next, "#") {
				uri = next
				break
			}
		}
		if uri == "" {
			continue
		}
		v := Variant{URL: ResolveURL(baseURL, Canonicalize(uri))}
		if m := bandwidthRe.FindStringSubmatch(line); m != nil {
			v.Bandwidth, _ = strconv.Atoi(m[1])
		}
		if m := resolutionRe.FindStringSubmatch(line); m != nil {
			v.Width, _ = strconv.Atoi(m[1])
			v.Height, _ = strconv.Atoi(m[2])
		}
		variants = append(variants, v)
	}
	if len(variants) == 0 {
		return nil, nil, ErrNoVariants
	}
	sort.SliceStable(variants, func(a, b int) bool {
		return variants[a].Bandwidth > variants[b].Bandwidth
	})
	return &Playlist{Master: true, Variants: variants}, nil, nil
}

func parseMedia(tags, uris []string, baseURL string, warnings []string) (*Playlist, []string, error) {
	if len(uris) == 0 {
		return nil, nil, ErrNoSegments
	}

	p := &Playlist{}
	for i, uri := range uris {
		p.Segments = append(p.Segments, SegmentRef{
			Index: i,
			URL:   ResolveURL(baseURL, Canonicalize(uri)),
		})
	}

	for _, tag := range tags {
		if !mapTagRe.MatchString(tag) {
			continue
		}
		uri := extractMapURI(tag)
		if uri == "" {
			warnings = append(warnings, "EXT-X-MAP tag carries no usable URI, ignoring: "+tag)
			continue
		}
		p.Init = &SegmentRef{Index: -1, URL: ResolveURL(baseURL, Canonicalize(uri))}
		break
	}

	p.Format = sniffFormat(p.Segments)
	return p, warnings, nil
}

// extractMapURI pulls the init segment URI out of an EXT-X-MAP tag. Three
// fallbacks, in order: a URI= attribute (quoted or bare), the first
// URL-looking token after the colon, then any URL-looking token on the line.
func extractMapURI(tag string) string {
	if m := mapURIAttrRe.FindStringSubmatch(tag); m != nil {
		return decodeOnce(firstNonEmpty(m[1], m[2]))
	}

	colon := strings.Index(tag, ":")
	if colon >= 0 {
		payload := tag[colon+1:]
		for _, tok := range strings.FieldsFunc(payload, func(r rune) bool {
			return r == ',' || r == ' ' || r == '"'
		}) {
			if !strings.Contains(tok, "=") && strings.Contains(tok, ".") {
				return decodeOnce(tok)
			}
		}
	}

	if m := urlTokenRe.FindString(tag); m != "" {
		return decodeOnce(m)
	}
	return ""
}

func decodeOnce(s string) string {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sniffFormat(segments []SegmentRef) Format {
	for _, seg := range segments {
		if strings.HasSuffix(pathOf(seg.URL), ".ts") {
			return FormatTS
		}
	}
	for _, seg := range segments {
		u := seg.URL
		if strings.Contains(u, ".m4s") || strings.Contains(u, "frag") || strings.Contains(u, "segment") {
			return FormatFMP4
		}
	}
	return FormatUnknown
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
