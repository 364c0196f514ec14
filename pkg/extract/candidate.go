// Package extract adapts barcode decoding engines to the asynchronous,
// exactly-once contract used by the pipeline controller.
package extract

import "strings"

// Format tags the symbology of a detected code.
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatQRCode  Format = "qr_code"
	FormatEAN13   Format = "ean_13"
	FormatCode128 Format = "code_128"
	FormatPDF417  Format = "pdf417"
)

// Target is the only format the pipeline acts on.
const Target = FormatQRCode

// Link is a structured URL payload carried by a code.
type Link struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Candidate is one detected code as returned by the engine.
type Candidate struct {
	Format       Format `json:"format"`
	Link         *Link  `json:"link,omitempty"`
	DisplayValue string `json:"display_value,omitempty"`
}

// Text resolves the candidate's payload: the structured link when present,
// otherwise the raw display value. Empty means the code carries nothing usable.
func (c Candidate) Text() string {
	if c.Link != nil && c.Link.URL != "" {
		return c.Link.URL
	}
	return c.DisplayValue
}

// SelectFirst returns the first candidate of format f in engine order.
func SelectFirst(cands []Candidate, f Format) (Candidate, bool) {
	for _, c := range cands {
		if c.Format == f {
			return c, true
		}
	}
	return Candidate{}, false
}

// ParseLink recognises structured link payloads. It understands MEBKM
// bookmark records, URLTO records and bare http(s) URLs.
func ParseLink(raw string) *Link {
	text := strings.TrimSpace(raw)
	upper := strings.ToUpper(text)
	switch {
	case strings.HasPrefix(upper, "MEBKM:"):
		fields := splitRecord(text[len("MEBKM:"):])
		link := &Link{URL: fields["URL"], Title: fields["TITLE"]}
		if link.URL == "" {
			return nil
		}
		return link
	case strings.HasPrefix(upper, "URLTO:"):
		rest := text[len("URLTO:"):]
		// URLTO:title:url, where url keeps its own colons.
		title, url, ok := strings.Cut(rest, ":")
		if !ok || url == "" {
			return nil
		}
		return &Link{URL: url, Title: title}
	case strings.HasPrefix(upper, "HTTP://"), strings.HasPrefix(upper, "HTTPS://"):
		if strings.ContainsAny(text, " \t\n") {
			return nil
		}
		return &Link{URL: text}
	default:
		return nil
	}
}

// splitRecord parses KEY:value; pairs with backslash escapes.
func splitRecord(body string) map[string]string {
	out := map[string]string{}
	var (
		field   strings.Builder
		escaped bool
	)
	flush := func() {
		key, val, ok := strings.Cut(field.String(), ":")
		if ok {
			out[strings.ToUpper(strings.TrimSpace(key))] = val
		}
		field.Reset()
	}
	for _, r := range body {
		switch {
		case escaped:
			field.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ';':
			flush()
		default:
			field.WriteRune(r)
		}
	}
	if field.Len() > 0 {
		flush()
	}
	return out
}
