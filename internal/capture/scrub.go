package capture

import "regexp"

// Placeholder substituted for scrubbed high-entropy runs. It keeps the
// markup parseable while telling the model binary content was there.
const scrubPlaceholder = "[data-omitted]"

var (
	// Embedded data URIs: scheme, media type and the whole payload.
	dataURIRe = regexp.MustCompile(`data:[a-zA-Z0-9.+/-]+;base64,[A-Za-z0-9+/=]+`)

	// Long bare base64-ish runs outside data URIs, over 120 chars. Shorter
	// runs are left alone: they may be ids or hashes the script needs.
	base64RunRe = regexp.MustCompile(`[A-Za-z0-9+/]{120,}={0,2}`)
)

// Scrub replaces embedded data URIs and long base64-like runs with a fixed
// placeholder. All surrounding bytes are preserved untouched.
func Scrub(markup string) string {
	out := dataURIRe.ReplaceAllString(markup, scrubPlaceholder)
	out = base64RunRe.ReplaceAllString(out, scrubPlaceholder)
	return out
}
