package conversation

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DecodePayload decodes data-channel bytes as UTF-8 text. A leading byte
// order mark is stripped and invalid sequences become U+FFFD, so a corrupt
// payload yields garbled content instead of being dropped.
func DecodePayload(raw []byte) string {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(decoder, raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	return string(out)
}
