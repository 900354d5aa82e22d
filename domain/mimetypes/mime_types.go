// Package mimetypes names the content types attachments may carry.
// The allow-list is small: formats a chat client renders inline, plus
// PDF for vet records and adoption paperwork.
package mimetypes

import "mime"

type MIME string

const (
	Unknown MIME = "unknown"

	ImageJPEG MIME = "image/jpeg"
	ImagePNG  MIME = "image/png"
	ImageWebP MIME = "image/webp"

	ApplicationPDF MIME = "application/pdf"
)

// AllowedUpload lists every type an attachment upload may resolve to.
var AllowedUpload = map[MIME]struct{}{
	ImageJPEG:      {},
	ImagePNG:       {},
	ImageWebP:      {},
	ApplicationPDF: {},
}

// UploadAllowed reports whether a sniffed content type is acceptable
// for storage. Parameters such as charset are ignored.
func UploadAllowed(detected string) (MIME, bool) {
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return Unknown, false
	}
	_, ok := AllowedUpload[MIME(mt)]
	return MIME(mt), ok
}

// Matches reports whether a detected content type resolves to the
// expected one.
func Matches(detected string, expected MIME) (MIME, bool) {
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return Unknown, false
	}
	return expected, mt == string(expected)
}
