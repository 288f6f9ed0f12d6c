package pipeline

import "strings"

const FormatZip = "zip"

// NormalizeOutputFormat maps user input onto png, jpeg, webp or zip.
func NormalizeOutputFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpg", "jpeg":
		return "jpeg"
	case "webp":
		return "webp"
	case FormatZip:
		return FormatZip
	default:
		return "png"
	}
}

func extensionForFormat(format string) string {
	switch NormalizeOutputFormat(format) {
	case "jpeg":
		return "jpg"
	default:
		return NormalizeOutputFormat(format)
	}
}

func ContentTypeForFormat(format string) string {
	switch NormalizeOutputFormat(format) {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case FormatZip:
		return "application/zip"
	default:
		return "image/png"
	}
}
