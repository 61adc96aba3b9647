// Package media holds the user-selected image files and their previews.
package media

import "strings"

// Image — файл, выбранный пользователем: имя, заявленный тип и сырые байты.
type Image struct {
	Name string
	MIME string
	Data []byte
}

// IsImage reports whether a declared media type is an image type.
func IsImage(mime string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/")
}

// Filter keeps only the images whose declared type passes IsImage.
func Filter(in []Image) []Image {
	out := make([]Image, 0, len(in))
	for _, img := range in {
		if IsImage(img.MIME) {
			out = append(out, img)
		}
	}
	return out
}
