package filestore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ErrEmptyImage is returned when asked to store zero bytes.
var ErrEmptyImage = errors.New("filestore: empty image")

// ImageKind describes a supported screenshot encoding.
type ImageKind struct {
	MIME string
	Ext  string
}

var imageKinds = map[string]ImageKind{
	"image/png":  {MIME: "image/png", Ext: "png"},
	"image/jpeg": {MIME: "image/jpeg", Ext: "jpg"},
	"image/webp": {MIME: "image/webp", Ext: "webp"},
	"image/gif":  {MIME: "image/gif", Ext: "gif"},
}

var imageExts = []string{"png", "jpg", "webp", "gif"}

// DetectImage sniffs data and reports whether it is a supported image.
func DetectImage(data []byte) (ImageKind, bool) {
	if len(data) == 0 {
		return ImageKind{}, false
	}
	kind, ok := imageKinds[http.DetectContentType(data)]
	return kind, ok
}

// KindForMIME maps a MIME subtype such as "jpeg" or a full type such as
// "image/jpeg" to its ImageKind.
func KindForMIME(mime string) (ImageKind, bool) {
	switch mime {
	case "png", "image/png":
		return imageKinds["image/png"], true
	case "jpeg", "jpg", "image/jpeg", "image/jpg":
		return imageKinds["image/jpeg"], true
	case "webp", "image/webp":
		return imageKinds["image/webp"], true
	case "gif", "image/gif":
		return imageKinds["image/gif"], true
	}
	return ImageKind{}, false
}

// ErrUnsupportedInline is returned for legacy inline payloads that are not
// a recognised image encoding.
var ErrUnsupportedInline = errors.New("filestore: unsupported inline image payload")

var dataURLPattern = regexp.MustCompile(`^data:image/(png|jpeg|jpg|webp|gif);base64,`)

// DecodeInline decodes a legacy inline image payload. Accepted forms are a
// data URL with a supported image type or bare base64 whose decoded bytes
// sniff as a supported image.
func DecodeInline(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnsupportedInline)
	}

	if strings.HasPrefix(payload, "data:") {
		loc := dataURLPattern.FindStringIndex(payload)
		if loc == nil {
			return nil, fmt.Errorf("%w: unrecognised data URL prefix", ErrUnsupportedInline)
		}
		data, err := decodeBase64(payload[loc[1]:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedInline, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty image data", ErrUnsupportedInline)
		}
		return data, nil
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedInline, err)
	}
	if _, ok := DetectImage(data); !ok {
		return nil, fmt.Errorf("%w: decoded bytes are not an image", ErrUnsupportedInline)
	}
	return data, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// EncodeDataURL renders image bytes as a data URL.
func EncodeDataURL(data []byte) string {
	mime := "image/png"
	if kind, ok := DetectImage(data); ok {
		mime = kind.MIME
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
