package intake

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// maxImageEdge bounds the longest edge of stored inbound images.
	maxImageEdge = 1568

	// maxAttachmentBytes is the hard cap per attachment after normalization.
	maxAttachmentBytes = 5 * 1024 * 1024
)

// NormalizeAttachments shrinks oversized inbound images and drops payloads
// that still exceed the byte cap. Operates in place on the slice before the
// message is frozen and enqueued. Non-image attachments are passed through
// untouched apart from the byte cap.
func NormalizeAttachments(atts []Attachment) []Attachment {
	out := atts[:0]
	for _, att := range atts {
		if att.Kind == AttachmentImage && len(att.Data) > 0 {
			shrunk, err := shrinkImage(att.Data, att.MIME)
			if err != nil {
				slog.Warn("attachment normalize failed, keeping original", "mime", att.MIME, "error", err)
			} else {
				att.Data = shrunk
			}
		}
		if len(att.Data) > maxAttachmentBytes {
			slog.Warn("attachment dropped, exceeds byte cap", "kind", att.Kind, "bytes", len(att.Data))
			continue
		}
		out = append(out, att)
	}
	return out
}

// shrinkImage re-encodes an image so its longest edge fits maxImageEdge.
// Images already within bounds are returned unchanged.
func shrinkImage(data []byte, mime string) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() <= maxImageEdge && b.Dy() <= maxImageEdge {
		return data, nil
	}

	fitted := imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)

	format := imaging.JPEG
	if strings.Contains(mime, "png") {
		format = imaging.PNG
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, format); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
