package intake

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/disintegration/imaging"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// TestNormalizeAttachments_ShrinksOversizedImage verifies images larger than
// the edge cap are re-encoded within bounds.
func TestNormalizeAttachments_ShrinksOversizedImage(t *testing.T) {
	data := encodePNG(t, 2400, 600)
	atts := NormalizeAttachments([]Attachment{{Kind: AttachmentImage, MIME: "image/png", Data: data}})
	if len(atts) != 1 {
		t.Fatalf("got %d attachments, want 1", len(atts))
	}
	img, err := imaging.Decode(bytes.NewReader(atts[0].Data))
	if err != nil {
		t.Fatalf("decode shrunk image: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > maxImageEdge || b.Dy() > maxImageEdge {
		t.Errorf("image not shrunk: %dx%d", b.Dx(), b.Dy())
	}
}

// TestNormalizeAttachments_KeepsSmallImage verifies in-bounds images pass
// through byte-identical, so repeated normalization cannot degrade them.
func TestNormalizeAttachments_KeepsSmallImage(t *testing.T) {
	data := encodePNG(t, 100, 80)
	atts := NormalizeAttachments([]Attachment{{Kind: AttachmentImage, MIME: "image/png", Data: data}})
	if len(atts) != 1 {
		t.Fatalf("got %d attachments, want 1", len(atts))
	}
	if !bytes.Equal(atts[0].Data, data) {
		t.Error("small image was re-encoded")
	}
}

// TestNormalizeAttachments_DropsOversizedPayload verifies the byte cap
// applies to every attachment kind.
func TestNormalizeAttachments_DropsOversizedPayload(t *testing.T) {
	atts := NormalizeAttachments([]Attachment{
		{Kind: AttachmentFile, Name: "big.bin", Data: make([]byte, maxAttachmentBytes+1)},
		{Kind: AttachmentFile, Name: "ok.bin", Data: []byte("fine")},
	})
	if len(atts) != 1 {
		t.Fatalf("got %d attachments, want 1", len(atts))
	}
	if atts[0].Name != "ok.bin" {
		t.Errorf("kept %q, want ok.bin", atts[0].Name)
	}
}

// TestNormalizeAttachments_KeepsUndecodableImage verifies garbage image data
// passes through untouched instead of being dropped.
func TestNormalizeAttachments_KeepsUndecodableImage(t *testing.T) {
	data := []byte("not an image")
	atts := NormalizeAttachments([]Attachment{{Kind: AttachmentImage, MIME: "image/png", Data: data}})
	if len(atts) != 1 || !bytes.Equal(atts[0].Data, data) {
		t.Fatal("undecodable image should pass through")
	}
}
