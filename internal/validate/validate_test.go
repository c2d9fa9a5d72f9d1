package validate

import (
	"bytes"
	"errors"
	"testing"

	"github.com/crewbrain/crewbrain/internal/failure"
)

func TestDetectByMagic(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want Format
	}{
		{"manual.pdf", []byte("%PDF-1.7\n..."), FormatPDF},
		{"photo.png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, FormatImage},
		{"photo.jpg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0}, FormatImage},
		{"training.mp3", []byte("ID3\x04rest"), FormatAV},
		{"clip.mp4", append([]byte{0, 0, 0, 0x18}, []byte("ftypisom")...), FormatAV},
		{"notes.rtf", []byte(`{\rtf1\ansi hello}`), FormatDoclike},
	}
	for _, c := range cases {
		got, err := Detect(c.data, c.name)
		if err != nil {
			t.Fatalf("%s: Detect: %v", c.name, err)
		}
		if got != c.want {
			t.Fatalf("%s: got %s want %s", c.name, got, c.want)
		}
	}
}

func TestDetectRIFFVariants(t *testing.T) {
	wav := append([]byte("RIFF\x24\x00\x00\x00"), []byte("WAVEfmt ")...)
	got, err := Detect(wav, "alarm.wav")
	if err != nil || got != FormatAV {
		t.Fatalf("wav: got %s err %v", got, err)
	}
	webp := append([]byte("RIFF\x24\x00\x00\x00"), []byte("WEBPVP8 ")...)
	got, err = Detect(webp, "menu.webp")
	if err != nil || got != FormatImage {
		t.Fatalf("webp: got %s err %v", got, err)
	}
}

func TestZIPContainerUsesExtension(t *testing.T) {
	zip := []byte{'P', 'K', 0x03, 0x04, 0x14, 0x00}
	cases := map[string]Format{
		"roster.xlsx":   FormatSpreadsheet,
		"handbook.docx": FormatDoclike,
		"deck.pptx":     FormatPresentation,
	}
	for name, want := range cases {
		got, err := Detect(zip, name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != want {
			t.Fatalf("%s: got %s want %s", name, got, want)
		}
	}
	// A bare .zip has no place in the taxonomy.
	if _, err := Detect(zip, "bundle.zip"); err == nil {
		t.Fatalf("expected rejection for .zip container")
	}
}

func TestMismatchRejected(t *testing.T) {
	// PDF bytes with an image extension.
	_, err := Detect([]byte("%PDF-1.4"), "scan.png")
	if err == nil {
		t.Fatalf("expected mismatch rejection")
	}
	if failure.KindOf(err) != failure.KindValidation {
		t.Fatalf("kind: got %s want %s", failure.KindOf(err), failure.KindValidation)
	}
	// Binary content with a .txt extension.
	if _, err := Detect([]byte{0x00, 0x01, 0x02}, "notes.txt"); err == nil {
		t.Fatalf("expected binary-as-text rejection")
	}
}

func TestPlainTextFallback(t *testing.T) {
	got, err := Detect([]byte("fryer cleaning checklist\n1. drain oil\n"), "checklist")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != FormatText {
		t.Fatalf("got %s want %s", got, FormatText)
	}
}

func TestSizeCapEnforced(t *testing.T) {
	big := append([]byte{0x89, 'P', 'N', 'G'}, bytes.Repeat([]byte{0xAB}, (20<<20)+1)...)
	_, err := Detect(big, "huge.png")
	if err == nil {
		t.Fatalf("expected size cap rejection")
	}
	var fe *failure.Error
	if !errors.As(err, &fe) || fe.Kind != failure.KindValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestEmptyRejected(t *testing.T) {
	if _, err := Detect(nil, "empty.pdf"); err == nil {
		t.Fatalf("expected empty rejection")
	}
}
