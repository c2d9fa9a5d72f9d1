// Package validate performs format detection and sanity checks on accepted
// blobs. Detection trusts magic bytes first and the file extension second;
// a confident magic match that contradicts the extension is a rejection.
package validate

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/crewbrain/crewbrain/internal/failure"
)

// Format is the detected document format.
type Format string

const (
	FormatPDF          Format = "PDF"
	FormatImage        Format = "IMAGE"
	FormatText         Format = "TEXT"
	FormatDoclike      Format = "DOCLIKE"
	FormatSpreadsheet  Format = "SPREADSHEET"
	FormatPresentation Format = "PRESENTATION"
	FormatAV           Format = "AV"
)

// Size caps are policy, not contract.
var sizeCaps = map[Format]int64{
	FormatPDF:          100 << 20,
	FormatImage:        20 << 20,
	FormatText:         10 << 20,
	FormatDoclike:      50 << 20,
	FormatSpreadsheet:  50 << 20,
	FormatPresentation: 100 << 20,
	FormatAV:           500 << 20,
}

type magicRule struct {
	prefix []byte
	offset int
	format Format
}

var magicRules = []magicRule{
	{prefix: []byte("%PDF-"), format: FormatPDF},
	{prefix: []byte{0x89, 'P', 'N', 'G'}, format: FormatImage},
	{prefix: []byte{0xFF, 0xD8, 0xFF}, format: FormatImage},
	{prefix: []byte("GIF8"), format: FormatImage},
	{prefix: []byte("BM"), format: FormatImage},
	{prefix: []byte("ID3"), format: FormatAV},
	{prefix: []byte("OggS"), format: FormatAV},
	{prefix: []byte{0x1A, 0x45, 0xDF, 0xA3}, format: FormatAV}, // matroska/webm
	{prefix: []byte("ftyp"), offset: 4, format: FormatAV},      // mp4/mov
	{prefix: []byte("fLaC"), format: FormatAV},
}

// OLE compound file: legacy .doc/.xls/.ppt share one container; the
// extension disambiguates.
var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// ZIP container: OOXML formats and ODF share it; the extension disambiguates.
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

var extFormats = map[string]Format{
	".pdf":  FormatPDF,
	".png":  FormatImage,
	".jpg":  FormatImage,
	".jpeg": FormatImage,
	".gif":  FormatImage,
	".bmp":  FormatImage,
	".webp": FormatImage,
	".txt":  FormatText,
	".md":   FormatText,
	".rst":  FormatText,
	".json": FormatText,
	".doc":  FormatDoclike,
	".docx": FormatDoclike,
	".odt":  FormatDoclike,
	".rtf":  FormatDoclike,
	".csv":  FormatSpreadsheet,
	".tsv":  FormatSpreadsheet,
	".xls":  FormatSpreadsheet,
	".xlsx": FormatSpreadsheet,
	".ods":  FormatSpreadsheet,
	".ppt":  FormatPresentation,
	".pptx": FormatPresentation,
	".odp":  FormatPresentation,
	".mp3":  FormatAV,
	".mp4":  FormatAV,
	".mov":  FormatAV,
	".wav":  FormatAV,
	".webm": FormatAV,
	".mkv":  FormatAV,
	".ogg":  FormatAV,
	".flac": FormatAV,
	".avi":  FormatAV,
}

// containerFormats are formats whose magic identifies only the container,
// so a same-container extension may narrow them.
func zipExtFormat(ext string) (Format, bool) {
	switch ext {
	case ".docx", ".odt":
		return FormatDoclike, true
	case ".xlsx", ".ods":
		return FormatSpreadsheet, true
	case ".pptx", ".odp":
		return FormatPresentation, true
	default:
		return "", false
	}
}

func oleExtFormat(ext string) (Format, bool) {
	switch ext {
	case ".doc":
		return FormatDoclike, true
	case ".xls":
		return FormatSpreadsheet, true
	case ".ppt":
		return FormatPresentation, true
	default:
		return "", false
	}
}

// Detect returns the detected format of the blob or a classified
// KindValidation failure.
func Detect(data []byte, sourceName string) (Format, error) {
	if len(data) == 0 {
		return "", failure.Newf(failure.KindValidation, "validate", "empty document: %s", sourceName)
	}
	ext := strings.ToLower(filepath.Ext(sourceName))

	byMagic, magicOK := detectMagic(data, ext)
	byExt, extOK := extFormats[ext]

	switch {
	case magicOK && extOK:
		if byMagic != byExt {
			return "", failure.Newf(failure.KindValidation, "validate",
				"format mismatch: content is %s but extension %q implies %s", byMagic, ext, byExt)
		}
		return checkSize(byMagic, data, sourceName)
	case magicOK:
		return checkSize(byMagic, data, sourceName)
	case extOK:
		// Binary-looking content with a text-ish extension is a mismatch.
		if byExt == FormatText && !looksTextual(data) {
			return "", failure.Newf(failure.KindValidation, "validate",
				"format mismatch: extension %q implies TEXT but content is binary", ext)
		}
		return checkSize(byExt, data, sourceName)
	default:
		if looksTextual(data) {
			return checkSize(FormatText, data, sourceName)
		}
		return "", failure.Newf(failure.KindValidation, "validate",
			"unrecognized format: %s", sourceName)
	}
}

func detectMagic(data []byte, ext string) (Format, bool) {
	for _, r := range magicRules {
		end := r.offset + len(r.prefix)
		if len(data) >= end && bytes.Equal(data[r.offset:end], r.prefix) {
			return r.format, true
		}
	}
	if bytes.HasPrefix(data, []byte("RIFF")) && len(data) >= 12 {
		tag := string(data[8:12])
		if tag == "WAVE" || tag == "AVI " {
			return FormatAV, true
		}
		if tag == "WEBP" {
			return FormatImage, true
		}
	}
	if bytes.HasPrefix(data, zipMagic) {
		if f, ok := zipExtFormat(ext); ok {
			return f, true
		}
		return "", false
	}
	if bytes.HasPrefix(data, oleMagic) {
		if f, ok := oleExtFormat(ext); ok {
			return f, true
		}
		return "", false
	}
	if bytes.HasPrefix(data, []byte("{\\rtf")) {
		return FormatDoclike, true
	}
	return "", false
}

func checkSize(f Format, data []byte, sourceName string) (Format, error) {
	limit, ok := sizeCaps[f]
	if ok && int64(len(data)) > limit {
		return "", failure.Newf(failure.KindValidation, "validate",
			"%s exceeds %s size cap (%s > %s)", sourceName, f,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(limit)))
	}
	return f, nil
}

// looksTextual reports whether the first KiB decodes as UTF-8 with no NUL
// bytes.
func looksTextual(data []byte) bool {
	sample := data
	if len(sample) > 1024 {
		sample = sample[:1024]
	}
	if bytes.IndexByte(sample, 0x00) >= 0 {
		return false
	}
	return utf8.Valid(sample)
}
