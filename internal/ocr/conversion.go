package ocr

import (
	"bytes"
	"fmt"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// fileTypes maps lower-case extensions to the OCR.space filetype parameter
var fileTypes = map[string]string{
	".jpg":  "JPG",
	".jpeg": "JPG",
	".png":  "PNG",
	".gif":  "GIF",
	".bmp":  "BMP",
	".tif":  "TIF",
	".tiff": "TIF",
	".pdf":  "PDF",
}

// pdfToPNG renders the first page of a PDF as PNG
func pdfToPNG(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Most receipts are single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// heicToPNG decodes a HEIC/HEIF photo (common on iPhones) as PNG
func heicToPNG(data []byte) ([]byte, error) {
	img, err := heic.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isPDFFormat(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// prepareUpload converts formats OCR.space cannot read well to PNG and
// returns the bytes, the upload filename and the filetype parameter.
// Supported raster formats pass through untouched.
func prepareUpload(data []byte, filename string) ([]byte, string, string, error) {
	if filename == "" {
		filename = "image.jpg"
	}
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	switch {
	case isHEICFormat(data) || ext == ".heic" || ext == ".heif":
		converted, err := heicToPNG(data)
		if err != nil {
			return nil, "", "", err
		}
		return converted, base + ".png", "PNG", nil
	case isPDFFormat(data) || ext == ".pdf":
		converted, err := pdfToPNG(data)
		if err != nil {
			return nil, "", "", err
		}
		return converted, base + ".png", "PNG", nil
	}

	return data, filename, fileTypes[ext], nil
}
