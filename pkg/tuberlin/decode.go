// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tuberlin

import (
	"bytes"
	"encoding/base64"
	"image"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	_ "image/jpeg"
	_ "image/png"
)

// DecodeFile reads an image file, converted to RGB (as *image.NRGBA, opaque).
//
// The file may hold the base64 encoding of the image (optionally as a "data:" URI, with line breaks), or the
// raw image bytes. JPEG and PNG are supported.
func DecodeFile(filePath string) (*image.NRGBA, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", filePath)
	}
	img, err := Decode(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode image %q", filePath)
	}
	return img, nil
}

// Decode decodes the contents of an image file, see DecodeFile.
func Decode(contents []byte) (*image.NRGBA, error) {
	img, _, rawErr := image.Decode(bytes.NewReader(contents))
	if rawErr != nil {
		raw, err := decodeBase64(contents)
		if err != nil {
			return nil, err
		}
		img, _, err = image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrap(err, "invalid image data")
		}
	}
	return toRGB(img), nil
}

func decodeBase64(contents []byte) ([]byte, error) {
	text := string(contents)
	if strings.HasPrefix(text, "data:") {
		_, payload, found := strings.Cut(text, ",")
		if !found {
			return nil, errors.New("malformed data URI: no ',' separator")
		}
		text = payload
	}
	text = strings.Join(strings.Fields(text), "")
	if text == "" {
		return nil, errors.New("empty image file")
	}
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(text, "="))
	}
	if err != nil {
		return nil, errors.Wrap(err, "invalid base64 image data")
	}
	return raw, nil
}

// toRGB converts to NRGBA and drops the alpha channel: color values are kept and every pixel made opaque.
func toRGB(img image.Image) *image.NRGBA {
	rgb := imaging.Clone(img)
	for ii := 3; ii < len(rgb.Pix); ii += 4 {
		rgb.Pix[ii] = 0xff
	}
	return rgb
}
