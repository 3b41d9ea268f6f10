// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tuberlin

import (
	"image"

	"github.com/disintegration/imaging"
)

// Transform is applied to each image after it is decoded.
type Transform func(img image.Image) image.Image

// Compose returns a Transform that applies the given ones in order. nil transforms are skipped.
func Compose(transforms ...Transform) Transform {
	return func(img image.Image) image.Image {
		for _, transform := range transforms {
			if transform != nil {
				img = transform(img)
			}
		}
		return img
	}
}

// Resize to exactly width x height, not preserving the aspect ratio.
func Resize(width, height int) Transform {
	return func(img image.Image) image.Image {
		return imaging.Resize(img, width, height, imaging.Lanczos)
	}
}

// ResizeShorter resizes so the shorter side has the given size, preserving the aspect ratio.
func ResizeShorter(size int) Transform {
	return func(img image.Image) image.Image {
		bounds := img.Bounds()
		if bounds.Dx() < bounds.Dy() {
			return imaging.Resize(img, size, 0, imaging.Lanczos)
		}
		return imaging.Resize(img, 0, size, imaging.Lanczos)
	}
}

// CenterCrop cuts the width x height center of the image.
func CenterCrop(width, height int) Transform {
	return func(img image.Image) image.Image {
		return imaging.CropCenter(img, width, height)
	}
}

// ResizeWithPadding shrinks the image (if needed) to fit in width x height, preserving the aspect ratio, and
// pads the rest with black.
func ResizeWithPadding(width, height int) Transform {
	return func(img image.Image) image.Image {
		img = imaging.Fit(img, width, height, imaging.Lanczos)
		size := img.Bounds().Size()
		if size.X == width && size.Y == height {
			return img
		}
		background := imaging.New(width, height, image.Black)
		return imaging.PasteCenter(background, img)
	}
}
