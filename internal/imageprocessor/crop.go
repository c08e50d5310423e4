package imageprocessor

import (
	"image"
	"image/draw"
)

// CropMargin is the share of the bounding box added around a detected face,
// split evenly between both sides of each axis.
const CropMargin = 0.2

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns the region of img around box, grown by CropMargin and clipped
// to the image bounds. It returns nil when the grown box misses the image.
func Crop(img image.Image, box image.Rectangle) image.Image {
	if img == nil {
		return nil
	}
	padX := int(float64(box.Dx()) * CropMargin / 2)
	padY := int(float64(box.Dy()) * CropMargin / 2)
	region := image.Rect(box.Min.X-padX, box.Min.Y-padY, box.Max.X+padX, box.Max.Y+padY).
		Intersect(img.Bounds())
	if region.Empty() {
		return nil
	}

	if s, ok := img.(subImager); ok {
		return s.SubImage(region)
	}
	dst := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(dst, dst.Bounds(), img, region.Min, draw.Src)
	return dst
}

// Upright returns img rotated clockwise by rotation degrees, the coordinate
// space detector boxes are reported in. Rotations that are not a multiple
// of 90 leave img unchanged.
func Upright(img image.Image, rotation int) image.Image {
	rotation = ((rotation % 360) + 360) % 360
	if img == nil || rotation == 0 || rotation%90 != 0 {
		return img
	}

	src := img.Bounds()
	w, h := src.Dx(), src.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if rotation != 180 {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	}
	for y := 0; y < dst.Rect.Dy(); y++ {
		for x := 0; x < dst.Rect.Dx(); x++ {
			var sx, sy int
			switch rotation {
			case 90:
				sx, sy = y, h-1-x
			case 180:
				sx, sy = w-1-x, h-1-y
			default:
				sx, sy = w-1-y, x
			}
			dst.Set(x, y, img.At(src.Min.X+sx, src.Min.Y+sy))
		}
	}
	return dst
}
