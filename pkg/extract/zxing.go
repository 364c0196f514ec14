package extract

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// ZXingDecoder decodes QR codes with gozxing.
type ZXingDecoder struct {
	// TryHarder trades speed for accuracy on low quality captures.
	TryHarder bool
}

// NewZXingDecoder returns a decoder tuned for phone-camera snapshots.
func NewZXingDecoder() *ZXingDecoder {
	return &ZXingDecoder{TryHarder: true}
}

func (z *ZXingDecoder) Decode(ctx context.Context, img image.Image) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, fmt.Errorf("%w: binarize: %v", ErrFailed, err)
	}
	hints := map[gozxing.DecodeHintType]interface{}{}
	if z.TryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}
	result, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		// Not found, checksum and format errors all mean no readable code.
		var readerErr gozxing.ReaderException
		if errors.As(err, &readerErr) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	text := result.GetText()
	return []Candidate{{
		Format:       formatOf(result.GetBarcodeFormat()),
		Link:         ParseLink(text),
		DisplayValue: text,
	}}, nil
}

func formatOf(f gozxing.BarcodeFormat) Format {
	switch f {
	case gozxing.BarcodeFormat_QR_CODE:
		return FormatQRCode
	case gozxing.BarcodeFormat_EAN_13:
		return FormatEAN13
	case gozxing.BarcodeFormat_CODE_128:
		return FormatCode128
	case gozxing.BarcodeFormat_PDF_417:
		return FormatPDF417
	default:
		return FormatUnknown
	}
}
