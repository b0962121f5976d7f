/**
 * @description
 * The receipt extraction stage of the verification pipeline. It fetches the
 * submitted receipt image from media storage, runs it through the OCR
 * sidecar, and parses the recognized text into the structured fields the
 * rest of the pipeline consumes.
 *
 * Failures are classified for the retry scheduler: transport problems while
 * fetching the image or talking to the OCR service are transient and worth
 * retrying, while a gone image is terminal. A low-quality extraction is not
 * an error at this layer; the pipeline inspects Usable() and decides.
 *
 * @dependencies
 * - pkg/imageclient: fetches receipt bytes from internal media storage.
 * - pkg/ocrclient: text recognition sidecar.
 */

package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/pesoswap/verification-service/internal/domain"
	"github.com/pesoswap/verification-service/pkg/imageclient"
	"github.com/pesoswap/verification-service/pkg/ocrclient"
)

// ImageFetcher retrieves stored receipt image bytes by reference.
type ImageFetcher interface {
	Fetch(ctx context.Context, imageRef string) ([]byte, error)
}

// TextRecognizer turns image bytes into OCR text.
type TextRecognizer interface {
	Recognize(ctx context.Context, imageBytes []byte) (*ocrclient.RecognizeResponse, error)
}

// ExtractionError wraps a fetch or recognition failure with a retry hint.
type ExtractionError struct {
	Transient bool
	msg       string
	err       error
}

func (e *ExtractionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *ExtractionError) Unwrap() error { return e.err }

// Extractor runs the fetch, recognize and parse steps for one receipt.
type Extractor struct {
	fetcher    ImageFetcher
	recognizer TextRecognizer
}

// NewExtractor creates an Extractor over the given clients.
func NewExtractor(fetcher ImageFetcher, recognizer TextRecognizer) *Extractor {
	return &Extractor{fetcher: fetcher, recognizer: recognizer}
}

// Extract fetches and recognizes the referenced image and parses the text.
// A returned receipt may be partial; callers must check Usable(). A non-nil
// error is always an *ExtractionError carrying the transient flag.
func (e *Extractor) Extract(ctx context.Context, imageRef string) (domain.ExtractedReceipt, error) {
	imageBytes, err := e.fetcher.Fetch(ctx, imageRef)
	if err != nil {
		return domain.ExtractedReceipt{}, &ExtractionError{
			Transient: fetchErrIsTransient(err),
			msg:       "failed to fetch receipt image",
			err:       err,
		}
	}

	recognized, err := e.recognizer.Recognize(ctx, imageBytes)
	if err != nil {
		// The OCR sidecar is stateless; any failure is worth retrying.
		return domain.ExtractedReceipt{}, &ExtractionError{
			Transient: true,
			msg:       "ocr recognition failed",
			err:       err,
		}
	}

	receipt := ParseReceiptText(recognized.Text)
	receipt.OCRConfidence = recognized.Confidence
	return receipt, nil
}

func fetchErrIsTransient(err error) bool {
	var transportErr *imageclient.TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Transient
	}
	// Anything that is not a classified transport error is a network-level
	// failure from the HTTP client.
	return true
}
