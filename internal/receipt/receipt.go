package receipt

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"fieldbook/internal/models"

	"github.com/phpdave11/gofpdf"
	"github.com/skip2/go-qrcode"
)

// ContentType of the rendered receipt.
const ContentType = "application/pdf"

var ErrInvalidSignature = errors.New("receipt signature mismatch")

// Claims are the reservation facts carried by the QR payload.
type Claims struct {
	ReservationID string
	FieldID       string
	Date          string
	Start         models.TimeMark
	End           models.TimeMark
}

// Renderer produces PDF receipts for committed reservations. The QR code carries
// the reservation facts signed with an HMAC so a venue can check them offline.
type Renderer struct {
	key    []byte
	issuer string
}

func NewRenderer(signingKey, issuer string) *Renderer {
	if issuer == "" {
		issuer = "fieldbook"
	}
	return &Renderer{key: []byte(signingKey), issuer: issuer}
}

// Payload returns reservationID|fieldID|date|start|end|signature.
func (r *Renderer) Payload(res *models.Reservation) string {
	data := strings.Join([]string{res.ID, res.FieldID, res.Date, res.Start.String(), res.End.String()}, "|")
	return data + "|" + r.sign(data)
}

// Verify checks the signature of a scanned payload and returns its claims.
func (r *Renderer) Verify(payload string) (Claims, error) {
	idx := strings.LastIndex(payload, "|")
	if idx < 0 {
		return Claims{}, fmt.Errorf("malformed receipt payload")
	}
	data, sig := payload[:idx], payload[idx+1:]
	if !hmac.Equal([]byte(sig), []byte(r.sign(data))) {
		return Claims{}, ErrInvalidSignature
	}

	parts := strings.Split(data, "|")
	if len(parts) != 5 {
		return Claims{}, fmt.Errorf("malformed receipt payload")
	}
	start, err := models.ParseTimeMark(parts[3])
	if err != nil {
		return Claims{}, err
	}
	end, err := models.ParseTimeMark(parts[4])
	if err != nil {
		return Claims{}, err
	}
	return Claims{ReservationID: parts[0], FieldID: parts[1], Date: parts[2], Start: start, End: end}, nil
}

func (r *Renderer) sign(data string) string {
	h := hmac.New(sha256.New, r.key)
	h.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Render writes the receipt PDF of res to w.
func (r *Renderer) Render(w io.Writer, field *models.Field, res *models.Reservation) error {
	if field == nil || res == nil {
		return fmt.Errorf("field and reservation are required")
	}

	qrPNG, err := qrcode.Encode(r.Payload(res), qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("generate qr code: %w", err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Reservation "+res.ID, true)
	pdf.SetCreator(r.issuer, true)
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, "Field Reservation")
	pdf.Ln(14)

	pdf.SetFont("Arial", "", 12)
	// TODO: embed a TTF with Cyrillic glyphs; core fonts cover cp1252 only
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	lines := []string{
		"Reservation: " + res.ID,
		"Field: " + field.Name,
		"Location: " + field.Location,
		"Date: " + res.Date,
		fmt.Sprintf("Time: %s - %s", res.Start, res.End),
		"Booked by: " + res.BookedBy,
		"Price: " + res.Price.String(),
		"Issued by: " + r.issuer,
	}
	for _, line := range lines {
		pdf.Cell(0, 10, tr(line))
		pdf.Ln(8)
	}

	imageOpts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("qr", imageOpts, bytes.NewReader(qrPNG))
	pdf.ImageOptions("qr", 150, 30, 45, 45, false, imageOpts, 0, "")

	if err := pdf.Error(); err != nil {
		return fmt.Errorf("render receipt: %w", err)
	}
	return pdf.Output(w)
}

// FileName is the download name of the receipt.
func FileName(res *models.Reservation) string {
	return "receipt-" + res.ID + ".pdf"
}
