package receipt

import (
	"bytes"
	"strings"
	"testing"

	"fieldbook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReservation() *models.Reservation {
	return &models.Reservation{
		ID:       "r-1",
		FieldID:  "f-1",
		Date:     "2024-07-01",
		Start:    models.MustTimeMark("09:00"),
		End:      models.MustTimeMark("10:30"),
		BookedBy: "u-1",
		Price:    4500,
	}
}

func TestRenderer_PayloadRoundTrip(t *testing.T) {
	r := NewRenderer("secret", "")
	payload := r.Payload(testReservation())
	assert.True(t, strings.HasPrefix(payload, "r-1|f-1|2024-07-01|09:00|10:30|"))

	claims, err := r.Verify(payload)
	require.NoError(t, err)
	assert.Equal(t, Claims{
		ReservationID: "r-1",
		FieldID:       "f-1",
		Date:          "2024-07-01",
		Start:         models.MustTimeMark("09:00"),
		End:           models.MustTimeMark("10:30"),
	}, claims)
}

func TestRenderer_VerifyRejectsTampering(t *testing.T) {
	r := NewRenderer("secret", "")
	payload := r.Payload(testReservation())

	_, err := r.Verify(strings.Replace(payload, "10:30", "12:30", 1))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = NewRenderer("other", "").Verify(payload)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = r.Verify("garbage")
	assert.Error(t, err)
}

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer("secret", "Fieldbook Ltd")
	field := &models.Field{ID: "f-1", Name: "Arena", Location: "Main st. 1"}

	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf, field, testReservation()))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
	assert.Equal(t, "receipt-r-1.pdf", FileName(testReservation()))

	assert.Error(t, r.Render(&buf, nil, testReservation()))
}
