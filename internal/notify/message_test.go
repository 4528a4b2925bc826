package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"DOE, JANE", "Jane"},
		{"DOE, JANE MARIE", "Jane"},
		{"jane doe", "Jane"},
		{"O'BRIEN, SEAN", "Sean"},
		{"Cher", "Cher"},
		{"SMITH,", "Smith"},
		{"", "there"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FirstName(tt.in), tt.in)
	}
}

func TestFormatDate(t *testing.T) {
	assert.Equal(t, "March 15, 2024", FormatDate(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "March 5, 2024", FormatDate(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "the date of your accident", FormatDate(time.Time{}))
}

func TestBriefDescription(t *testing.T) {
	assert.Equal(t, "vehicle 1 rear-ended vehicle 2 at the light.",
		BriefDescription("Vehicle 1 rear-ended Vehicle 2 at the light. Driver 2 complained of neck pain."))
	assert.Equal(t, "side impact in parking lot.", BriefDescription("Side impact in parking lot"))
	assert.Equal(t, "you were involved in a motor vehicle accident.", BriefDescription("  "))
}

func TestRetainerFilename(t *testing.T) {
	assert.Equal(t, "Retainer_Agreement_Jane_Doe.pdf", RetainerFilename("Jane Doe"))
	assert.Equal(t, "Retainer_Agreement_DOE_JANE.pdf", RetainerFilename("DOE, JANE"))
	assert.Equal(t, "Retainer_Agreement.pdf", RetainerFilename(""))
}

func TestCompose(t *testing.T) {
	d := EmailData{
		To:                  "jane@example.com",
		ClientName:          "DOE, JANE",
		AccidentDate:        time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		AccidentLocation:    "Main St & 5th Ave",
		AccidentDescription: "Vehicle 2 ran a red light. Heavy rain.",
		BookingLink:         "https://book.example.com/in-office",
		DeliveryMode:        ModeInOffice,
		FirmName:            "Richards & Law",
		Retainer:            []byte("%PDF"),
	}

	m, err := Compose(d)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", m.To)
	assert.Equal(t, "Your Richards & Law retainer agreement and next steps", m.Subject)
	assert.Equal(t, ModeInOffice, m.DeliveryMode)

	assert.Contains(t, m.Text, "Hi Jane,")
	assert.Contains(t, m.Text, "March 15, 2024")
	assert.Contains(t, m.Text, "vehicle 2 ran a red light.")
	assert.Contains(t, m.Text, "in-office consultation")
	assert.Contains(t, m.Text, "https://book.example.com/in-office")
	assert.Contains(t, m.Text, "retainer agreement is attached")

	// Data is escaped in the HTML part.
	assert.Contains(t, m.HTML, "Richards &amp; Law")
	assert.Contains(t, m.HTML, `href="https://book.example.com/in-office"`)

	require.NotNil(t, m.Attachment)
	assert.Equal(t, "Retainer_Agreement_DOE_JANE.pdf", m.Attachment.Filename)
	assert.Equal(t, "application/pdf", m.Attachment.ContentType)
}

func TestCompose_VirtualWithoutRetainer(t *testing.T) {
	m, err := Compose(EmailData{
		To:           "jane@example.com",
		ClientName:   "Jane Doe",
		BookingLink:  "https://book.example.com/virtual",
		DeliveryMode: ModeVirtual,
	})
	require.NoError(t, err)
	assert.Nil(t, m.Attachment)
	assert.Contains(t, m.Text, "virtual consultation")
	assert.NotContains(t, m.Text, "attached")
	assert.Contains(t, m.Text, "the accident location")
}

func TestCompose_Rejects(t *testing.T) {
	_, err := Compose(EmailData{DeliveryMode: ModeVirtual})
	assert.Error(t, err)

	_, err = Compose(EmailData{To: "a@example.com", DeliveryMode: "carrier-pigeon"})
	assert.Error(t, err)
}
