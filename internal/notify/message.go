// Package notify composes and delivers the client retainer email.
package notify

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Delivery modes, selected by the current month.
const (
	ModeInOffice = "in-office"
	ModeVirtual  = "virtual"
)

// Attachment is a file carried by a Message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a rendered email ready for a Sender.
type Message struct {
	To           string
	Subject      string
	HTML         string
	Text         string
	DeliveryMode string
	Attachment   *Attachment
}

// EmailData is the input to Compose.
type EmailData struct {
	To                  string
	ClientName          string
	AccidentDate        time.Time
	AccidentLocation    string
	AccidentDescription string
	BookingLink         string
	DeliveryMode        string
	FirmName            string
	Retainer            []byte
}

type view struct {
	FirstName    string
	AccidentDate string
	Location     string
	Brief        string
	BookingLink  string
	InOffice     bool
	FirmName     string
	HasRetainer  bool
}

const subjectTmpl = `Your {{.FirmName}} retainer agreement and next steps`

const textTmpl = `Hi {{.FirstName}},

Thank you for reaching out to {{.FirmName}} about the accident on {{.AccidentDate}} at {{.Location}}. We understand that {{.Brief}} We're sorry you're dealing with this, and we're here to help.
{{if .HasRetainer}}
Your retainer agreement is attached. Please review it at your convenience.
{{end}}
{{if .InOffice}}We'd like to meet you in person. Book an in-office consultation here:{{else}}We'd like to meet you over video. Book a virtual consultation here:{{end}}
{{.BookingLink}}

Warm regards,
{{.FirmName}}
`

const htmlTmpl = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; line-height: 1.5; color: #222;">
<p>Hi {{.FirstName}},</p>
<p>Thank you for reaching out to {{.FirmName}} about the accident on <strong>{{.AccidentDate}}</strong> at {{.Location}}. We understand that {{.Brief}} We're sorry you're dealing with this, and we're here to help.</p>
{{if .HasRetainer}}<p>Your retainer agreement is attached. Please review it at your convenience.</p>
{{end}}<p>{{if .InOffice}}We'd like to meet you in person.{{else}}We'd like to meet you over video.{{end}}</p>
<p><a href="{{.BookingLink}}" style="background:#1a5fb4;color:#fff;padding:10px 16px;border-radius:4px;text-decoration:none;">{{if .InOffice}}Book an in-office consultation{{else}}Book a virtual consultation{{end}}</a></p>
<p>Warm regards,<br>{{.FirmName}}</p>
</body>
</html>
`

var (
	subjectT = texttemplate.Must(texttemplate.New("subject").Parse(subjectTmpl))
	textT    = texttemplate.Must(texttemplate.New("text").Parse(textTmpl))
	htmlT    = htmltemplate.Must(htmltemplate.New("html").Parse(htmlTmpl))
)

// Compose renders the client email. The retainer, when present, is attached
// as Retainer_Agreement_<Client_Name>.pdf.
func Compose(d EmailData) (Message, error) {
	if strings.TrimSpace(d.To) == "" {
		return Message{}, eris.New("notify: recipient is required")
	}
	if d.DeliveryMode != ModeInOffice && d.DeliveryMode != ModeVirtual {
		return Message{}, eris.Errorf("notify: unknown delivery mode %q", d.DeliveryMode)
	}

	v := view{
		FirstName:    FirstName(d.ClientName),
		AccidentDate: FormatDate(d.AccidentDate),
		Location:     orDefault(strings.TrimSpace(d.AccidentLocation), "the accident location"),
		Brief:        BriefDescription(d.AccidentDescription),
		BookingLink:  d.BookingLink,
		InOffice:     d.DeliveryMode == ModeInOffice,
		FirmName:     orDefault(strings.TrimSpace(d.FirmName), "our firm"),
		HasRetainer:  len(d.Retainer) > 0,
	}

	var subj, txt, body bytes.Buffer
	if err := subjectT.Execute(&subj, v); err != nil {
		return Message{}, eris.Wrap(err, "notify: render subject")
	}
	if err := textT.Execute(&txt, v); err != nil {
		return Message{}, eris.Wrap(err, "notify: render text body")
	}
	if err := htmlT.Execute(&body, v); err != nil {
		return Message{}, eris.Wrap(err, "notify: render html body")
	}

	m := Message{
		To:           strings.TrimSpace(d.To),
		Subject:      subj.String(),
		HTML:         body.String(),
		Text:         txt.String(),
		DeliveryMode: d.DeliveryMode,
	}
	if v.HasRetainer {
		m.Attachment = &Attachment{
			Filename:    RetainerFilename(d.ClientName),
			ContentType: "application/pdf",
			Data:        d.Retainer,
		}
	}
	return m, nil
}

var title = cases.Title(language.English)

// FirstName extracts a greeting name from "LAST, FIRST" or "FIRST LAST".
func FirstName(full string) string {
	full = strings.TrimSpace(full)
	if full == "" {
		return "there"
	}
	var first string
	if last, rest, ok := strings.Cut(full, ","); ok {
		first = strings.TrimSpace(rest)
		if first == "" {
			first = strings.TrimSpace(last)
		}
	} else {
		first = full
	}
	if f := strings.Fields(first); len(f) > 0 {
		first = f[0]
	}
	return title.String(first)
}

// FormatDate renders a day as "March 15, 2024".
func FormatDate(d time.Time) string {
	if d.IsZero() {
		return "the date of your accident"
	}
	return d.Format("January 2, 2006")
}

// BriefDescription returns the first sentence of a narrative, lower-cased,
// ending in a period.
func BriefDescription(desc string) string {
	desc = strings.TrimSpace(desc)
	if i := strings.Index(desc, "."); i >= 0 {
		desc = desc[:i]
	}
	desc = strings.ToLower(strings.TrimSpace(desc))
	if desc == "" {
		return "you were involved in a motor vehicle accident."
	}
	return desc + "."
}

// RetainerFilename derives the attachment name from the client's name.
func RetainerFilename(clientName string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-':
			return r
		case unicode.IsSpace(r):
			return '_'
		default:
			return -1
		}
	}, strings.TrimSpace(clientName))
	name = strings.Trim(name, "_")
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	if name == "" {
		return "Retainer_Agreement.pdf"
	}
	return "Retainer_Agreement_" + name + ".pdf"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
