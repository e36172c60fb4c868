package gmail

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/srvo/dewey/internal/model"
)

// parseRaw fills msg from an RFC 5322 message. Headers that fail to parse
// are left empty; only an unreadable top-level header is an error.
func parseRaw(raw []byte, msg *model.Message) error {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return err
	}
	defer mr.Close()

	h := mr.Header
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.FromName = from[0].Name
		msg.FromAddress = from[0].Address
	}
	msg.To = addresses(h, "To")
	msg.Cc = addresses(h, "Cc")
	msg.Bcc = addresses(h, "Bcc")
	if msg.ReceivedAt.IsZero() {
		if date, err := h.Date(); err == nil && !date.IsZero() {
			msg.ReceivedAt = date.UTC()
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Keep whatever body parts were readable.
			if message.IsUnknownCharset(err) {
				continue
			}
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && msg.BodyText == "":
			msg.BodyText = string(body)
		case strings.HasPrefix(contentType, "text/html") && msg.BodyHTML == "":
			msg.BodyHTML = string(body)
		}
	}
	return nil
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
