package compose

import (
	"bytes"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/shanani/mailpipe/internal/domain"
	"github.com/shanani/mailpipe/pkg/logger"
)

// SenderIdentity is the configured From address used for every outbound message.
type SenderIdentity struct {
	Address string
	Name    string
	Domain  string
}

// Compose runs the full §4.4 pipeline: normalize, apply the
// mobile/accessibility pass, CID-inline, build headers, and assemble the final MIME
// message. It returns the raw message bytes ready for the SMTP transport.
func Compose(item *domain.QueueItem, resolvedSubject, resolvedBody string, sender SenderIdentity, newContentID func() string, log logger.Logger) ([]byte, []string, error) {
	n := Normalize(item, resolvedSubject, resolvedBody, sender.Address, newContentID)

	if len(n.To) == 0 {
		return nil, n.Warnings, fmt.Errorf("no valid recipients after normalization")
	}

	var inlineImages []InlineImage
	if n.IsHTML {
		n.Body = ApplyMobileAccessibility(n.Body)
		n.Body, inlineImages = InlineCIDImages(n.Body, newContentID, log)
		if len(inlineImages) > 0 {
			n.HasEmbeddedImages = true
		}
	}

	headers := BuildHeaders(item, sender.Address, sender.Domain)

	msg := mail.NewMsg(mail.WithNoDefaultUserAgent())
	if err := msg.FromFormat(sender.Name, sender.Address); err != nil {
		return nil, n.Warnings, fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(n.To...); err != nil {
		return nil, n.Warnings, fmt.Errorf("set to: %w", err)
	}
	if len(n.Cc) > 0 {
		if err := msg.Cc(n.Cc...); err != nil {
			return nil, n.Warnings, fmt.Errorf("set cc: %w", err)
		}
	}
	if len(n.Bcc) > 0 {
		if err := msg.Bcc(n.Bcc...); err != nil {
			return nil, n.Warnings, fmt.Errorf("set bcc: %w", err)
		}
	}
	if n.ReplyTo != "" {
		if err := msg.ReplyTo(n.ReplyTo); err != nil {
			return nil, n.Warnings, fmt.Errorf("set reply-to: %w", err)
		}
	}

	msg.SetGenHeader("Message-ID", headers.MessageID)
	msg.SetGenHeader("X-Mailer", headers.XMailer)
	msg.SetGenHeader("X-Priority", headers.XPriority)
	if headers.ReturnReceiptTo != "" {
		msg.SetGenHeader("Return-Receipt-To", headers.ReturnReceiptTo)
	}
	if headers.DispositionNotification != "" {
		msg.SetGenHeader("Disposition-Notification-To", headers.DispositionNotification)
	}
	for k, v := range headers.Custom {
		msg.SetGenHeader(mail.Header(k), v)
	}

	msg.Subject(n.Subject)
	if n.IsHTML {
		msg.SetBodyString(mail.TypeTextHTML, n.Body)
	} else {
		msg.SetBodyString(mail.TypeTextPlain, n.Body)
	}

	for _, img := range inlineImages {
		opts := []mail.FileOption{
			mail.WithFileContentType(mail.ContentType(img.ContentType)),
			mail.WithFileContentID(img.ContentID),
		}
		if err := msg.EmbedReader(img.ContentID, bytes.NewReader(img.Content), opts...); err != nil {
			return nil, n.Warnings, fmt.Errorf("embed inline image %s: %w", img.ContentID, err)
		}
	}

	for _, a := range n.Attachments {
		content, err := domain.DecodeContent(a)
		if err != nil {
			n.Warnings = append(n.Warnings, fmt.Sprintf("skipped attachment %s: %v", a.FileName, err))
			continue
		}
		var opts []mail.FileOption
		if a.ContentType != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(a.ContentType)))
		}
		if a.IsInline {
			opts = append(opts, mail.WithFileContentID(a.ContentID))
			if err := msg.EmbedReader(a.FileName, bytes.NewReader(content), opts...); err != nil {
				return nil, n.Warnings, fmt.Errorf("embed attachment %s: %w", a.FileName, err)
			}
		} else {
			if err := msg.AttachReader(a.FileName, bytes.NewReader(content), opts...); err != nil {
				return nil, n.Warnings, fmt.Errorf("attach %s: %w", a.FileName, err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return nil, n.Warnings, fmt.Errorf("write message: %w", err)
	}
	return buf.Bytes(), n.Warnings, nil
}
