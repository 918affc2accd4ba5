// Package compose implements the MIME Composer (C2): normalization,
// CID image inlining, mobile/accessibility HTML post-processing and
// MIME tree construction.
package compose

import (
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/shanani/mailpipe/internal/domain"
)

// NormalizedRequest is a send request after §4.4's normalization pass.
type NormalizedRequest struct {
	To  []string
	Cc  []string
	Bcc []string

	Subject string
	Body    string
	IsHTML  bool

	ReplyTo string

	Attachments       []domain.AttachmentData
	HasEmbeddedImages bool

	Warnings []string
}

const defaultSubject = "No Subject"

// Normalize applies §4.4's normalization rules ahead of composition.
func Normalize(item *domain.QueueItem, subject, body, fallbackSender string, newContentID func() string) *NormalizedRequest {
	n := &NormalizedRequest{IsHTML: item.IsHTML}

	n.To = filterValidEmails(domain.SplitAddressList(item.ToEmails), &n.Warnings)
	n.Cc = filterValidEmails(domain.SplitAddressList(item.CcEmails), &n.Warnings)
	n.Bcc = filterValidEmails(domain.SplitAddressList(item.BccEmails), &n.Warnings)

	n.ReplyTo = fallbackSender

	n.Subject = strings.TrimSpace(subject)
	if n.Subject == "" {
		n.Subject = defaultSubject
	}
	n.Body = body

	attachments, warnings := domain.NormalizeAttachments(item.Attachments, newContentID)
	n.Attachments = attachments
	n.Warnings = append(n.Warnings, warnings...)

	for _, a := range attachments {
		if a.IsInline {
			n.HasEmbeddedImages = true
			break
		}
	}

	return n
}

func filterValidEmails(addrs []string, warnings *[]string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if govalidator.IsEmail(a) {
			out = append(out, a)
		} else {
			*warnings = append(*warnings, "dropped invalid address: "+a)
		}
	}
	return out
}
