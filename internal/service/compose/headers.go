package compose

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shanani/mailpipe/internal/domain"
)

// ProductName is the fixed X-Mailer identifier (§4.4 required headers).
const ProductName = "mailpipe"

// Headers carries the fixed and custom headers required on every outbound
// message (§4.4 "Headers required on every outbound message").
type Headers struct {
	MessageID  string
	XMailer    string
	XPriority  string
	Custom     map[string]string
	ReturnReceiptTo         string
	DispositionNotification string
}

// priorityHeaderValue maps a delivery priority to the envelope/X-Priority value.
func priorityHeaderValue(p domain.Priority) string {
	switch p {
	case domain.PriorityLow:
		return "non-urgent"
	case domain.PriorityHigh:
		return "urgent"
	default:
		return "normal"
	}
}

// BuildHeaders assembles the required header set for item, generating a
// fresh Message-ID scoped to senderDomain and dropping any custom header
// whose key is empty.
func BuildHeaders(item *domain.QueueItem, senderAddress, senderDomain string) Headers {
	h := Headers{
		MessageID: fmt.Sprintf("<%s@%s>", uuid.NewString(), senderDomain),
		XMailer:   ProductName,
		XPriority: priorityHeaderValue(item.Priority),
		Custom:    make(map[string]string, len(item.CustomHeaders)),
	}
	for k, v := range item.CustomHeaders {
		if strings.TrimSpace(k) == "" {
			continue
		}
		h.Custom[k] = v
	}
	if item.RequestDeliveryNotification {
		h.ReturnReceiptTo = senderAddress
	}
	if item.RequestReadReceipt {
		h.DispositionNotification = senderAddress
	}
	return h
}
