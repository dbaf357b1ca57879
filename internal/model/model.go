package model

import "time"

// Job methods understood by the dispatcher.
const MethodSendMessage = "sendMessage"

// Account is one phone-number-identified WhatsApp identity. Loaded once at
// session start; status is managed by the backend, not by this process.
type Account struct {
	ID               int64
	PhoneNumber      string
	Name             string
	WhatsappPassword string // base64-encoded credential material
	Status           int
}

// Message is a persisted inbound message, keyed by (whatsapp_message_id,
// account_id). Created by the backend; this process only reads it for
// deduplication and updates it on delivery receipts.
type Message struct {
	ID                int64
	AccountID         int64
	WhatsappMessageID string
	Received          bool
	ReceiptTimestamp  *time.Time
}

// Job is a unit of outbound work. A job is eligible for dispatch iff
// sent=false, pending=false, the account matches, and its scheduled time
// (nil means immediately) has passed.
type Job struct {
	ID                int64
	AccountID         int64
	Method            string
	Targets           string
	Args              string
	ScheduledTime     *time.Time
	Sent              bool
	Pending           bool
	Runs              int
	Received          bool
	WhatsappMessageID string
	MessageID         *int64
}
