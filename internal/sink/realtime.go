package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Realtime message bodies form a small tagged union on the "type" field.

type TextMessage struct {
	Type        string `json:"type"`
	PhoneNumber string `json:"phone_number"`
	Text        string `json:"text"`
	Name        string `json:"name"`
}

func NewTextMessage(phoneNumber, text, name string) TextMessage {
	return TextMessage{Type: "text", PhoneNumber: phoneNumber, Text: text, Name: name}
}

type ImageMessage struct {
	Type        string `json:"type"`
	PhoneNumber string `json:"phone_number"`
	URL         string `json:"url"`
	Name        string `json:"name"`
}

func NewImageMessage(phoneNumber, url string) ImageMessage {
	return ImageMessage{Type: "image", PhoneNumber: phoneNumber, URL: url, Name: ""}
}

type ReceiptMessage struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

func NewReceiptMessage(messageID int64) ReceiptMessage {
	return ReceiptMessage{Type: "receipt", MessageID: messageID}
}

type envelope struct {
	Channel string `json:"channel"`
	Account string `json:"account"`
	Message any    `json:"message"`
}

// Realtime publishes event bodies to the account's pub/sub channel,
// {prefix}_{phoneNumber}. A nil Realtime (sink disabled) drops publishes.
type Realtime struct {
	rdb     *redis.Client
	channel string
	account string
}

func NewRealtime(rdb *redis.Client, channelPrefix, accountPhone string) *Realtime {
	return &Realtime{
		rdb:     rdb,
		channel: fmt.Sprintf("%s_%s", channelPrefix, accountPhone),
		account: accountPhone,
	}
}

func (r *Realtime) Channel() string {
	if r == nil {
		return ""
	}
	return r.channel
}

func (r *Realtime) Publish(ctx context.Context, message any) error {
	if r == nil {
		return nil
	}

	raw, err := json.Marshal(envelope{
		Channel: r.channel,
		Account: r.account,
		Message: message,
	})
	if err != nil {
		return err
	}

	return r.rdb.Publish(ctx, r.channel, raw).Err()
}
