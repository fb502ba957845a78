// Package telemetry sends ambient ops notifications for events an operator
// would want paged on: upstream errors, global-safety timeouts, and bus
// unavailability. It is not part of the domain model — a missing or
// unreachable webhook never affects a chat response.
//
// Grounded on internal/telemetry/telemetry.go's TelegramBot: the same
// fire-and-forget, panic-recovering Send call over the Telegram Bot API,
// trimmed of the inbound polling/command loop (global stats, maintenance
// mode) since this domain has no admin database to report on.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

const (
	telegramAPIURL = "https://api.telegram.org/bot%s/sendMessage"
	requestTimeout = 10 * time.Second
)

var notifier *Notifier

// Notifier posts text notifications to a configured Telegram chat.
type Notifier struct {
	token  string
	chatID string
	client *http.Client
}

// Init configures the global notifier from TELEGRAM_BOT_TOKEN and
// TELEGRAM_CHAT_ID. If either is unset, notifications are silently
// disabled rather than failing startup.
func Init() {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatID == "" {
		log.Println("[telemetry] ops notifications disabled: TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID not set")
		return
	}
	notifier = &Notifier{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: requestTimeout + 5*time.Second},
	}
	log.Println("[telemetry] ops notifier initialized")
}

// Send dispatches text to the configured webhook. A no-op if Init was
// never called or failed to find credentials.
func Send(text string) {
	if notifier == nil || text == "" {
		return
	}
	notifier.send(text)
}

// Errorf is a convenience wrapper for the common "something failed" case.
func Errorf(format string, args ...interface{}) {
	Send("🔴 " + fmt.Sprintf(format, args...))
}

func (n *Notifier) send(text string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[telemetry] recovered from panic sending notification: %v", r)
			}
		}()

		payload, _ := json.Marshal(map[string]string{
			"chat_id":    n.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		})

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		url := fmt.Sprintf(telegramAPIURL, n.token)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			log.Printf("[telemetry] error creating request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			log.Printf("[telemetry] error sending notification: %v", err)
			return
		}
		defer resp.Body.Close()
	}()
}
