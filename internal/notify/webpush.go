package notify

import (
	"database/sql"
	"encoding/json"
	"log"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// WebPush sends Web Push notifications to a user's subscribed devices.
type WebPush struct {
	db              *sql.DB
	vapidPublicKey  string
	vapidPrivateKey string
}

// subscription is a stored Web Push subscription.
type subscription struct {
	Endpoint  string `json:"endpoint"`
	KeyP256dh string `json:"p256dh"`
	KeyAuth   string `json:"auth"`
}

// NewWebPush creates a Web Push sender. Returns nil if VAPID keys are empty.
func NewWebPush(db *sql.DB, vapidPublicKey, vapidPrivateKey string) *WebPush {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &WebPush{
		db:              db,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
	}
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (w *WebPush) VAPIDPublicKey() string {
	return w.vapidPublicKey
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Send delivers a push message to all active subscriptions of userID.
func (w *WebPush) Send(userID int, title, body string) {
	if w == nil {
		return
	}

	rows, err := w.db.Query(
		"SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ? AND revoked_at IS NULL",
		userID,
	)
	if err != nil {
		log.Printf("push: failed to query subscriptions for user %d: %v", userID, err)
		return
	}
	defer rows.Close()

	data, _ := json.Marshal(payload{Title: title, Body: body, URL: "/"})

	var subs []subscription
	for rows.Next() {
		var sub subscription
		if err := rows.Scan(&sub.Endpoint, &sub.KeyP256dh, &sub.KeyAuth); err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	rows.Close()

	if len(subs) == 0 {
		return
	}

	log.Printf("push: sending notification to %d subscription(s) for user %d", len(subs), userID)
	for _, sub := range subs {
		go w.sendToSubscription(sub, data)
	}
}

func (w *WebPush) sendToSubscription(sub subscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := webpush.SendNotification(data, s, &webpush.Options{
		VAPIDPublicKey:  w.vapidPublicKey,
		VAPIDPrivateKey: w.vapidPrivateKey,
		Subscriber:      "mailto:push@commune.local",
		TTL:             86400,
	})
	if err != nil {
		log.Printf("push: failed to send to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription is expired, clean it up
	if resp.StatusCode == 410 || resp.StatusCode == 404 {
		w.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", sub.Endpoint)
		log.Printf("push: removed expired subscription %s (status %d)", sub.Endpoint, resp.StatusCode)
	}
}
