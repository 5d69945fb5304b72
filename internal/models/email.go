package models

import "time"

type EmailStatus string

const (
	StatusQueued    EmailStatus = "queued"
	StatusSending   EmailStatus = "sending"
	StatusSent      EmailStatus = "sent"
	StatusDelivered EmailStatus = "delivered"
	StatusOpened    EmailStatus = "opened"
	StatusClicked   EmailStatus = "clicked"
	StatusFailed    EmailStatus = "failed"
	StatusBounced   EmailStatus = "bounced"
)

// EmailLog is the per-dispatch record. Its ID is the tracking identifier
// embedded in outbound tracking URLs; open/click callbacks correlate back to
// the row through it. Exactly one row exists per tracking id, created before
// the job is enqueued, so a worker can always locate its own record.
type EmailLog struct {
	ID      string      `json:"id"`
	To      string      `json:"to"`
	Subject string      `json:"subject"`
	Status  EmailStatus `json:"status"`

	JobID     string `json:"job_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	ClickedAt   *time.Time `json:"clicked_at,omitempty"`
	BouncedAt   *time.Time `json:"bounced_at,omitempty"`

	OpenCount  int `json:"open_count"`
	ClickCount int `json:"click_count"`

	IPAddress       string `json:"ip_address,omitempty"`
	Country         string `json:"country,omitempty"`
	Region          string `json:"region,omitempty"`
	City            string `json:"city,omitempty"`
	DeviceType      string `json:"device_type,omitempty"`
	Browser         string `json:"browser,omitempty"`
	BrowserVersion  string `json:"browser_version,omitempty"`
	OperatingSystem string `json:"operating_system,omitempty"`
	OSVersion       string `json:"os_version,omitempty"`

	ClickURLs []ClickEvent   `json:"click_urls,omitempty"`
	ErrorMsg  string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClickEvent is one entry in an EmailLog's click history.
type ClickEvent struct {
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
	IPAddress string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// Template is a named content record with {{ key }} placeholders. Managed
// through the template endpoints; read-only to the dispatch pipeline.
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Subject     string    `json:"subject"`
	HTML        string    `json:"html"`
	Text        string    `json:"text,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SendRequest is a single submission as accepted by /send and each element of
// a /bulk submission. It must carry either Subject plus Text/HTML, or a
// TemplateID resolving to an existing template.
type SendRequest struct {
	To      string   `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	From    string   `json:"from,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`

	Subject string `json:"subject,omitempty"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`

	TemplateID   string         `json:"template_id,omitempty"`
	TemplateData map[string]any `json:"template_data,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}
