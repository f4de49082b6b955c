package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/johndauphine/obs-harvest/internal/config"
)

const footer = "obs-harvest"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

func (n *Notifier) attachment(color, title string, fields ...SlackField) SlackAttachment {
	return SlackAttachment{
		Color:     color,
		Title:     title,
		Fields:    fields,
		Footer:    footer,
		Timestamp: time.Now().Unix(),
	}
}

func short(title, value string) SlackField {
	return SlackField{Title: title, Value: value, Short: true}
}

func (n *Notifier) HarvestStarted(runID, provider, mode string) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(SlackMessage{
		IconEmoji: ":seedling:",
		Attachments: []SlackAttachment{n.attachment("#36a64f", "Harvest Started",
			short("Run ID", runID),
			short("Provider", provider),
			short("Mode", mode),
		)},
	})
}

func (n *Notifier) HarvestCompleted(runID, provider, mode string, duration time.Duration, count int64, failed int64) error {
	if !n.IsEnabled() {
		return nil
	}
	color, emoji := "#36a64f", ":white_check_mark:"
	text := fmt.Sprintf("Harvest of %s completed and cut over. %s records harvested.", provider, humanize.Comma(count))
	if failed > 0 {
		color, emoji = "#ffc107", ":warning:"
		text = fmt.Sprintf("Harvest of %s cut over with %s records lost to failed batches.", provider, humanize.Comma(failed))
	}
	return n.send(SlackMessage{
		IconEmoji: emoji,
		Text:      text,
		Attachments: []SlackAttachment{n.attachment(color, "",
			short("Run ID", runID),
			short("Mode", mode),
			short("Duration", formatDuration(duration)),
			short("Records", humanize.Comma(count)),
			short("Throughput", fmt.Sprintf("%s records/sec", humanize.Comma(int64(throughput(count, duration))))),
		)},
	})
}

func (n *Notifier) HarvestFailed(runID, provider string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}
	errMsg := "Unknown error"
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
	}
	return n.send(SlackMessage{
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{n.attachment("#dc3545", "Harvest Failed",
			short("Run ID", runID),
			short("Provider", provider),
			short("Duration", formatDuration(duration)),
			SlackField{Title: "Error", Value: errMsg},
		)},
	})
}

func (n *Notifier) HarvestRejected(runID, provider string, stagingCount, primaryCount int64, minRatio float64) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(SlackMessage{
		IconEmoji: ":warning:",
		Text: fmt.Sprintf("Cutover for %s rejected: staging has %s records, primary has %s (minimum ratio %.2f). Primary left unchanged.",
			provider, humanize.Comma(stagingCount), humanize.Comma(primaryCount), minRatio),
		Attachments: []SlackAttachment{n.attachment("#ffc107", "Cutover Rejected",
			short("Run ID", runID),
			short("Provider", provider),
			short("Staging", humanize.Comma(stagingCount)),
			short("Primary", humanize.Comma(primaryCount)),
		)},
	})
}

func (n *Notifier) HarvestCanceled(runID, provider string, count int64, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(SlackMessage{
		IconEmoji: ":octagonal_sign:",
		Attachments: []SlackAttachment{n.attachment("#6c757d", "Harvest Canceled",
			short("Run ID", runID),
			short("Provider", provider),
			short("Records staged", humanize.Comma(count)),
			short("Duration", formatDuration(duration)),
		)},
	})
}

func (n *Notifier) send(msg SlackMessage) error {
	msg.Channel = n.config.Channel
	msg.Username = n.getUsername()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

func throughput(count int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(count) / d.Seconds()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
