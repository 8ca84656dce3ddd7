package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var lines []string
	for _, m := range topMovers(n, 5) {
		lines = append(lines, fmt.Sprintf("%s **#%d %s** %.2f (%+.2f%%)", arrow(m.Change), m.Rank, m.Name, m.Score, m.Change))
	}

	color := 0x2ECC71
	if n.Failed > 0 {
		color = 0xFF6600
	}
	finished := n.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	embed := map[string]any{
		"title":       n.Title,
		"description": fmt.Sprintf("**Updated:** %d | **Failed:** %d\n\n%s\n\n%s", n.Updated, n.Failed, n.Body, strings.Join(lines, "\n")),
		"color":       color,
		"timestamp":   finished.UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	if err := postJSON(ctx, d.client, d.webhookURL, body, nil); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}
