package alert

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v3"
)

// ResendNotifier delivers spike alerts by email through the Resend API.
type ResendNotifier struct {
	client      *resend.Client
	fromAddress string
}

// NewResendNotifier creates a Resend-backed notifier.
// fromAddress must be a sender verified in Resend.
func NewResendNotifier(apiKey, fromAddress string) *ResendNotifier {
	return &ResendNotifier{
		client:      resend.NewClient(apiKey),
		fromAddress: fromAddress,
	}
}

// NotifySpike emails the user about an elevated heart-rate reading.
func (r *ResendNotifier) NotifySpike(ctx context.Context, a SpikeAlert) error {
	params := &resend.SendEmailRequest{
		From:    r.fromAddress,
		To:      []string{a.Email},
		Subject: fmt.Sprintf("Heart rate alert: %.0f bpm", a.BPM),
		Html:    renderSpikeHTML(a),
	}

	_, err := r.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("resend: failed to send spike alert %s: %w", a.EventID, err)
	}
	return nil
}

// renderSpikeHTML generates HTML for spike alert emails.
func renderSpikeHTML(a SpikeAlert) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Heart rate alert</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="background: linear-gradient(135deg, #f5576c 0%%, #f093fb 100%%); padding: 30px; border-radius: 10px 10px 0 0;">
        <h1 style="color: white; margin: 0; font-size: 24px;">Heart Rate Alert</h1>
    </div>
    <div style="background: #ffffff; padding: 30px; border: 1px solid #e0e0e0; border-top: none; border-radius: 0 0 10px 10px;">
        <h2 style="color: #333; margin-top: 0;">Elevated heart rate detected</h2>
        <p>A reading of <strong>%.0f bpm</strong> at %s exceeded your 14-day baseline of <strong>%.1f bpm</strong> by more than %.0f%%.</p>
        <p style="color: #666; font-size: 14px;">If you were exercising or otherwise expected this, you can safely ignore this email.</p>
        <hr style="border: none; border-top: 1px solid #e0e0e0; margin: 20px 0;">
        <p style="color: #999; font-size: 12px;">This is an automated message. Please do not reply to this email.</p>
    </div>
</body>
</html>`, a.BPM, a.At.UTC().Format("2006-01-02 15:04 MST"), a.Baseline, a.ThresholdPercent)
}
