package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"bgbyebye/internal/models"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
	ErrNoRecipient        = errors.New("no recipient address")
)

const DefaultBaseURL = "https://api.resend.com"

// ResendClient Resend 邮件服务客户端
type ResendClient struct {
	apiKey    string
	fromEmail string
	baseURL   string
	client    *http.Client
}

func NewResendClient(apiKey, fromEmail string) *ResendClient {
	return &ResendClient{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		baseURL:   DefaultBaseURL,
		client:    &http.Client{},
	}
}

// WithBaseURL 替换 API 地址，测试用
func (c *ResendClient) WithBaseURL(baseURL string) *ResendClient {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// IsConfigured 检查 API Key 与发件人是否已配置
func (c *ResendClient) IsConfigured() bool {
	return c != nil && c.apiKey != "" && c.fromEmail != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendEmail 发送邮件
func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent string) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}
	if to == "" {
		return ErrNoRecipient
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    c.fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

var receiptTemplate = template.Must(template.New("receipt").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="margin: 0; padding: 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <table role="presentation" style="width: 100%; border-collapse: collapse;">
        <tr>
            <td align="center" style="padding: 40px 0;">
                <table role="presentation" style="width: 600px; background-color: #ffffff; border-radius: 8px;">
                    <tr><td style="padding: 40px 40px 20px 40px; text-align: center;">
                        <h1 style="margin: 0; color: #333333; font-size: 24px;">{{.Title}}</h1>
                    </td></tr>
                    <tr><td style="padding: 0 40px 20px 40px; text-align: center;">
                        <p style="margin: 0; color: #666666; font-size: 16px; line-height: 1.5;">{{.Description}}</p>
                    </td></tr>
                    {{if .Amount}}<tr><td style="padding: 0 40px 20px 40px; text-align: center;">
                        <span style="font-size: 28px; font-weight: bold; color: #007bff;">{{.Amount}}</span>
                    </td></tr>{{end}}
                    <tr><td style="padding: 20px 40px 40px 40px; text-align: center;">
                        <p style="margin: 0; color: #999999; font-size: 14px;">Reference: {{.Reference}}</p>
                    </td></tr>
                </table>
            </td>
        </tr>
    </table>
</body>
</html>`))

type receiptView struct {
	Subject     string
	Title       string
	Description string
	Amount      string
	Reference   string
}

// SendReceipt 权益授予后的收据邮件
func (c *ResendClient) SendReceipt(ctx context.Context, to string, result models.VerificationResult) error {
	view := receiptView{Reference: result.SessionID}
	switch result.PaymentType {
	case models.PaymentSubscription:
		view.Subject = "BG BYE BYE - Unlimited subscription active"
		view.Title = "Welcome to Unlimited"
		view.Description = "Your subscription is active. Remove as many backgrounds as you like."
	case models.PaymentOneTime:
		view.Subject = "BG BYE BYE - Lifetime access unlocked"
		view.Title = "Lifetime access"
		view.Description = "Thanks for your purchase. Premium features are unlocked for good."
	case models.PaymentPayPerUse:
		view.Subject = "BG BYE BYE - Credit added"
		view.Title = "One image credit added"
		view.Description = "Your payment went through and one background removal credit is ready to use."
	default:
		return fmt.Errorf("no receipt for payment type %q", result.PaymentType)
	}
	if amount := result.Details.AmountTotal; amount > 0 {
		view.Amount = fmt.Sprintf("$%d.%02d", amount/100, amount%100)
	}

	var buf bytes.Buffer
	if err := receiptTemplate.Execute(&buf, view); err != nil {
		return err
	}
	return c.SendEmail(ctx, to, view.Subject, buf.String())
}
