package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/services"
)

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// Sender identifies the From header of confirmation emails.
type Sender struct {
	Name    string
	Address string
}

// SendGridNotifier emails an order confirmation through the SendGrid v3 API.
type SendGridNotifier struct {
	client mailSender
	from   *mail.Email
}

var _ services.OrderNotifier = (*SendGridNotifier)(nil)

// NewSendGridNotifier builds a notifier authenticated with apiKey.
func NewSendGridNotifier(apiKey string, from Sender) (*SendGridNotifier, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("notify: sendgrid api key is required")
	}
	return newSendGridNotifier(sendgrid.NewSendClient(apiKey), from)
}

func newSendGridNotifier(client mailSender, from Sender) (*SendGridNotifier, error) {
	if strings.TrimSpace(from.Address) == "" {
		return nil, errors.New("notify: sender address is required")
	}
	return &SendGridNotifier{
		client: client,
		from:   mail.NewEmail(strings.TrimSpace(from.Name), strings.TrimSpace(from.Address)),
	}, nil
}

// SendOrderConfirmation sends one message per call. A non-2xx response is returned as an error.
func (n *SendGridNotifier) SendOrderConfirmation(ctx context.Context, recipient string, order domain.Order) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return errors.New("notify: recipient is required")
	}
	view := newConfirmationView(order)

	var html bytes.Buffer
	if err := confirmationHTML.Execute(&html, view); err != nil {
		return fmt.Errorf("notify: render confirmation: %w", err)
	}
	subject := fmt.Sprintf("Your order %s is confirmed", order.ID)
	message := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", recipient), view.plainText(), html.String())
	message.SetHeader("X-Order-ID", order.ID)

	resp, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: send confirmation: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: sendgrid responded %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body))
	}
	return nil
}

type confirmationLine struct {
	Name     string
	Quantity int
	Amount   string
}

type confirmationView struct {
	OrderID  string
	Lines    []confirmationLine
	Total    string
	Address  string
	Currency string
}

func newConfirmationView(order domain.Order) confirmationView {
	currency := strings.ToUpper(order.Currency)
	view := confirmationView{
		OrderID:  order.ID,
		Total:    domain.FormatAmount(order.Total) + " " + currency,
		Address:  order.ShippingAddress,
		Currency: currency,
	}
	for _, item := range order.Items {
		view.Lines = append(view.Lines, confirmationLine{
			Name:     item.Name,
			Quantity: item.Quantity,
			Amount:   domain.FormatAmount(item.Subtotal()) + " " + currency,
		})
	}
	return view
}

func (v confirmationView) plainText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thanks for your order %s.\n\n", v.OrderID)
	for _, line := range v.Lines {
		fmt.Fprintf(&b, "%d x %s  %s\n", line.Quantity, line.Name, line.Amount)
	}
	fmt.Fprintf(&b, "\nTotal: %s\nShipping to: %s\n", v.Total, v.Address)
	return b.String()
}

var confirmationHTML = template.Must(template.New("confirmation").Parse(`<p>Thanks for your order <strong>{{.OrderID}}</strong>.</p>
<table>
{{- range .Lines}}
<tr><td>{{.Quantity}} &times; {{.Name}}</td><td>{{.Amount}}</td></tr>
{{- end}}
</table>
<p>Total: <strong>{{.Total}}</strong></p>
<p>Shipping to: {{.Address}}</p>
`))
