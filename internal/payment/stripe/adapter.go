package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tabulahq/tabula/internal/payment/domain"
)

const (
	signatureHeader  = "Stripe-Signature"
	defaultTolerance = 5 * time.Minute
)

type Adapter struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func New(secret string, tolerance time.Duration) *Adapter {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	return &Adapter{secret: secret, tolerance: tolerance, now: time.Now}
}

func (a *Adapter) Name() string { return "stripe" }

// stripeEnvelope mirrors the slice of the Stripe event payload the ledger
// cares about. Amounts arrive in cents.
type stripeEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID               string `json:"id"`
			Customer         string `json:"customer"`
			Subscription     string `json:"subscription"`
			AmountPaid       int64  `json:"amount_paid"`
			Status           string `json:"status"`
			CurrentPeriodEnd int64  `json:"current_period_end"`
		} `json:"object"`
	} `json:"data"`
}

func (a *Adapter) ParseEvent(payload []byte, header http.Header) (*domain.Event, error) {
	if err := a.verifySignature(payload, header.Get(signatureHeader)); err != nil {
		return nil, err
	}

	var envelope stripeEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if envelope.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", domain.ErrMalformedPayload)
	}

	object := envelope.Data.Object
	event := &domain.Event{
		ID:                 envelope.ID,
		Provider:           a.Name(),
		ProviderCustomerID: object.Customer,
	}

	switch envelope.Type {
	case "invoice.payment_succeeded":
		event.Type = domain.EventPaymentSucceeded
		event.ProviderSubscriptionID = object.Subscription
		event.Amount = float64(object.AmountPaid) / 100
	case "customer.subscription.updated":
		event.Type = domain.EventSubscriptionUpdated
		event.ProviderSubscriptionID = object.ID
		event.Status = object.Status
		if object.CurrentPeriodEnd > 0 {
			event.CurrentPeriodEnd = time.Unix(object.CurrentPeriodEnd, 0).UTC()
		}
	case "customer.subscription.deleted":
		event.Type = domain.EventSubscriptionDeleted
		event.ProviderSubscriptionID = object.ID
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrEventIgnored, envelope.Type)
	}

	return event, nil
}

// verifySignature checks the v1 scheme: HMAC-SHA256 over "<timestamp>.<body>"
// with the endpoint secret, carried as "t=<ts>,v1=<hex>[,v1=<hex>...]".
func (a *Adapter) verifySignature(payload []byte, header string) error {
	if a.secret == "" {
		return nil
	}
	if strings.TrimSpace(header) == "" {
		return domain.ErrSignatureInvalid
	}

	var timestamp int64
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return domain.ErrSignatureInvalid
			}
			timestamp = parsed
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if timestamp == 0 || len(candidates) == 0 {
		return domain.ErrSignatureInvalid
	}

	age := a.now().Sub(time.Unix(timestamp, 0))
	if age > a.tolerance || age < -a.tolerance {
		return domain.ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return domain.ErrSignatureInvalid
}
