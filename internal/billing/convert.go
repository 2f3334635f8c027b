package billing

import (
	"time"

	"bgbyebye/internal/models"

	"github.com/stripe/stripe-go/v76"
)

func toCheckoutSession(sess *stripe.CheckoutSession) models.CheckoutSession {
	out := models.CheckoutSession{
		ID:                sess.ID,
		Status:            string(sess.Status),
		PaymentStatus:     string(sess.PaymentStatus),
		Mode:              string(sess.Mode),
		AmountTotal:       sess.AmountTotal,
		ClientReferenceID: sess.ClientReferenceID,
		Metadata:          sess.Metadata,
		CustomerEmail:     sess.CustomerEmail,
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
		if out.CustomerEmail == "" {
			out.CustomerEmail = sess.Customer.Email
		}
	}
	if out.CustomerEmail == "" && sess.CustomerDetails != nil {
		out.CustomerEmail = sess.CustomerDetails.Email
	}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
		out.SubscriptionStatus = string(sess.Subscription.Status)
	}
	return out
}

func toSubscription(sub *stripe.Subscription) models.Subscription {
	out := models.Subscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Prices:             []models.PriceInfo{},
	}
	if sub.Items == nil {
		return out
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		price := models.PriceInfo{
			UnitAmount: item.Price.UnitAmount,
			Currency:   string(item.Price.Currency),
		}
		if item.Price.Recurring != nil {
			price.Interval = string(item.Price.Recurring.Interval)
			price.IntervalCount = item.Price.Recurring.IntervalCount
		}
		out.Prices = append(out.Prices, price)
	}
	return out
}

func toPaymentMethod(pm *stripe.PaymentMethod) models.PaymentMethod {
	out := models.PaymentMethod{ID: pm.ID, Type: string(pm.Type)}
	if pm.Card != nil {
		out.Card = &models.Card{
			Brand:    string(pm.Card.Brand),
			Last4:    pm.Card.Last4,
			ExpMonth: pm.Card.ExpMonth,
			ExpYear:  pm.Card.ExpYear,
		}
	}
	return out
}
