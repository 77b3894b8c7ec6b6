// Package returnpoll covers the client side of a checkout: spotting the
// provider's return redirect and polling the license until it activates.
// Nothing here mutates the ledger directly.
package returnpoll

import (
	"net/url"
	"strings"

	"dspaving.app/licensing/models"
)

// Redirect is a hint that a payment probably happened. It is not proof.
type Redirect struct {
	ReferenceID string             `json:"reference_id"`
	Kind        models.PaymentKind `json:"kind"`
}

// DetectRedirect inspects the provider return query. status=approved with a
// payment id, or any preapproval id, counts as a redirect.
func DetectRedirect(q url.Values) (Redirect, bool) {
	if id := strings.TrimSpace(q.Get("preapproval_id")); id != "" {
		return Redirect{ReferenceID: id, Kind: models.KindSubscription}, true
	}

	status := strings.ToLower(strings.TrimSpace(firstOf(q, "status", "collection_status")))
	id := strings.TrimSpace(firstOf(q, "payment_id", "collection_id"))
	if status == "approved" && id != "" {
		return Redirect{ReferenceID: id, Kind: models.KindSinglePayment}, true
	}
	return Redirect{}, false
}

func firstOf(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}
