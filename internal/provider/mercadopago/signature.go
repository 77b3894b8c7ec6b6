package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/models"
)

// SignatureTolerance bounds how far the signed timestamp may drift from the
// receiver's clock before a delivery is treated as replayed.
const SignatureTolerance = 5 * time.Minute

// VerifySignature checks the x-signature header of a Mercado Pago
// notification against the manifest built from the resource id, the
// x-request-id header and the signed timestamp.
func VerifySignature(secret, signatureHeader, requestID, dataID string) error {
	return verifySignatureAt(secret, signatureHeader, requestID, dataID, time.Now())
}

func verifySignatureAt(secret, signatureHeader, requestID, dataID string, now time.Time) error {
	if secret == "" || signatureHeader == "" {
		return models.ErrInvalidSignature
	}

	var ts, v1 string
	for _, part := range strings.Split(signatureHeader, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ts":
			ts = strings.TrimSpace(v)
		case "v1":
			v1 = strings.TrimSpace(v)
		}
	}
	if ts == "" || v1 == "" {
		return models.ErrInvalidSignature
	}

	got, err := hex.DecodeString(v1)
	if err != nil {
		return models.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest(dataID, requestID, ts)))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return models.ErrInvalidSignature
	}

	signedAt, err := parseTimestamp(ts)
	if err != nil {
		return models.ErrInvalidSignature
	}
	if drift := now.Sub(signedAt); drift > SignatureTolerance || drift < -SignatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", models.ErrInvalidSignature)
	}
	return nil
}

// parseTimestamp reads ts as milliseconds, or as seconds for values too small
// to be a millisecond clock.
func parseTimestamp(ts string) (time.Time, error) {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n < 1e12 {
		return time.Unix(n, 0), nil
	}
	return time.UnixMilli(n), nil
}

// SignatureHeader produces a valid x-signature value. Used by tests and the
// local tooling that replays notifications.
func SignatureHeader(secret, requestID, dataID string, at time.Time) string {
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest(dataID, requestID, ts)))
	return fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// Parts that are absent from the notification are left out of the manifest.
func manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

// flexID accepts ids sent either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type notificationBody struct {
	ID     flexID `json:"id"`
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

// ParseNotification extracts the notification type and resource id from a
// webhook delivery. The JSON body wins; older deliveries only carry
// `type`/`topic` and `data.id`/`id` query parameters.
func ParseNotification(body []byte, query url.Values) provider.Notification {
	var n provider.Notification

	var nb notificationBody
	if len(body) > 0 && json.Unmarshal(body, &nb) == nil {
		n.Type = nb.Type
		if n.Type == "" {
			n.Type = nb.Topic
		}
		n.ResourceID = string(nb.Data.ID)
		n.DeliveryID = string(nb.ID)
	}

	if n.Type == "" {
		n.Type = query.Get("type")
	}
	if n.Type == "" {
		n.Type = query.Get("topic")
	}
	if n.ResourceID == "" {
		n.ResourceID = query.Get("data.id")
	}
	if n.ResourceID == "" {
		n.ResourceID = query.Get("id")
	}

	n.Type = strings.TrimSpace(n.Type)
	n.ResourceID = strings.TrimSpace(n.ResourceID)
	return n
}
