package domain

import "time"

// WebhookDelivery is one row of the dedupe ledger, keyed by the
// provider-assigned delivery identifier. A delivery is processed at most
// once; replays answer with the recorded outcome.
type WebhookDelivery struct {
	DeliveryID   string    `json:"deliveryId"`
	EventType    string    `json:"eventType"`
	Action       string    `json:"action"`
	Reason       string    `json:"reason,omitempty"`
	DeploymentID string    `json:"deploymentId,omitempty"`
	ProcessedAt  time.Time `json:"processedAt"`
}
