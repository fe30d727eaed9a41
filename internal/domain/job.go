package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProvisioningJob asks the provisioning worker to prepare a tenant database.
// Only TenantID travels on the wire; the other fields are filled in by the
// queue on delivery.
type ProvisioningJob struct {
	TenantID uuid.UUID `json:"tenantId"`

	// MessageID is the transport-specific delivery handle used to ack.
	MessageID string `json:"-"`
	// Attempt is the 1-based delivery count.
	Attempt int `json:"-"`
	// Consumer is the worker the delivery is assigned to.
	Consumer string `json:"-"`
	// DeliveredAt is when this delivery was handed to the consumer.
	DeliveredAt time.Time `json:"-"`
}
