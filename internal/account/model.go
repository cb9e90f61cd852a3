package account

import (
	"time"

	"github.com/pulsewatch-app/pulsewatch/internal/provider"
)

// Account is a monitored provider account. Credentials are never embedded
// here; they are decrypted on demand through the Service.
type Account struct {
	ID          string    `json:"id"`
	ProviderID  string    `json:"provider_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Row is the database representation. Credentials holds the AES-GCM
// ciphertext of the JSON-encoded provider credentials.
type Row struct {
	ID          string `gorm:"primaryKey"`
	ProviderID  string `gorm:"index"`
	DisplayName string
	Credentials string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Row) TableName() string { return "accounts" }

type CreateRequest struct {
	ProviderID  string               `json:"provider_id" validate:"required"`
	DisplayName string               `json:"display_name" validate:"required,min=1,max=120"`
	Credentials provider.Credentials `json:"credentials"`
}

type UpdateCredentialsRequest struct {
	Credentials provider.Credentials `json:"credentials"`
}
