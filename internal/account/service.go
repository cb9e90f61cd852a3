package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pulsewatch-app/pulsewatch/internal/provider"
)

// ErrNotFound is returned when an account id does not exist.
var ErrNotFound = errors.New("account not found")

// Service owns account persistence and credential encryption.
type Service struct {
	db        *gorm.DB
	encryptor *Encryptor
	registry  *provider.Registry
}

func NewService(db *gorm.DB, encryptionKey string, registry *provider.Registry) (*Service, error) {
	enc, err := NewEncryptor(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, fmt.Errorf("migrating accounts: %w", err)
	}
	return &Service{db: db, encryptor: enc, registry: registry}, nil
}

func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Account, error) {
	p, err := s.registry.Get(req.ProviderID)
	if err != nil {
		return nil, err
	}
	if !p.ValidateCredentials(req.Credentials) {
		return nil, fmt.Errorf("credentials missing required fields for provider %s", req.ProviderID)
	}

	sealed, err := s.seal(req.Credentials)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := &Row{
		ID:          uuid.NewString(),
		ProviderID:  req.ProviderID,
		DisplayName: req.DisplayName,
		Credentials: sealed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return rowToAccount(row), nil
}

func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	row, err := s.row(ctx, id)
	if err != nil {
		return nil, err
	}
	return rowToAccount(row), nil
}

// List returns all accounts ordered by creation time.
func (s *Service) List(ctx context.Context) ([]Account, error) {
	var rows []Row
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	out := make([]Account, 0, len(rows))
	for i := range rows {
		out = append(out, *rowToAccount(&rows[i]))
	}
	return out, nil
}

// Credentials decrypts and returns the stored credentials for an account.
func (s *Service) Credentials(ctx context.Context, id string) (provider.Credentials, error) {
	row, err := s.row(ctx, id)
	if err != nil {
		return provider.Credentials{}, err
	}
	return s.open(row.Credentials)
}

// UpdateCredentials replaces the stored credentials. Callers are expected
// to resume the account's session afterwards.
func (s *Service) UpdateCredentials(ctx context.Context, id string, creds provider.Credentials) (*Account, error) {
	row, err := s.row(ctx, id)
	if err != nil {
		return nil, err
	}

	p, err := s.registry.Get(row.ProviderID)
	if err != nil {
		return nil, err
	}
	if !p.ValidateCredentials(creds) {
		return nil, fmt.Errorf("credentials missing required fields for provider %s", row.ProviderID)
	}

	sealed, err := s.seal(creds)
	if err != nil {
		return nil, err
	}

	row.Credentials = sealed
	row.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return nil, fmt.Errorf("updating credentials: %w", err)
	}
	return rowToAccount(row), nil
}

// Delete removes the account. Callers must cascade-clear scheduler and
// notification state for the id.
func (s *Service) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Row{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) row(ctx context.Context, id string) (*Row, error) {
	var row Row
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	return &row, nil
}

func (s *Service) seal(creds provider.Credentials) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("marshaling credentials: %w", err)
	}
	sealed, err := s.encryptor.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("encrypting credentials: %w", err)
	}
	return sealed, nil
}

func (s *Service) open(sealed string) (provider.Credentials, error) {
	raw, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("decrypting credentials: %w", err)
	}
	var creds provider.Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return provider.Credentials{}, fmt.Errorf("unmarshaling credentials: %w", err)
	}
	return creds, nil
}

func rowToAccount(row *Row) *Account {
	return &Account{
		ID:          row.ID,
		ProviderID:  row.ProviderID,
		DisplayName: row.DisplayName,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}
