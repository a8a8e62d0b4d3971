package pgevents

import (
	"context"
	"time"

	"github.com/BearBump/PixelRelay/internal/models"
	"github.com/pkg/errors"
)

// Конфиги площадок ведёт внешняя админка; ядро их только читает.
// CreatePlatformConfig нужен сидам и интеграционным тестам.

func (s *Storage) ListActivePlatformConfigs(ctx context.Context, merchantID string) ([]*models.PlatformConfig, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, merchant_id, platform, account_id, credential,
       conversion_api_enabled, test_mode, active,
       created_at, updated_at
FROM platform_configs
WHERE merchant_id = $1 AND active
ORDER BY platform, account_id
`, merchantID)
	if err != nil {
		return nil, errors.Wrap(err, "select platform configs")
	}
	defer rows.Close()

	var out []*models.PlatformConfig
	for rows.Next() {
		var c models.PlatformConfig
		if err := rows.Scan(
			&c.ID, &c.MerchantID, &c.Platform, &c.AccountID, &c.Credential,
			&c.ConversionAPIEnabled, &c.TestMode, &c.Active,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan platform config")
		}
		out = append(out, &c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) CreatePlatformConfig(ctx context.Context, c *models.PlatformConfig) (uint64, error) {
	now := time.Now().UTC()
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO platform_configs (
  merchant_id, platform, account_id, credential,
  conversion_api_enabled, test_mode, active,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
ON CONFLICT (merchant_id, platform, account_id)
DO UPDATE SET credential = $4, conversion_api_enabled = $5, test_mode = $6, active = $7, updated_at = $8
RETURNING id
`, c.MerchantID, c.Platform, c.AccountID, c.Credential,
		c.ConversionAPIEnabled, c.TestMode, c.Active, now).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "upsert platform config")
	}
	return id, nil
}
