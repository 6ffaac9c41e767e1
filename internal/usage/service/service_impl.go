package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	pkgdb "github.com/smallbiznis/meterline/pkg/db"
	"github.com/smallbiznis/meterline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxIdempotencyKeyLen = 255
	recordedAtSkewLimit  = 24 * time.Hour
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	usagerepo repository.Repository[usagedomain.UsageRecord]
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		clock: p.Clock,

		usagerepo: repository.ProvideStore[usagedomain.UsageRecord](p.DB),
	}
}

func (s *Service) Ingest(ctx context.Context, req usagedomain.CreateIngestRequest) (*usagedomain.UsageRecord, error) {
	orgID, err := parseID(req.OrgID, usagedomain.ErrInvalidOrganization)
	if err != nil {
		return nil, err
	}
	subscriptionID, err := parseID(req.SubscriptionID, usagedomain.ErrInvalidSubscription)
	if err != nil {
		return nil, err
	}
	featureID, err := parseID(req.FeatureID, usagedomain.ErrInvalidFeature)
	if err != nil {
		return nil, err
	}

	featureCode := strings.TrimSpace(req.FeatureCode)
	if featureCode == "" {
		return nil, usagedomain.ErrInvalidFeatureCode
	}
	if err := validateQuantity(req.Quantity); err != nil {
		return nil, err
	}

	idempotencyKey := normalizeIdempotencyKey(req.IdempotencyKey)
	if idempotencyKey != nil && len(*idempotencyKey) > maxIdempotencyKeyLen {
		return nil, usagedomain.ErrInvalidIdempotencyKey
	}

	// Clock skew between emitters is tolerated; anything further ahead
	// would land in a metering period that may never close.
	if !req.RecordedAt.IsZero() && req.RecordedAt.After(s.clock.Now().Add(recordedAtSkewLimit)) {
		return nil, usagedomain.ErrInvalidRecordedAt
	}

	// Check presence before inserting so retries return the record exactly
	// as first accepted, regardless of what changed since.
	if idempotencyKey != nil {
		existing, err := s.findByIdempotencyKey(ctx, orgID, *idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if err := s.ensureBillableSubscription(ctx, orgID, subscriptionID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}

	record := &usagedomain.UsageRecord{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		SubscriptionID: subscriptionID,
		FeatureID:      featureID,
		FeatureCode:    featureCode,
		Quantity:       req.Quantity,
		RecordedAt:     recordedAt,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	db := s.db.WithContext(ctx)
	if idempotencyKey != nil {
		db = db.Clauses(idempotencyConflictClause(s.db))
	}
	result := db.Create(record)
	if result.Error != nil {
		// Dialects without a usable conflict target surface the unique
		// violation as an error instead of swallowing it.
		if idempotencyKey != nil && pkgdb.IsDuplicateKeyErr(result.Error) {
			existing, findErr := s.findByIdempotencyKey(ctx, orgID, *idempotencyKey)
			if findErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, result.Error
	}

	// Conflict swallowed by DO NOTHING: a concurrent ingest won the race,
	// return its record.
	if result.RowsAffected == 0 && idempotencyKey != nil {
		existing, err := s.findByIdempotencyKey(ctx, orgID, *idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	return record, nil
}

func (s *Service) SumUnbilled(ctx context.Context, orgID snowflake.ID) ([]usagedomain.UnbilledTotal, error) {
	if orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	var totals []usagedomain.UnbilledTotal
	err := s.db.WithContext(ctx).Raw(
		`SELECT subscription_id, feature_id, feature_code, SUM(quantity) AS quantity
		 FROM usage_records
		 WHERE org_id = ? AND billed = ?
		 GROUP BY subscription_id, feature_id, feature_code
		 ORDER BY subscription_id, feature_id`,
		orgID, false,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Service) MarkBilled(
	ctx context.Context,
	tx *gorm.DB,
	orgID, subscriptionID, featureID snowflake.ID,
	periodStart, periodEnd time.Time,
	externalUsageID string,
) (int64, error) {
	if tx == nil {
		return 0, errors.New("missing_transaction")
	}
	var external any
	if externalUsageID != "" {
		external = externalUsageID
	}
	result := tx.WithContext(ctx).Exec(
		`UPDATE usage_records
		 SET billed = ?, billed_at = ?, external_usage_id = ?, updated_at = ?
		 WHERE org_id = ? AND subscription_id = ? AND feature_id = ?
		   AND billed = ? AND recorded_at >= ? AND recorded_at < ?`,
		true, s.clock.Now(), external, s.clock.Now(),
		orgID, subscriptionID, featureID,
		false, periodStart, periodEnd,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (s *Service) ensureBillableSubscription(ctx context.Context, orgID, subscriptionID snowflake.ID) error {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, subscriptionID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return usagedomain.ErrInvalidSubscription
		}
		return err
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusCanceled {
		return usagedomain.ErrInvalidSubscription
	}
	return nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, orgID snowflake.ID, key string) (*usagedomain.UsageRecord, error) {
	return s.usagerepo.FindOne(ctx, &usagedomain.UsageRecord{
		OrgID:          orgID,
		IdempotencyKey: &key,
	})
}

func idempotencyConflictClause(db *gorm.DB) clause.OnConflict {
	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}
	if db != nil && strings.EqualFold(db.Dialector.Name(), "postgres") {
		conflict.TargetWhere = clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "idempotency_key IS NOT NULL"},
		}}
	}
	return conflict
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}

func validateQuantity(q float64) error {
	if math.IsNaN(q) || math.IsInf(q, 0) || q < 0 {
		return usagedomain.ErrInvalidQuantity
	}
	return nil
}

func normalizeIdempotencyKey(key *string) *string {
	if key == nil {
		return nil
	}
	value := strings.TrimSpace(*key)
	if value == "" {
		return nil
	}
	return &value
}
