package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	pricetierdomain "github.com/smallbiznis/meterline/internal/pricetier/domain"
	"github.com/smallbiznis/meterline/pkg/db/option"
	"github.com/smallbiznis/meterline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	tierrepo repository.Repository[pricetierdomain.UsageTier]
}

func NewService(p ServiceParam) pricetierdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("pricetier.service"),

		tierrepo: repository.ProvideStore[pricetierdomain.UsageTier](p.DB),
	}
}

var errMissingFeature = errors.New("missing_feature")

func (s *Service) LoadTierSet(ctx context.Context, orgID, featureID snowflake.ID) ([]pricetierdomain.UsageTier, error) {
	if orgID == 0 || featureID == 0 {
		return nil, errMissingFeature
	}

	rows, err := s.tierrepo.Find(ctx,
		&pricetierdomain.UsageTier{OrgID: orgID, FeatureID: featureID},
		option.WithOrder("from_quantity ASC"),
	)
	if err != nil {
		return nil, err
	}
	tiers := make([]pricetierdomain.UsageTier, 0, len(rows))
	for _, row := range rows {
		tiers = append(tiers, *row)
	}

	if err := pricetierdomain.ValidateTierSet(tiers); err != nil {
		s.log.Error("tier set rejected",
			zap.String("org_id", orgID.String()),
			zap.String("feature_id", featureID.String()),
			zap.Error(err),
		)
		return nil, &pricetierdomain.ConfigurationError{FeatureID: featureID.String(), Err: err}
	}
	return tiers, nil
}

func (s *Service) PriceQuantity(ctx context.Context, orgID, featureID snowflake.ID, quantity float64) (int64, error) {
	tiers, err := s.LoadTierSet(ctx, orgID, featureID)
	if err != nil {
		return 0, err
	}
	return pricetierdomain.CalculateCharge(quantity, tiers)
}
