package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/mytapcard/api/internal/domain"
	"github.com/mytapcard/api/internal/repositories"
)

const couponIDPrefix = "cpn_"

// CouponServiceDeps bundles dependencies required to construct a CouponService implementation.
type CouponServiceDeps struct {
	Coupons     repositories.CouponRepository
	Clock       func() time.Time
	IDGenerator func() string
}

type couponService struct {
	repo  repositories.CouponRepository
	clock func() time.Time
	newID func() string
}

// NewCouponService wires a CouponService backed by the provided repository.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, ErrCouponRepositoryMissing
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	return &couponService{
		repo:  deps.Coupons,
		clock: func() time.Time { return clock().UTC() },
		newID: idGen,
	}, nil
}

// Evaluate validates the coupon against the subtotal and computes the discount.
// It has no side effects; consumption happens inside order creation.
func (s *couponService) Evaluate(ctx context.Context, code string, subtotal int64) (CouponEvaluation, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return CouponEvaluation{}, ErrCouponCodeRequired
	}
	if subtotal < 0 {
		return CouponEvaluation{}, fmt.Errorf("%w: subtotal must not be negative", ErrCouponInvalidInput)
	}

	coupon, err := s.repo.FindByCode(ctx, normalized)
	if err != nil {
		return CouponEvaluation{}, s.mapRepositoryError(err)
	}

	if !coupon.Active {
		return CouponEvaluation{}, ErrCouponInactive
	}
	if coupon.ExpiresAt != nil && !coupon.ExpiresAt.After(s.clock()) {
		return CouponEvaluation{}, ErrCouponExpired
	}
	if coupon.MaxUses > 0 && coupon.UsedCount >= coupon.MaxUses {
		return CouponEvaluation{}, ErrCouponExhausted
	}
	if subtotal < coupon.MinOrderValue {
		return CouponEvaluation{}, fmt.Errorf("%w: minimum order is %d", ErrCouponMinOrder, coupon.MinOrderValue)
	}

	return CouponEvaluation{
		CouponID: coupon.ID,
		Code:     coupon.Code,
		Type:     coupon.Type,
		Value:    coupon.Value,
		Discount: computeDiscount(coupon, subtotal),
	}, nil
}

func (s *couponService) CreateCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	coupon, err := s.buildCoupon(cmd)
	if err != nil {
		return Coupon{}, err
	}

	now := s.clock()
	coupon.ID = couponIDPrefix + s.newID()
	coupon.UsedCount = 0
	coupon.CreatedAt = now
	coupon.UpdatedAt = now

	if err := s.repo.Insert(ctx, coupon); err != nil {
		return Coupon{}, s.mapRepositoryError(err)
	}
	return coupon, nil
}

func (s *couponService) UpdateCoupon(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	couponID := strings.TrimSpace(cmd.CouponID)
	if couponID == "" {
		return Coupon{}, fmt.Errorf("%w: coupon id is required", ErrCouponInvalidInput)
	}

	existing, err := s.repo.FindByID(ctx, couponID)
	if err != nil {
		return Coupon{}, s.mapRepositoryError(err)
	}

	updated, err := s.buildCoupon(cmd)
	if err != nil {
		return Coupon{}, err
	}

	updated.ID = existing.ID
	updated.UsedCount = existing.UsedCount
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.clock()

	if err := s.repo.Update(ctx, updated); err != nil {
		return Coupon{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

func (s *couponService) DeleteCoupon(ctx context.Context, couponID string) error {
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		return fmt.Errorf("%w: coupon id is required", ErrCouponInvalidInput)
	}
	if err := s.repo.Delete(ctx, couponID); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *couponService) GetCoupon(ctx context.Context, couponID string) (Coupon, error) {
	couponID = strings.TrimSpace(couponID)
	if couponID == "" {
		return Coupon{}, fmt.Errorf("%w: coupon id is required", ErrCouponInvalidInput)
	}
	coupon, err := s.repo.FindByID(ctx, couponID)
	if err != nil {
		return Coupon{}, s.mapRepositoryError(err)
	}
	return coupon, nil
}

func (s *couponService) ListCoupons(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error) {
	page, err := s.repo.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Coupon]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *couponService) buildCoupon(cmd UpsertCouponCommand) (Coupon, error) {
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if code == "" {
		return Coupon{}, ErrCouponCodeRequired
	}

	switch cmd.Type {
	case domain.CouponTypePercent:
		if cmd.Value < 0 || cmd.Value > 100 {
			return Coupon{}, fmt.Errorf("%w: percent value must be between 0 and 100", ErrCouponInvalidInput)
		}
	case domain.CouponTypeFixed:
		if cmd.Value < 0 {
			return Coupon{}, fmt.Errorf("%w: fixed value must not be negative", ErrCouponInvalidInput)
		}
	default:
		return Coupon{}, fmt.Errorf("%w: coupon type must be percent or fixed", ErrCouponInvalidInput)
	}

	if cmd.MinOrderValue < 0 || cmd.MaxDiscount < 0 || cmd.MaxUses < 0 {
		return Coupon{}, fmt.Errorf("%w: constraints must not be negative", ErrCouponInvalidInput)
	}

	coupon := Coupon{
		Code:          code,
		Type:          cmd.Type,
		Value:         cmd.Value,
		MinOrderValue: cmd.MinOrderValue,
		MaxDiscount:   cmd.MaxDiscount,
		MaxUses:       cmd.MaxUses,
		Active:        cmd.Active,
	}
	if cmd.ExpiresAt != nil {
		expires := cmd.ExpiresAt.UTC()
		coupon.ExpiresAt = &expires
	}
	return coupon, nil
}

func (s *couponService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCouponNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCouponConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("coupon service: repository unavailable: %w", err)
		}
	}

	return err
}

// computeDiscount applies the percent or fixed value, the optional cap, and
// the subtotal ceiling. Percent math rounds half away from zero on the
// fractional minor unit.
func computeDiscount(coupon Coupon, subtotal int64) int64 {
	var discount int64
	switch coupon.Type {
	case domain.CouponTypePercent:
		discount = (subtotal*coupon.Value + 50) / 100
	default:
		discount = coupon.Value
	}

	if coupon.MaxDiscount > 0 && discount > coupon.MaxDiscount {
		discount = coupon.MaxDiscount
	}
	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}
