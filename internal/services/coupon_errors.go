package services

import "errors"

var (
	// ErrCouponRepositoryMissing indicates the coupon repository dependency is absent.
	ErrCouponRepositoryMissing = errors.New("coupon service: repository is not configured")
	// ErrCouponCodeRequired signals the supplied coupon code is missing or blank.
	ErrCouponCodeRequired = errors.New("coupon service: coupon code is required")
	// ErrCouponNotFound indicates no coupon exists for the provided code or id.
	ErrCouponNotFound = errors.New("coupon service: coupon not found")
	// ErrCouponInactive indicates the coupon exists but has been deactivated.
	ErrCouponInactive = errors.New("coupon service: coupon is inactive")
	// ErrCouponExpired indicates the coupon's expiry timestamp has passed.
	ErrCouponExpired = errors.New("coupon service: coupon has expired")
	// ErrCouponExhausted indicates the coupon's redemption limit has been reached.
	ErrCouponExhausted = errors.New("coupon service: coupon usage limit reached")
	// ErrCouponMinOrder indicates the order subtotal is below the coupon's minimum.
	ErrCouponMinOrder = errors.New("coupon service: order subtotal below coupon minimum")
	// ErrCouponInvalidInput signals invalid coupon definition data from an admin caller.
	ErrCouponInvalidInput = errors.New("coupon service: invalid input")
	// ErrCouponConflict indicates a duplicate code or concurrent modification.
	ErrCouponConflict = errors.New("coupon service: conflict")
)
