package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/mytapcard/api/internal/domain"
	pfirestore "github.com/mytapcard/api/internal/platform/firestore"
	"github.com/mytapcard/api/internal/repositories"
)

const couponCollection = "coupons"

type couponDocument struct {
	Code          string     `firestore:"code"`
	Type          string     `firestore:"type"`
	Value         int64      `firestore:"value"`
	MinOrderValue int64      `firestore:"minOrderValue"`
	MaxDiscount   int64      `firestore:"maxDiscount"`
	MaxUses       int        `firestore:"maxUses"`
	UsedCount     int        `firestore:"usedCount"`
	Active        bool       `firestore:"active"`
	ExpiresAt     *time.Time `firestore:"expiresAt,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
}

// CouponRepository persists coupon documents within Firestore. Coupon codes
// are stored uppercase and queried by equality on the code field.
type CouponRepository struct {
	base     *pfirestore.BaseRepository[couponDocument]
	provider *pfirestore.Provider
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[couponDocument](provider, couponCollection, nil, nil)
	return &CouponRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert creates a new coupon document. A conflict error is returned when a
// coupon with the same code already exists.
func (r *CouponRepository) Insert(ctx context.Context, coupon domain.Coupon) error {
	if r == nil || r.base == nil {
		return errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(coupon.ID)
	if id == "" {
		return errors.New("coupon repository: coupon id is required")
	}
	code := normalizeCouponCode(coupon.Code)
	if code == "" {
		return errors.New("coupon repository: coupon code is required")
	}

	existing, err := r.FindByCode(ctx, code)
	if err == nil && existing.ID != id {
		return pfirestore.WrapError("coupons.insert", status.Error(codes.AlreadyExists, fmt.Sprintf("coupon code %s already exists", code)))
	}
	if err != nil {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			return err
		}
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeCoupon(coupon)); err != nil {
		return pfirestore.WrapError("coupons.insert", err)
	}
	return nil
}

// Update overwrites the coupon document.
func (r *CouponRepository) Update(ctx context.Context, coupon domain.Coupon) error {
	if r == nil || r.base == nil {
		return errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(coupon.ID)
	if id == "" {
		return errors.New("coupon repository: coupon id is required")
	}
	if _, err := r.base.Set(ctx, id, encodeCoupon(coupon)); err != nil {
		return err
	}
	return nil
}

// Delete removes the coupon document.
func (r *CouponRepository) Delete(ctx context.Context, couponID string) error {
	if r == nil || r.base == nil {
		return errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(couponID)
	if id == "" {
		return errors.New("coupon repository: coupon id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("coupons.delete", err)
	}
	return nil
}

// FindByID loads a coupon by document ID.
func (r *CouponRepository) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	if r == nil || r.base == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(couponID)
	if id == "" {
		return domain.Coupon{}, errors.New("coupon repository: coupon id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Coupon{}, err
	}
	return decodeCoupon(doc.ID, doc.Data), nil
}

// FindByCode loads a coupon by its normalized code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.base == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	normalized := normalizeCouponCode(code)
	if normalized == "" {
		return domain.Coupon{}, errors.New("coupon repository: coupon code is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", normalized).Limit(1)
	})
	if err != nil {
		return domain.Coupon{}, err
	}
	if len(docs) == 0 {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", status.Error(codes.NotFound, fmt.Sprintf("coupon %s not found", normalized)))
	}
	return decodeCoupon(docs[0].ID, docs[0].Data), nil
}

// List returns coupons ordered by creation time descending.
func (r *CouponRepository) List(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Coupon]{}, errors.New("coupon repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.ActiveOnly {
			q = q.Where("active", "==", true)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor := strings.TrimSpace(filter.Pagination.PageToken); cursor != "" {
			if createdAt, docID, ok := decodeTimeCursor(cursor); ok {
				q = q.StartAfter(createdAt, docID)
			}
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, err
	}

	page := domain.CursorPage[domain.Coupon]{Items: make([]domain.Coupon, 0, len(docs))}
	for i, doc := range docs {
		if i == pageSize {
			last := docs[pageSize-1]
			page.NextPageToken = encodeTimeCursor(last.Data.CreatedAt, last.ID)
			break
		}
		page.Items = append(page.Items, decodeCoupon(doc.ID, doc.Data))
	}
	return page, nil
}

// IncrementUsage bumps the used count after re-checking the usage limit.
// The read and conditional write join an enclosing transaction when one is
// present in the context; otherwise a dedicated transaction is used.
func (r *CouponRepository) IncrementUsage(ctx context.Context, couponID string, now time.Time) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(couponID)
	if id == "" {
		return domain.Coupon{}, errors.New("coupon repository: coupon id is required")
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return domain.Coupon{}, err
	}

	var updated domain.Coupon
	apply := func(tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc couponDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore coupons decode %s: %w", id, err)
		}
		if doc.MaxUses > 0 && doc.UsedCount >= doc.MaxUses {
			return status.Error(codes.FailedPrecondition, fmt.Sprintf("coupon %s usage limit reached", doc.Code))
		}
		doc.UsedCount++
		doc.UpdatedAt = now.UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = decodeCoupon(id, doc)
		return nil
	}

	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		if err := apply(tx); err != nil {
			return domain.Coupon{}, pfirestore.WrapError("coupons.incrementUsage", err)
		}
		return updated, nil
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return apply(tx)
	})
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.incrementUsage", err)
	}
	return updated, nil
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func encodeCoupon(coupon domain.Coupon) couponDocument {
	doc := couponDocument{
		Code:          normalizeCouponCode(coupon.Code),
		Type:          string(coupon.Type),
		Value:         coupon.Value,
		MinOrderValue: coupon.MinOrderValue,
		MaxDiscount:   coupon.MaxDiscount,
		MaxUses:       coupon.MaxUses,
		UsedCount:     coupon.UsedCount,
		Active:        coupon.Active,
		CreatedAt:     coupon.CreatedAt.UTC(),
		UpdatedAt:     coupon.UpdatedAt.UTC(),
	}
	if coupon.ExpiresAt != nil && !coupon.ExpiresAt.IsZero() {
		expires := coupon.ExpiresAt.UTC()
		doc.ExpiresAt = &expires
	}
	return doc
}

func decodeCoupon(id string, doc couponDocument) domain.Coupon {
	coupon := domain.Coupon{
		ID:            id,
		Code:          doc.Code,
		Type:          domain.CouponType(doc.Type),
		Value:         doc.Value,
		MinOrderValue: doc.MinOrderValue,
		MaxDiscount:   doc.MaxDiscount,
		MaxUses:       doc.MaxUses,
		UsedCount:     doc.UsedCount,
		Active:        doc.Active,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	if doc.ExpiresAt != nil && !doc.ExpiresAt.IsZero() {
		expires := *doc.ExpiresAt
		coupon.ExpiresAt = &expires
	}
	return coupon
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
