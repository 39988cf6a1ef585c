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

const orderCollection = "orders"

type orderDocument struct {
	OrderNumber       string                `firestore:"orderNumber"`
	UserID            string                `firestore:"userId"`
	UserEmail         string                `firestore:"userEmail"`
	Currency          string                `firestore:"currency"`
	Items             []orderItemDocument   `firestore:"items"`
	Totals            orderTotalsDocument   `firestore:"totals"`
	CouponCode        *string               `firestore:"couponCode,omitempty"`
	PaymentProvider   *string               `firestore:"paymentProvider,omitempty"`
	PaymentStatus     string                `firestore:"paymentStatus"`
	PaymentRef        *string               `firestore:"paymentRef,omitempty"`
	FulfillmentStatus string                `firestore:"fulfillmentStatus"`
	Timeline          []timelineDocument    `firestore:"timeline"`
	ShippingAddress   *orderAddressDocument `firestore:"shippingAddress,omitempty"`
	CreatedAt         time.Time             `firestore:"createdAt"`
	UpdatedAt         time.Time             `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	SKU       string `firestore:"sku,omitempty"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
	ImageURL  string `firestore:"imageUrl,omitempty"`
	Total     int64  `firestore:"total"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Shipping int64 `firestore:"shipping"`
	Total    int64 `firestore:"total"`
}

type timelineDocument struct {
	Timestamp time.Time `firestore:"timestamp"`
	Status    string    `firestore:"status"`
	Note      string    `firestore:"note,omitempty"`
	ByAdmin   string    `firestore:"byAdmin,omitempty"`
}

type orderAddressDocument struct {
	Name       string `firestore:"name,omitempty"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

// OrderRepository persists order documents within Firestore. The timeline on
// each document is append-only: updates rewrite the document inside a
// transaction and only ever add timeline entries.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert creates the order document. The create joins an enclosing transaction
// when one is present in the context.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	doc := encodeOrder(order)

	if tx, ok := pfirestore.TransactionFromContext(ctx); ok {
		if err := tx.Create(ref, doc); err != nil {
			return pfirestore.WrapError("orders.insert", err)
		}
		return nil
	}

	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads an order by document ID.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// FindByPaymentRef loads the order holding the given gateway invoice reference.
func (r *OrderRepository) FindByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	ref := strings.TrimSpace(paymentRef)
	if ref == "" {
		return domain.Order{}, errors.New("order repository: payment ref is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentRef", "==", ref).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.findByPaymentRef", status.Error(codes.NotFound, fmt.Sprintf("order with payment ref %s not found", ref)))
	}
	return decodeOrder(docs[0].ID, docs[0].Data), nil
}

// List returns orders ordered by creation time descending. Search narrows by
// order-number or email prefix; Firestore offers no substring matching, so the
// term is applied as a range scan on the relevant field.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		if len(filter.PaymentStatus) > 0 {
			q = q.Where("paymentStatus", "in", statusStrings(filter.PaymentStatus))
		}
		if len(filter.FulfillmentStatus) > 0 {
			q = q.Where("fulfillmentStatus", "in", fulfillmentStrings(filter.FulfillmentStatus))
		}
		if search := strings.TrimSpace(filter.Search); search != "" {
			field := "userEmail"
			if looksLikeOrderNumber(search) {
				field = "orderNumber"
				search = strings.ToUpper(search)
			}
			q = q.Where(field, ">=", search).Where(field, "<", search+"\uf8ff")
			// Range filters force ordering on the filtered field first.
			q = q.OrderBy(field, firestore.Asc)
		}
		if filter.DateRange.From != nil {
			q = q.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor := strings.TrimSpace(filter.Pagination.PageToken); cursor != "" && strings.TrimSpace(filter.Search) == "" {
			if createdAt, docID, ok := decodeTimeCursor(cursor); ok {
				q = q.StartAfter(createdAt, docID)
			}
		}
		return q.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, len(docs))}
	for i, doc := range docs {
		if i == pageSize {
			last := docs[pageSize-1]
			page.NextPageToken = encodeTimeCursor(last.Data.CreatedAt, last.ID)
			break
		}
		page.Items = append(page.Items, decodeOrder(doc.ID, doc.Data))
	}
	return page, nil
}

// UpdatePayment applies payment-track changes and appends timeline entries in
// a transactional read-modify-write so the timeline stays append-only.
func (r *OrderRepository) UpdatePayment(ctx context.Context, orderID string, update repositories.OrderPaymentUpdate) (domain.Order, error) {
	return r.mutate(ctx, orderID, "orders.updatePayment", func(doc *orderDocument) {
		doc.PaymentStatus = string(update.PaymentStatus)
		if update.PaymentProvider != nil {
			provider := strings.TrimSpace(*update.PaymentProvider)
			doc.PaymentProvider = &provider
		}
		if update.PaymentRef != nil {
			ref := strings.TrimSpace(*update.PaymentRef)
			doc.PaymentRef = &ref
		}
		doc.Timeline = append(doc.Timeline, encodeTimeline(update.Timeline)...)
		doc.UpdatedAt = update.UpdatedAt.UTC()
	})
}

// UpdateFulfillment applies fulfillment-track changes and appends timeline entries.
func (r *OrderRepository) UpdateFulfillment(ctx context.Context, orderID string, update repositories.OrderFulfillmentUpdate) (domain.Order, error) {
	return r.mutate(ctx, orderID, "orders.updateFulfillment", func(doc *orderDocument) {
		doc.FulfillmentStatus = string(update.FulfillmentStatus)
		doc.Timeline = append(doc.Timeline, encodeTimeline(update.Timeline)...)
		doc.UpdatedAt = update.UpdatedAt.UTC()
	})
}

func (r *OrderRepository) mutate(ctx context.Context, orderID string, op string, apply func(doc *orderDocument)) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", id, err)
		}
		apply(&doc)
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = decodeOrder(id, doc)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return updated, nil
}

func statusStrings(values []domain.PaymentStatus) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}

func fulfillmentStrings(values []domain.FulfillmentStatus) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}

func looksLikeOrderNumber(search string) bool {
	upper := strings.ToUpper(strings.TrimSpace(search))
	return strings.HasPrefix(upper, "MTC-")
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:       strings.TrimSpace(order.OrderNumber),
		UserID:            strings.TrimSpace(order.UserID),
		UserEmail:         strings.ToLower(strings.TrimSpace(order.UserEmail)),
		Currency:          strings.ToUpper(strings.TrimSpace(order.Currency)),
		Items:             make([]orderItemDocument, 0, len(order.Items)),
		Totals:            orderTotalsDocument(order.Totals),
		PaymentStatus:     string(order.PaymentStatus),
		FulfillmentStatus: string(order.FulfillmentStatus),
		Timeline:          encodeTimeline(order.Timeline),
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument(item))
	}
	if order.CouponCode != nil && strings.TrimSpace(*order.CouponCode) != "" {
		code := strings.TrimSpace(*order.CouponCode)
		doc.CouponCode = &code
	}
	if order.PaymentProvider != nil && strings.TrimSpace(*order.PaymentProvider) != "" {
		provider := strings.TrimSpace(*order.PaymentProvider)
		doc.PaymentProvider = &provider
	}
	if order.PaymentRef != nil && strings.TrimSpace(*order.PaymentRef) != "" {
		ref := strings.TrimSpace(*order.PaymentRef)
		doc.PaymentRef = &ref
	}
	if order.ShippingAddress != nil {
		addr := orderAddressDocument(*order.ShippingAddress)
		doc.ShippingAddress = &addr
	}
	return doc
}

func encodeTimeline(entries []domain.TimelineEntry) []timelineDocument {
	out := make([]timelineDocument, 0, len(entries))
	for _, entry := range entries {
		out = append(out, timelineDocument{
			Timestamp: entry.Timestamp.UTC(),
			Status:    entry.Status,
			Note:      entry.Note,
			ByAdmin:   entry.ByAdmin,
		})
	}
	return out
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:                id,
		OrderNumber:       doc.OrderNumber,
		UserID:            doc.UserID,
		UserEmail:         doc.UserEmail,
		Currency:          doc.Currency,
		Items:             make([]domain.OrderLineItem, 0, len(doc.Items)),
		Totals:            domain.OrderTotals(doc.Totals),
		PaymentStatus:     domain.PaymentStatus(doc.PaymentStatus),
		FulfillmentStatus: domain.FulfillmentStatus(doc.FulfillmentStatus),
		Timeline:          make([]domain.TimelineEntry, 0, len(doc.Timeline)),
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderLineItem(item))
	}
	for _, entry := range doc.Timeline {
		order.Timeline = append(order.Timeline, domain.TimelineEntry(entry))
	}
	if doc.CouponCode != nil {
		code := *doc.CouponCode
		order.CouponCode = &code
	}
	if doc.PaymentProvider != nil {
		provider := *doc.PaymentProvider
		order.PaymentProvider = &provider
	}
	if doc.PaymentRef != nil {
		ref := *doc.PaymentRef
		order.PaymentRef = &ref
	}
	if doc.ShippingAddress != nil {
		addr := domain.Address(*doc.ShippingAddress)
		order.ShippingAddress = &addr
	}
	return order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
