package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	domain "github.com/donorportal/api/internal/domain"
	pmongo "github.com/donorportal/api/internal/platform/mongo"
	"github.com/donorportal/api/internal/platform/pagination"
	"github.com/donorportal/api/internal/repositories"
)

const defaultOrdersCollection = "orders"

// OrderRepository stores orders as single documents so every edit is one atomic update.
type OrderRepository struct {
	provider   *pmongo.Provider
	collection string
	clock      func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// OrderRepositoryOption customises the repository.
type OrderRepositoryOption func(*OrderRepository)

// WithOrdersCollection overrides the collection name.
func WithOrdersCollection(name string) OrderRepositoryOption {
	return func(r *OrderRepository) {
		if strings.TrimSpace(name) != "" {
			r.collection = strings.TrimSpace(name)
		}
	}
}

// WithOrderClock sets the clock stamping updatedAt on draft edits.
func WithOrderClock(clock func() time.Time) OrderRepositoryOption {
	return func(r *OrderRepository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewOrderRepository constructs a MongoDB-backed order repository.
func NewOrderRepository(provider *pmongo.Provider, opts ...OrderRepositoryOption) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository: mongo provider is required")
	}
	repo := &OrderRepository{provider: provider, collection: defaultOrdersCollection, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// EnsureIndexes creates the indexes used by customer listings and claim lookups.
func (r *OrderRepository) EnsureIndexes(ctx context.Context) error {
	coll, err := r.coll(ctx)
	if err != nil {
		return err
	}
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "orderNo", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "customerId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "projects.slug", Value: 1}, {Key: "projects.entries.entryId", Value: 1}}},
	})
	return pmongo.WrapError("orders.indexes", err)
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: id is required")
	}
	coll, err := r.coll(ctx)
	if err != nil {
		return err
	}
	_, err = coll.InsertOne(ctx, encodeOrder(order))
	return pmongo.WrapError("orders.insert", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	coll, err := r.coll(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	var doc orderDocument
	if err := coll.FindOne(ctx, bson.M{"_id": orderID}).Decode(&doc); err != nil {
		return domain.Order{}, pmongo.WrapError("orders.find", err)
	}
	return decodeOrder(doc), nil
}

// List pages orders newest first using a keyset cursor on (createdAt, _id).
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := pagination.Normalize(filter.Pagination.PageSize)

	query := bson.M{}
	if id := strings.TrimSpace(filter.CustomerID); id != "" {
		query["customerId"] = id
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		query["status"] = bson.M{"$in": statuses}
	}
	created := bson.M{}
	if from := filter.DateRange.From; from != nil {
		created["$gte"] = from.UTC()
	}
	if to := filter.DateRange.To; to != nil {
		created["$lte"] = to.UTC()
	}
	if len(created) > 0 {
		query["createdAt"] = created
	}
	if !cursor.IsZero() {
		query["$or"] = bson.A{
			bson.M{"createdAt": bson.M{"$lt": cursor.CreatedAt.UTC()}},
			bson.M{"createdAt": cursor.CreatedAt.UTC(), "_id": bson.M{"$lt": cursor.ID}},
		}
	}

	orders, err := r.find(ctx, "orders.list", query, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(size+1)))
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > size {
		page.Items = orders[:size]
		last := page.Items[size-1]
		page.NextPageToken = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func (r *OrderRepository) ListReferencingEntry(ctx context.Context, projectSlug, entryID, excludeOrderID string) ([]domain.Order, error) {
	query := bson.M{
		"projects": bson.M{"$elemMatch": bson.M{"slug": projectSlug, "entries.entryId": entryID}},
	}
	if excludeOrderID != "" {
		query["_id"] = bson.M{"$ne": excludeOrderID}
	}
	return r.find(ctx, "orders.referencing_entry", query, nil)
}

func (r *OrderRepository) ListReferencingProject(ctx context.Context, projectSlug, excludeOrderID string) ([]domain.Order, error) {
	query := bson.M{"projects.slug": projectSlug}
	if excludeOrderID != "" {
		query["_id"] = bson.M{"$ne": excludeOrderID}
	}
	return r.find(ctx, "orders.referencing_project", query, nil)
}

func (r *OrderRepository) AddProject(ctx context.Context, orderID string, project domain.OrderProject) error {
	filter := draftFilter(orderID)
	filter["projects.slug"] = bson.M{"$ne": project.Slug}
	return r.updateDraft(ctx, "orders.add_project", orderID, filter, bson.M{
		"$push": bson.M{"projects": encodeProject(project)},
	})
}

func (r *OrderRepository) RemoveProject(ctx context.Context, orderID, slug string) error {
	filter := projectFilter(orderID, slug)
	return r.updateDraft(ctx, "orders.remove_project", orderID, filter, bson.M{
		"$pull": bson.M{"projects": bson.M{"slug": slug}},
	})
}

func (r *OrderRepository) SetProjectEntries(ctx context.Context, orderID, slug string, entries []domain.OrderEntry) error {
	return r.updateDraft(ctx, "orders.set_entries", orderID, projectFilter(orderID, slug), bson.M{
		"$set": bson.M{"projects.$[p].entries": encodeEntries(entries)},
	}, bson.M{"p.slug": slug})
}

func (r *OrderRepository) AppendProjectEntries(ctx context.Context, orderID, slug string, entries []domain.OrderEntry) error {
	return r.updateDraft(ctx, "orders.append_entries", orderID, projectFilter(orderID, slug), bson.M{
		"$push": bson.M{"projects.$[p].entries": bson.M{"$each": encodeEntries(entries)}},
	}, bson.M{"p.slug": slug})
}

func (r *OrderRepository) RemoveEntry(ctx context.Context, orderID, slug, entryID string) error {
	filter := draftFilter(orderID)
	filter["projects"] = bson.M{"$elemMatch": bson.M{"slug": slug, "entries.entryId": entryID}}
	return r.updateDraft(ctx, "orders.remove_entry", orderID, filter, bson.M{
		"$pull": bson.M{"projects.$[p].entries": bson.M{"entryId": entryID}},
	}, bson.M{"p.slug": slug})
}

func (r *OrderRepository) SetProjectMonths(ctx context.Context, orderID, slug string, months int) error {
	return r.updateDraft(ctx, "orders.set_months", orderID, projectFilter(orderID, slug), bson.M{
		"$set": bson.M{"projects.$[p].months": months},
	}, bson.M{"p.slug": slug})
}

func (r *OrderRepository) SetEntrySubscriptions(ctx context.Context, orderID, slug string, selections map[string][]string) error {
	if len(selections) == 0 {
		return nil
	}
	set, filters := subscriptionUpdate(slug, selections)
	return r.updateDraft(ctx, "orders.set_subscriptions", orderID, projectFilter(orderID, slug), bson.M{"$set": set}, filters...)
}

func (r *OrderRepository) SetOrderFields(ctx context.Context, orderID string, update repositories.OrderFieldsUpdate) error {
	set := bson.M{"updatedAt": update.UpdatedAt.UTC()}
	if update.Currency != nil {
		set["currency"] = *update.Currency
	}
	if update.Country != nil {
		set["country"] = *update.Country
	}
	if update.CustomerID != nil {
		set["customerId"] = *update.CustomerID
	}
	return r.updateDraft(ctx, "orders.set_fields", orderID, draftFilter(orderID), bson.M{"$set": set})
}

// ApplyCostSnapshot is a pure $set of the calculated totals, so replaying it is harmless.
func (r *OrderRepository) ApplyCostSnapshot(ctx context.Context, order domain.Order) error {
	coll, err := r.coll(ctx)
	if err != nil {
		return err
	}
	set, filters := costSnapshotUpdate(order, r.now())
	opts := options.Update()
	if len(filters) > 0 {
		opts.SetArrayFilters(options.ArrayFilters{Filters: filters})
	}
	res, err := coll.UpdateOne(ctx, bson.M{"_id": order.ID}, bson.M{"$set": set}, opts)
	if err != nil {
		return pmongo.WrapError("orders.apply_costs", err)
	}
	if res.MatchedCount == 0 {
		return pmongo.NotFound("orders.apply_costs", "order "+order.ID)
	}
	return nil
}

func (r *OrderRepository) TransitionStatus(ctx context.Context, orderID string, from domain.OrderStatus, change domain.StatusChange, prunedSlugs []string) error {
	coll, err := r.coll(ctx)
	if err != nil {
		return err
	}
	update := bson.M{
		"$set":  bson.M{"status": string(change.To), "updatedAt": change.At.UTC()},
		"$push": bson.M{"statusHistory": encodeStatusChange(change)},
	}
	if len(prunedSlugs) > 0 {
		update["$pull"] = bson.M{"projects": bson.M{"slug": bson.M{"$in": prunedSlugs}}}
	}
	res, err := coll.UpdateOne(ctx, bson.M{"_id": orderID, "status": string(from)}, update)
	if err != nil {
		return pmongo.WrapError("orders.transition", err)
	}
	if res.MatchedCount == 0 {
		return r.explainMiss(ctx, "orders.transition", orderID, from)
	}
	return nil
}

func (r *OrderRepository) updateDraft(ctx context.Context, op, orderID string, filter, update bson.M, arrayFilters ...any) error {
	coll, err := r.coll(ctx)
	if err != nil {
		return err
	}
	opts := options.Update()
	if len(arrayFilters) > 0 {
		opts.SetArrayFilters(options.ArrayFilters{Filters: arrayFilters})
	}
	if set, ok := update["$set"].(bson.M); ok {
		if _, has := set["updatedAt"]; !has {
			set["updatedAt"] = r.now()
		}
	} else {
		update["$set"] = bson.M{"updatedAt": r.now()}
	}
	res, err := coll.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return pmongo.WrapError(op, err)
	}
	if res.MatchedCount == 0 {
		return r.explainMiss(ctx, op, orderID, domain.OrderStatusDraft)
	}
	return nil
}

// explainMiss turns a zero-match guarded update into not-found or conflict.
func (r *OrderRepository) explainMiss(ctx context.Context, op, orderID string, expected domain.OrderStatus) error {
	order, err := r.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != expected {
		return pmongo.Conflict(op, fmt.Sprintf("order %s is %s, expected %s", orderID, order.Status, expected))
	}
	return pmongo.Conflict(op, fmt.Sprintf("order %s did not match the update precondition", orderID))
}

func (r *OrderRepository) find(ctx context.Context, op string, query bson.M, opts *options.FindOptions) ([]domain.Order, error) {
	coll, err := r.coll(ctx)
	if err != nil {
		return nil, err
	}
	var findOpts []*options.FindOptions
	if opts != nil {
		findOpts = append(findOpts, opts)
	}
	cur, err := coll.Find(ctx, query, findOpts...)
	if err != nil {
		return nil, pmongo.WrapError(op, err)
	}
	var docs []orderDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, pmongo.WrapError(op, err)
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrder(doc))
	}
	return orders, nil
}

func (r *OrderRepository) now() time.Time {
	return r.clock().UTC()
}

func (r *OrderRepository) coll(ctx context.Context) (*mongo.Collection, error) {
	db, err := r.provider.Database(ctx)
	if err != nil {
		return nil, err
	}
	return db.Collection(r.collection), nil
}

func draftFilter(orderID string) bson.M {
	return bson.M{"_id": orderID, "status": string(domain.OrderStatusDraft)}
}

func projectFilter(orderID, slug string) bson.M {
	filter := draftFilter(orderID)
	filter["projects.slug"] = slug
	return filter
}

// subscriptionUpdate addresses each entry through its own identifier (e0, e1, ...)
// in a stable order so the generated command is deterministic.
func subscriptionUpdate(slug string, selections map[string][]string) (bson.M, []any) {
	ids := make([]string, 0, len(selections))
	for id := range selections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	set := bson.M{}
	filters := []any{bson.M{"p.slug": slug}}
	for i, id := range ids {
		fields := selections[id]
		if fields == nil {
			fields = []string{}
		}
		ident := fmt.Sprintf("e%d", i)
		set[fmt.Sprintf("projects.$[p].entries.$[%s].selectedSubscriptions", ident)] = fields
		filters = append(filters, bson.M{ident + ".entryId": id})
	}
	return set, filters
}

// costSnapshotUpdate stamps updatedAt with the calculation time, falling back to now.
func costSnapshotUpdate(order domain.Order, now time.Time) (bson.M, []any) {
	set := bson.M{
		"totalCost":            order.TotalCost,
		"totalCostSingleMonth": order.TotalCostSingleMonth,
		"updatedAt":            now.UTC(),
	}
	if order.CalculatedAt != nil {
		set["calculatedAt"] = order.CalculatedAt.UTC()
		set["updatedAt"] = order.CalculatedAt.UTC()
	}

	var filters []any
	for pi, project := range order.Projects {
		pid := fmt.Sprintf("p%d", pi)
		prefix := "projects.$[" + pid + "]"
		encoded := encodeProject(project)
		set[prefix+".totalOrderedCost"] = encoded.TotalOrderedCost
		set[prefix+".totalOrderedCostAllMonths"] = encoded.TotalOrderedCostMonths
		set[prefix+".totalCost"] = encoded.TotalCost
		set[prefix+".totalSubscriptionCosts"] = encoded.TotalSubscriptionCosts
		filters = append(filters, bson.M{pid + ".slug": project.Slug})

		for ei, entry := range encoded.Entries {
			eid := fmt.Sprintf("%se%d", pid, ei)
			entryPrefix := prefix + ".entries.$[" + eid + "]"
			set[entryPrefix+".totalOrderedCost"] = entry.TotalOrderedCost
			set[entryPrefix+".totalCost"] = entry.TotalCost
			set[entryPrefix+".costs"] = entry.Costs
			filters = append(filters, bson.M{eid + ".entryId": entry.EntryID})
		}
	}
	return set, filters
}
