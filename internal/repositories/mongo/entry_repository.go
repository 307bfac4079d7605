package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	domain "github.com/donorportal/api/internal/domain"
	pmongo "github.com/donorportal/api/internal/platform/mongo"
	"github.com/donorportal/api/internal/repositories"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// EntryRepository reads beneficiary pools. Each project keeps its entries in a
// collection named after the project slug, with fields as declared by the project.
type EntryRepository struct {
	provider *pmongo.Provider
}

var _ repositories.EntryRepository = (*EntryRepository)(nil)

// NewEntryRepository constructs a MongoDB-backed entry pool accessor.
func NewEntryRepository(provider *pmongo.Provider) (*EntryRepository, error) {
	if provider == nil {
		return nil, errors.New("entry repository: mongo provider is required")
	}
	return &EntryRepository{provider: provider}, nil
}

func (r *EntryRepository) FindByID(ctx context.Context, projectSlug, entryID string) (domain.Entry, error) {
	coll, err := r.coll(ctx, projectSlug)
	if err != nil {
		return domain.Entry{}, err
	}
	var raw bson.M
	if err := coll.FindOne(ctx, bson.M{"_id": bson.M{"$in": idCandidates(entryID)}}).Decode(&raw); err != nil {
		return domain.Entry{}, pmongo.WrapError("entries.find", err)
	}
	return decodeEntry(projectSlug, raw), nil
}

func (r *EntryRepository) FindByIDs(ctx context.Context, projectSlug string, entryIDs []string) ([]domain.Entry, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	coll, err := r.coll(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	return r.find(ctx, coll, projectSlug, bson.M{"_id": bson.M{"$in": idList(entryIDs)}}, nil)
}

// ListCandidates returns up to filter.Limit entries matching the filter, in storage order.
func (r *EntryRepository) ListCandidates(ctx context.Context, projectSlug string, filter repositories.EntryFilter) ([]domain.Entry, error) {
	coll, err := r.coll(ctx, projectSlug)
	if err != nil {
		return nil, err
	}
	query, err := candidateQuery(filter)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return r.find(ctx, coll, projectSlug, query, opts)
}

func (r *EntryRepository) find(ctx context.Context, coll *mongo.Collection, slug string, query bson.M, opts *options.FindOptions) ([]domain.Entry, error) {
	var findOpts []*options.FindOptions
	if opts != nil {
		findOpts = append(findOpts, opts)
	}
	cur, err := coll.Find(ctx, query, findOpts...)
	if err != nil {
		return nil, pmongo.WrapError("entries.list", err)
	}
	var raws []bson.M
	if err := cur.All(ctx, &raws); err != nil {
		return nil, pmongo.WrapError("entries.list", err)
	}
	entries := make([]domain.Entry, 0, len(raws))
	for _, raw := range raws {
		entries = append(entries, decodeEntry(slug, raw))
	}
	return entries, nil
}

func (r *EntryRepository) coll(ctx context.Context, projectSlug string) (*mongo.Collection, error) {
	if !slugPattern.MatchString(projectSlug) {
		return nil, fmt.Errorf("entry repository: invalid project slug %q", projectSlug)
	}
	db, err := r.provider.Database(ctx)
	if err != nil {
		return nil, err
	}
	return db.Collection(projectSlug), nil
}

func candidateQuery(filter repositories.EntryFilter) (bson.M, error) {
	query := bson.M{}
	keys := make([]string, 0, len(filter.Fields))
	for key := range filter.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !validFieldName(key) {
			return nil, fmt.Errorf("entry repository: invalid filter field %q", key)
		}
		query[key] = filter.Fields[key]
	}

	if search := strings.TrimSpace(filter.Search); search != "" && len(filter.SearchFields) > 0 {
		pattern := primitive.Regex{Pattern: regexp.QuoteMeta(search), Options: "i"}
		var or bson.A
		for _, field := range filter.SearchFields {
			if validFieldName(field) {
				or = append(or, bson.M{field: pattern})
			}
		}
		if len(or) > 0 {
			query["$or"] = or
		}
	}

	idFilter := bson.M{}
	if len(filter.IncludeIDs) > 0 {
		idFilter["$in"] = idList(filter.IncludeIDs)
	}
	if len(filter.ExcludeIDs) > 0 {
		idFilter["$nin"] = idList(filter.ExcludeIDs)
	}
	if len(idFilter) > 0 {
		query["_id"] = idFilter
	}
	return query, nil
}

func validFieldName(name string) bool {
	return name != "" && !strings.HasPrefix(name, "$") && !strings.Contains(name, ".") && name != "_id"
}

func idList(ids []string) bson.A {
	out := make(bson.A, 0, len(ids))
	for _, id := range ids {
		out = append(out, idCandidates(id)...)
	}
	return out
}

// idCandidates matches entries keyed by either ObjectID or plain string ids.
func idCandidates(id string) bson.A {
	ids := bson.A{id}
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		ids = append(ids, oid)
	}
	return ids
}

func decodeEntry(slug string, raw bson.M) domain.Entry {
	entry := domain.Entry{ProjectSlug: slug, Fields: make(map[string]any, len(raw))}
	for key, value := range raw {
		if key == "_id" {
			switch id := value.(type) {
			case primitive.ObjectID:
				entry.ID = id.Hex()
			default:
				entry.ID = fmt.Sprint(id)
			}
			continue
		}
		if dec, ok := value.(primitive.Decimal128); ok {
			value = dec.String()
		}
		entry.Fields[key] = value
	}
	return entry
}
