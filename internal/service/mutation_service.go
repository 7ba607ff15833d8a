package service

import (
	"context"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"

	"github.com/devrev/crmquery/internal/batch"
	"github.com/devrev/crmquery/internal/cluster"
	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/model"
)

const (
	contactsEntity = "contacts"
	tagsEntity     = "tags"
)

// MutationResult summarizes a mutating call
type MutationResult struct {
	Operation   string  `json:"operation"`
	Requested   int     `json:"requested"`
	Applied     int     `json:"applied"`
	APICalls    int     `json:"api_calls"`
	Invalidated int     `json:"invalidated"`
	ContactIDs  []int64 `json:"contact_ids"`
	TagIDs      []int64 `json:"tag_ids,omitempty"`
	// Tag is the created tag as returned by the remote
	Tag model.Record `json:"tag,omitempty"`
}

// ApplyTags tags every contact with every tag, then invalidates cached results
// that include the contacts or filter on the tags
func (s *QueryService) ApplyTags(ctx context.Context, tagIDs, contactIDs []int64) (*MutationResult, error) {
	return s.mutateTags(ctx, "apply_tags", model.FetchApplyTag, tagIDs, contactIDs)
}

// RemoveTags removes every tag from every contact, then invalidates
func (s *QueryService) RemoveTags(ctx context.Context, tagIDs, contactIDs []int64) (*MutationResult, error) {
	return s.mutateTags(ctx, "remove_tags", model.FetchRemoveTag, tagIDs, contactIDs)
}

func (s *QueryService) mutateTags(ctx context.Context, op string, kind model.FetchKind, tagIDs, contactIDs []int64) (*MutationResult, error) {
	tagIDs = dedupe(tagIDs)
	contactIDs = dedupe(contactIDs)
	if len(tagIDs) == 0 || len(contactIDs) == 0 {
		return nil, qerrors.Validationf("%s requires at least one tag id and one contact id", op)
	}

	res := &MutationResult{Operation: op, Requested: len(tagIDs) * len(contactIDs), ContactIDs: contactIDs, TagIDs: tagIDs}
	// invalidate even when a batch fails part way
	defer func() {
		res.Invalidated = s.invalidate(cluster.Invalidation{
			Entity: contactsEntity,
			IDs:    contactIDs,
			TagIDs: tagIDs,
		}, SourceMutation)
	}()

	for _, tagID := range tagIDs {
		for start := 0; start < len(contactIDs); {
			size := s.batch.Next(batch.OpMutation)
			end := start + size
			if end > len(contactIDs) {
				end = len(contactIDs)
			}
			chunk := contactIDs[start:end]

			result, err := s.fetcher.Fetch(ctx, &model.FetchRequest{
				Kind:   kind,
				Entity: contactsEntity,
				TagID:  tagID,
				IDs:    chunk,
			})
			if result != nil {
				res.APICalls += result.Attempts
			}
			if err != nil {
				s.logger.Warn("Tag mutation failed",
					zap.String("operation", op),
					zap.Int64("tag_id", tagID),
					zap.Int("contacts", len(chunk)),
					zap.Error(err))
				return res, err
			}
			s.batch.Record(batch.OpMutation, len(chunk), result.Latency)
			res.Applied += len(chunk)
			start = end
		}
	}

	s.logger.Info("Tags mutated",
		zap.String("operation", op),
		zap.Int64s("tag_ids", tagIDs),
		zap.Int("contacts", len(contactIDs)))
	return res, nil
}

// UpdateFields writes values onto one contact, then invalidates cached results
// that include the contact or filter on any updated field
func (s *QueryService) UpdateFields(ctx context.Context, contactID int64, values map[string]interface{}) (*MutationResult, error) {
	if len(values) == 0 {
		return nil, qerrors.Validation("update_contact_fields requires at least one field")
	}
	spec, _ := s.planner.Catalog().Entity(contactsEntity)
	fields := make([]string, 0, len(values))
	for name := range values {
		fs, ok := spec.Field(name)
		if !ok {
			return nil, qerrors.Validationf("unknown field %q for %s", name, contactsEntity).WithDetail("field", name)
		}
		if name == spec.IDField || fs.Type == model.FieldTag {
			return nil, qerrors.Validationf("field %q cannot be updated directly", name).WithDetail("field", name)
		}
		fields = append(fields, name)
	}
	sort.Strings(fields)

	res := &MutationResult{Operation: "update_contact_fields", Requested: 1, ContactIDs: []int64{contactID}}
	defer func() {
		res.Invalidated = s.invalidate(cluster.Invalidation{
			Entity: contactsEntity,
			IDs:    []int64{contactID},
			Fields: fields,
		}, SourceMutation)
	}()

	result, err := s.fetcher.Fetch(ctx, &model.FetchRequest{
		Kind:   model.FetchUpdate,
		Entity: contactsEntity,
		IDs:    []int64{contactID},
		Values: values,
	})
	if result != nil {
		res.APICalls = result.Attempts
	}
	if err != nil {
		s.logger.Warn("Field update failed", zap.Int64("contact_id", contactID), zap.Error(err))
		return res, err
	}
	res.Applied = 1
	s.logger.Info("Contact fields updated", zap.Int64("contact_id", contactID), zap.Strings("fields", fields))
	return res, nil
}

// CreateTag creates a tag, then drops every cached tag result since the new
// tag may match any of them
func (s *QueryService) CreateTag(ctx context.Context, name, description string, categoryID int64) (*MutationResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, qerrors.Validation("create_tag requires a name")
	}
	if categoryID < 0 {
		return nil, qerrors.Validation("category_id must not be negative")
	}
	values := map[string]interface{}{"name": name}
	if description != "" {
		values["description"] = description
	}
	if categoryID > 0 {
		values["category_id"] = categoryID
	}

	res := &MutationResult{Operation: "create_tag", Requested: 1}
	defer func() {
		res.Invalidated = s.invalidate(cluster.Invalidation{Entity: tagsEntity, WholeEntity: true}, SourceMutation)
	}()

	result, err := s.fetcher.Fetch(ctx, &model.FetchRequest{
		Kind:   model.FetchCreateTag,
		Entity: tagsEntity,
		Values: values,
	})
	if result != nil {
		res.APICalls = result.Attempts
	}
	if err != nil {
		s.logger.Warn("Tag creation failed", zap.String("name", name), zap.Error(err))
		return res, err
	}
	if result.Page != nil && len(result.Page.Records) > 0 {
		res.Tag = result.Page.Records[0]
		if id, ok := res.Tag.ID(); ok {
			res.TagIDs = []int64{id}
		}
	}
	res.Applied = 1
	s.logger.Info("Tag created", zap.String("name", name), zap.Int64s("tag_ids", res.TagIDs))
	return res, nil
}

// IntersectIDs returns the ids present in every list, ascending
func IntersectIDs(lists ...[]int64) ([]int64, error) {
	if len(lists) < 2 {
		return nil, qerrors.Validation("intersection needs at least two id lists")
	}
	var acc *roaring64.Bitmap
	for i, list := range lists {
		bm := roaring64.New()
		for _, id := range list {
			if id < 0 {
				return nil, qerrors.Validationf("list %d contains negative id %d", i, id)
			}
			bm.Add(uint64(id))
		}
		if acc == nil {
			acc = bm
		} else {
			acc.And(bm)
		}
	}
	out := make([]int64, 0, acc.GetCardinality())
	it := acc.Iterator()
	for it.HasNext() {
		out = append(out, int64(it.Next()))
	}
	return out, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
