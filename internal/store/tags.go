package store

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/text/cases"

	"github.com/franz/phototank/internal/util"
)

const maxTagName = 80

// TagColors are the accepted badge colors.
var TagColors = map[string]bool{
	"primary": true, "secondary": true, "success": true, "danger": true,
	"warning": true, "info": true, "dark": true,
}

// Tag is a user label attached to photos.
type Tag struct {
	ID          int64
	Name        string
	NameNorm    string
	Description *string
	Color       string
}

// NormalizeTagName trims and collapses whitespace and returns the display
// name plus its case-folded uniqueness key.
func NormalizeTagName(raw string) (name, norm string, err error) {
	name = strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return "", "", fmt.Errorf("%w: tag name cannot be empty", util.ErrInvalidConfig)
	}
	if len([]rune(name)) > maxTagName {
		return "", "", fmt.Errorf("%w: tag name too long (max %d)", util.ErrInvalidConfig, maxTagName)
	}
	return name, cases.Fold().String(name), nil
}

// CreateOrGetTag returns the tag with the same normalized name, creating it
// when absent. Color defaults to primary.
func (q *Queries) CreateOrGetTag(ctx context.Context, name, description, color string) (*Tag, error) {
	display, norm, err := NormalizeTagName(name)
	if err != nil {
		return nil, err
	}
	color = strings.ToLower(strings.TrimSpace(color))
	if color == "" {
		color = "primary"
	}
	if !TagColors[color] {
		return nil, fmt.Errorf("%w: invalid tag color %q", util.ErrInvalidConfig, color)
	}
	var desc *string
	if d := strings.TrimSpace(description); d != "" {
		desc = &d
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO tags (name, name_norm, description, color, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name_norm) DO NOTHING
	`, display, norm, desc, color, util.NowISO())
	if err != nil {
		return nil, fmt.Errorf("failed to create tag: %w", err)
	}

	t := &Tag{}
	err = q.q.QueryRowContext(ctx,
		"SELECT id, name, name_norm, description, color FROM tags WHERE name_norm = ?", norm,
	).Scan(&t.ID, &t.Name, &t.NameNorm, &t.Description, &t.Color)
	if err != nil {
		return nil, fmt.Errorf("failed to load tag: %w", err)
	}
	return t, nil
}

func (q *Queries) queryTags(ctx context.Context, b sq.SelectBuilder) ([]*Tag, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		t := &Tag{}
		if err := rows.Scan(&t.ID, &t.Name, &t.NameNorm, &t.Description, &t.Color); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// ListTags returns all tags by normalized name.
func (q *Queries) ListTags(ctx context.Context) ([]*Tag, error) {
	return q.queryTags(ctx, sq.Select("id", "name", "name_norm", "description", "color").
		From("tags").OrderBy("name_norm"))
}

// TagsForPhoto returns the tags attached to one photo.
func (q *Queries) TagsForPhoto(ctx context.Context, guid string) ([]*Tag, error) {
	return q.queryTags(ctx, sq.Select("t.id", "t.name", "t.name_norm", "t.description", "t.color").
		From("tags t").
		Join("photo_tags pt ON pt.tag_id = t.id").
		Where(sq.Eq{"pt.photo_guid": guid}).
		OrderBy("t.name_norm"))
}

// ApplyTag links a tag to photos and returns how many links were new.
func (q *Queries) ApplyTag(ctx context.Context, tagID int64, guids []string) (int, error) {
	if len(guids) == 0 {
		return 0, nil
	}
	b := sq.Insert("photo_tags").Columns("photo_guid", "tag_id").Suffix("ON CONFLICT DO NOTHING")
	for _, g := range guids {
		b = b.Values(g, tagID)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to apply tag: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RemoveTag unlinks a tag from photos and returns how many links were removed.
func (q *Queries) RemoveTag(ctx context.Context, tagID int64, guids []string) (int, error) {
	if len(guids) == 0 {
		return 0, nil
	}
	query, args, err := sq.Delete("photo_tags").
		Where(sq.Eq{"tag_id": tagID, "photo_guid": guids}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to remove tag: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
