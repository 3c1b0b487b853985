package models

import (
	"fmt"
	"regexp"
)

// slugRe валидный slug категории: строчные буквы, цифры, дефисы,
// без дефисов по краям
var slugRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Category представляет категорию каталога.
// Категории образуют дерево через ParentID.
type Category struct {
	SyncMeta

	Name     string `json:"name"`               // Name отображаемое название
	Slug     string `json:"slug"`               // Slug URL-идентификатор категории
	ParentID string `json:"parentId,omitempty"` // ParentID родительская категория (пусто для корня)
	Position int    `json:"position"`           // Position порядок сортировки среди соседей
	Enabled  bool   `json:"enabled"`            // Enabled видна ли категория в витрине
}

// Kind реализует Syncable
func (c *Category) Kind() string { return KindCategory }

// Validate проверяет обязательные бизнес-поля категории
func (c *Category) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("category: id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("category %s: name is required", c.ID)
	}
	if c.Slug == "" {
		return fmt.Errorf("category %s: slug is required", c.ID)
	}
	if !slugRe.MatchString(c.Slug) {
		return fmt.Errorf("category %s: invalid slug %q", c.ID, c.Slug)
	}
	if c.ParentID == c.ID && c.ID != "" {
		return fmt.Errorf("category %s: cannot be its own parent", c.ID)
	}
	return nil
}
