package models

import (
	"fmt"
	"regexp"
)

// currencyRe валидный ISO-4217 код валюты (три заглавные буквы)
var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// Product представляет товар каталога маркетплейса.
// Цена хранится в минорных единицах (копейки/центы) чтобы
// сериализация не зависела от представления float.
type Product struct {
	SyncMeta

	Name        string `json:"name"`                 // Name название товара
	Description string `json:"description"`          // Description описание (может быть пустым)
	SKU         string `json:"sku"`                  // SKU артикул продавца
	Currency    string `json:"currency"`             // Currency код валюты ISO-4217
	CategoryID  string `json:"categoryId,omitempty"` // CategoryID ссылка на категорию (опционально)
	Price       int64  `json:"price"`                // Price цена в минорных единицах
	Enabled     bool   `json:"enabled"`              // Enabled опубликован ли товар в витрине
}

// Kind реализует Syncable
func (p *Product) Kind() string { return KindProduct }

// Validate проверяет обязательные бизнес-поля товара
func (p *Product) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("product: id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("product %s: name is required", p.ID)
	}
	if p.Price < 0 {
		return fmt.Errorf("product %s: price must be non-negative, got %d", p.ID, p.Price)
	}
	if p.Currency != "" && !currencyRe.MatchString(p.Currency) {
		return fmt.Errorf("product %s: invalid currency code %q", p.ID, p.Currency)
	}
	return nil
}
