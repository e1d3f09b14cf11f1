// Package feed реализует фильтрацию и поиск по странице ленты объявлений
// в памяти: страница приходит из кэша или БД, фильтры применяются поверх.
package feed

import (
	"strings"

	"github.com/ndorokhov/pointmarket/internal/model"
)

// Filter описывает параметры поиска по ленте. Пустые поля не ограничивают
// выборку.
type Filter struct {
	Query    string
	Kind     model.ListingKind
	Category string
}

// Apply возвращает объявления, удовлетворяющие фильтру, сохраняя порядок.
func Apply(listings []model.Listing, f Filter) []model.Listing {
	query := strings.ToLower(strings.TrimSpace(f.Query))
	category := strings.ToLower(strings.TrimSpace(f.Category))

	out := make([]model.Listing, 0, len(listings))
	for _, l := range listings {
		if f.Kind != "" && l.Kind != f.Kind {
			continue
		}
		if category != "" && strings.ToLower(l.Category) != category {
			continue
		}
		if query != "" && !matchesQuery(l, query) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func matchesQuery(l model.Listing, query string) bool {
	return strings.Contains(strings.ToLower(l.Title), query) ||
		strings.Contains(strings.ToLower(l.Description), query) ||
		strings.Contains(strings.ToLower(l.Category), query)
}
