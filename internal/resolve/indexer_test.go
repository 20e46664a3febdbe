package resolve_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/MrWong99/larder/internal/resolve"
	"github.com/MrWong99/larder/pkg/inventory"
	"github.com/MrWong99/larder/pkg/provider/embeddings/mock"
	"github.com/MrWong99/larder/pkg/units"
)

func TestIndexer_ReindexEmbedsEveryItem(t *testing.T) {
	t.Parallel()
	var items []inventory.Item
	for i := range 7 {
		items = append(items, inventory.Item{Name: fmt.Sprintf("item %d", i)})
	}
	cat := newCatalog(t, items...)
	emb := &mock.Provider{EmbedResult: []float32{1, 0}, DimensionsValue: 2}
	ix := resolve.NewIndexer(cat, emb, resolve.WithBatchSize(3), resolve.WithWorkers(2))

	n, err := ix.Reindex(context.Background())
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if n != 7 {
		t.Errorf("Reindex = %d, want 7", n)
	}
	calls := emb.Calls()
	slices.Sort(calls)
	if len(calls) != 7 || calls[0] != "item 0" {
		t.Errorf("embedded texts = %v", calls)
	}

	matches, err := cat.FindSimilar(context.Background(), []float32{1, 0}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 7 {
		t.Errorf("items with embeddings = %d, want 7", len(matches))
	}
}

func TestIndexer_ReindexFailures(t *testing.T) {
	t.Parallel()
	cat := newCatalog(t, inventory.Item{Name: "coffee"})

	boom := errors.New("provider down")
	_, err := resolve.NewIndexer(cat, &mock.Provider{EmbedErr: boom}).Reindex(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("embed failure: got %v", err)
	}

	wrongDim := &mock.Provider{EmbedResult: []float32{1, 0, 0}, DimensionsValue: 2}
	if _, err := resolve.NewIndexer(cat, wrongDim).Reindex(context.Background()); err == nil {
		t.Error("dimension mismatch accepted")
	}
}

func TestIndexer_Create(t *testing.T) {
	t.Parallel()
	cat := newCatalog(t)
	emb := &mock.Provider{Vectors: map[string][]float32{"Whole Milk": {0, 1}}}
	ix := resolve.NewIndexer(cat, emb)

	got, err := ix.Create(context.Background(), inventory.Item{Name: "  Whole Milk ", Quantity: 2, Unit: "Gallons"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.ID == "" || got.Name != "Whole Milk" || got.Unit != "gallon" {
		t.Errorf("created = %+v", got)
	}
	if len(got.Embedding) != 2 || got.Embedding[1] != 1 {
		t.Errorf("embedding = %v", got.Embedding)
	}

	tests := []struct {
		name  string
		item  inventory.Item
		field string
	}{
		{name: "blank name", item: inventory.Item{Name: " "}, field: "name"},
		{name: "negative quantity", item: inventory.Item{Name: "flour", Quantity: -1}, field: "quantity"},
		{name: "unknown unit", item: inventory.Item{Name: "flour", Unit: "smidgen"}, field: "unit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ix.Create(context.Background(), tt.item)
			var ve *inventory.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("Create: got %v, want validation error on %s", err, tt.field)
			}
			if tt.field == "unit" && !errors.Is(err, units.ErrUnknownUnit) {
				t.Errorf("unit error does not wrap ErrUnknownUnit: %v", err)
			}
		})
	}

	if _, err := ix.Create(context.Background(), inventory.Item{Name: "whole milk"}); !errors.Is(err, inventory.ErrDuplicate) {
		t.Errorf("duplicate Create: got %v", err)
	}
}
