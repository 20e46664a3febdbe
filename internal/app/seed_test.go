package app_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/larder/internal/app"
	"github.com/MrWong99/larder/internal/resolve"
	"github.com/MrWong99/larder/pkg/inventory"
	"github.com/MrWong99/larder/pkg/inventory/memstore"
	embmock "github.com/MrWong99/larder/pkg/provider/embeddings/mock"
	"github.com/MrWong99/larder/pkg/units"
)

func newIndexer(store *memstore.Store) *resolve.Indexer {
	return resolve.NewIndexer(store, &embmock.Provider{EmbedResult: []float32{1, 0}, DimensionsValue: 2})
}

func TestLoadCatalogFromReader(t *testing.T) {
	t.Parallel()
	cf, err := app.LoadCatalogFromReader(strings.NewReader(seedYAML))
	if err != nil {
		t.Fatalf("LoadCatalogFromReader: %v", err)
	}
	if len(cf.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(cf.Items))
	}
	if got := cf.Items[0]; got.Name != "coffee" || got.Quantity != 10 || got.Unit != "pounds" || got.Category != "beverages" {
		t.Errorf("item 0 = %+v", got)
	}
}

func TestLoadCatalogFromReader_UnknownKey(t *testing.T) {
	t.Parallel()
	_, err := app.LoadCatalogFromReader(strings.NewReader("items:\n  - name: tea\n    colour: green\n"))
	if err == nil {
		t.Fatal("want error for unknown key")
	}
}

func TestLoadCatalogFile_Missing(t *testing.T) {
	t.Parallel()
	if _, err := app.LoadCatalogFile(t.TempDir() + "/nope.yaml"); err == nil {
		t.Fatal("want error for missing file")
	}
}

func TestImportCatalog_SkipsDuplicates(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	ix := newIndexer(store)
	cf, _ := app.LoadCatalogFromReader(strings.NewReader(seedYAML))

	n, err := app.ImportCatalog(context.Background(), ix, cf)
	if err != nil || n != 2 {
		t.Fatalf("first import = %d, %v; want 2", n, err)
	}
	n, err = app.ImportCatalog(context.Background(), ix, cf)
	if err != nil || n != 0 {
		t.Fatalf("second import = %d, %v; want 0", n, err)
	}

	items, _ := store.List(context.Background())
	if len(items) != 2 {
		t.Fatalf("catalog has %d items", len(items))
	}
	for _, it := range items {
		if len(it.Embedding) == 0 {
			t.Errorf("%s was stored without an embedding", it.Name)
		}
	}
}

func TestImportCatalog_StopsOnInvalidItem(t *testing.T) {
	t.Parallel()
	store := memstore.New()
	cf := &app.CatalogFile{Items: []app.SeedItem{
		{Name: "rice", Quantity: 3, Unit: "kg"},
		{Name: "beans", Quantity: 1, Unit: "furlongs"},
		{Name: "salt", Quantity: 1, Unit: "kg"},
	}}

	n, err := app.ImportCatalog(context.Background(), newIndexer(store), cf)
	if n != 1 {
		t.Errorf("imported = %d, want 1", n)
	}
	var verr *inventory.ValidationError
	if !errors.As(err, &verr) || verr.Field != "unit" || !errors.Is(err, units.ErrUnknownUnit) {
		t.Errorf("err = %v, want unit validation error", err)
	}
}

func TestImportCatalog_Nil(t *testing.T) {
	t.Parallel()
	if _, err := app.ImportCatalog(context.Background(), newIndexer(memstore.New()), nil); err == nil {
		t.Fatal("want error for nil catalog")
	}
}
