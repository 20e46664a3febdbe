package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/larder/pkg/inventory"
)

// CatalogFile is the top-level structure of a catalog seed file.
//
// Example:
//
//	items:
//	  - name: coffee beans
//	    quantity: 10
//	    unit: pound
//	    category: beverages
//	    threshold: 2
type CatalogFile struct {
	Items []SeedItem `yaml:"items"`
}

// SeedItem is one catalog entry in a [CatalogFile].
type SeedItem struct {
	Name      string  `yaml:"name"`
	Quantity  float64 `yaml:"quantity"`
	Unit      string  `yaml:"unit"`
	Category  string  `yaml:"category"`
	Threshold float64 `yaml:"threshold"`
}

// ItemCreator validates, embeds and stores a new item. [resolve.Indexer]
// satisfies it.
type ItemCreator interface {
	Create(ctx context.Context, item inventory.Item) (inventory.Item, error)
}

// LoadCatalogFile reads and parses a catalog seed file from disk.
func LoadCatalogFile(path string) (*CatalogFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("app: open catalog file %q: %w", path, err)
	}
	defer f.Close()

	cf, err := LoadCatalogFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("app: parse catalog file %q: %w", path, err)
	}
	return cf, nil
}

// LoadCatalogFromReader parses catalog YAML from r. Unknown keys are
// rejected.
func LoadCatalogFromReader(r io.Reader) (*CatalogFile, error) {
	var cf CatalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("app: decode catalog yaml: %w", err)
	}
	return &cf, nil
}

// ImportCatalog creates every item of cf through creator and returns the
// number created. Items whose name already exists are skipped, so importing
// the same file twice is harmless. Any other error aborts the import and
// returns the count so far.
func ImportCatalog(ctx context.Context, creator ItemCreator, cf *CatalogFile) (int, error) {
	if cf == nil {
		return 0, errors.New("app: catalog must not be nil")
	}
	n := 0
	for i, si := range cf.Items {
		_, err := creator.Create(ctx, inventory.Item{
			Name:      si.Name,
			Quantity:  si.Quantity,
			Unit:      si.Unit,
			Category:  si.Category,
			Threshold: si.Threshold,
		})
		switch {
		case errors.Is(err, inventory.ErrDuplicate):
			slog.Debug("seed item already exists", "name", si.Name)
		case err != nil:
			return n, fmt.Errorf("app: import item %d (%q): %w", i, si.Name, err)
		default:
			n++
		}
	}
	return n, nil
}
