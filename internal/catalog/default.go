package catalog

import (
	"context"
	_ "embed"
)

// defaultCatalog is the reference data shipped with the binary.
//
//go:embed default.yaml
var defaultCatalog []byte

// DefaultDocument decodes the embedded catalog.
func DefaultDocument() (Document, error) {
	return Decode(".yaml", defaultCatalog)
}

// Default returns a loaded repository over the embedded catalog.
func Default() (*Repository, error) {
	repo := New(func(context.Context) (Document, error) { return DefaultDocument() })
	if err := repo.LoadAll(context.Background()); err != nil {
		return nil, err
	}
	return repo, nil
}

// MustDefault is Default for callers that treat a broken embedded catalog as
// a programming error.
func MustDefault() *Repository {
	repo, err := Default()
	if err != nil {
		panic("catalog: embedded default catalog is invalid: " + err.Error())
	}
	return repo
}
