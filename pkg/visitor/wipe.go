package visitor

import (
	"context"
	"os"

	"github.com/arkfield/fdb/pkg/catalogue"
	"github.com/arkfield/fdb/pkg/engine"
	"github.com/arkfield/fdb/pkg/fdberr"
	"github.com/arkfield/fdb/pkg/key"
	"github.com/arkfield/fdb/pkg/location"
	"github.com/arkfield/fdb/pkg/metrics"
	"github.com/arkfield/fdb/pkg/store"
)

// WipeResult reports what a Wipe call did, for logging and for tests
// asserting that safe URIs were left untouched.
type WipeResult struct {
	FullWipe    bool
	MaskedIndex []string // canonical Index-Keys masked rather than deleted
	DeletedURIs []string
	SafeURIs    []string // URIs left untouched because they hold mixed content
	Residuals   []string
}

// Wipe runs the partition/mask/delete/residual
// algorithm for a single DB. Each Index maps to exactly one Store unit
// (FileStore's one-file-per-Index-Key layout), so the to-delete/safe
// partition is computed at Index granularity: an Index every one of
// whose entries matches req is fully deletable; an Index with any
// non-matching entry is "mixed" and goes to the safe set, with its
// matching entries masked instead of physically removed.
// With doit false the whole operation is a dry run: the partition and
// residual sets are computed and reported, but no mask record is
// written and nothing is removed.
func Wipe(ctx context.Context, eng *engine.Engine, st store.Store, dbKey *key.Key, req *key.Request, doit, unsafeWipeAll bool) (*WipeResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WipeDuration)

	cat, err := eng.WriterFor(dbKey)
	if err != nil {
		return nil, err
	}
	if !cat.Enabled(catalogue.ControlWipe) {
		return nil, fdberr.New(fdberr.UsageError, "visitor.Wipe", nil)
	}

	entries, err := cat.Indexes(true)
	if err != nil {
		return nil, err
	}

	result := &WipeResult{}
	toDeleteURIs := make(map[string]bool)
	safeURIs := make(map[string]bool)
	var deletableIndexKeys []*key.Key

	for _, ent := range entries {
		if ent.Key == nil || !keyMatchesRequest(ent.Key, req) {
			continue
		}

		mixed := false
		unitURIs := make(map[string]bool)
		err := ent.Index.Visit(func(datumKey *key.Key, loc location.FieldLocation) error {
			unitURIs[loc.URI()] = true
			if !keyMatchesRequest(datumKey, req) {
				mixed = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		if mixed {
			if doit {
				if err := cat.Mask(ent.Key); err != nil {
					return nil, err
				}
			}
			result.MaskedIndex = append(result.MaskedIndex, ent.Key.Canonical())
			for uri := range unitURIs {
				safeURIs[uri] = true
			}
			continue
		}
		deletableIndexKeys = append(deletableIndexKeys, ent.Key)
		for uri := range unitURIs {
			toDeleteURIs[uri] = true
		}
	}

	// A URI simultaneously owned by a fully-matching Index and a mixed
	// one (shared storage unit) is safe, never deleted.
	for uri := range safeURIs {
		delete(toDeleteURIs, uri)
	}

	for uri := range toDeleteURIs {
		if err := st.Remove(ctx, uri, doit); err != nil {
			return nil, err
		}
		result.DeletedURIs = append(result.DeletedURIs, uri)
		if doit {
			metrics.WipeURIsDeleted.Inc()
		}
	}
	for uri := range safeURIs {
		result.SafeURIs = append(result.SafeURIs, uri)
	}

	if len(safeURIs) > 0 {
		return result, nil
	}

	allURIs, err := st.StoreUnitURIs(ctx)
	if err != nil {
		return nil, err
	}
	deleted := make(map[string]bool, len(result.DeletedURIs))
	for _, u := range result.DeletedURIs {
		deleted[u] = true
	}
	for _, u := range allURIs {
		if !deleted[u] {
			result.Residuals = append(result.Residuals, u)
		}
	}
	if len(result.Residuals) > 0 {
		metrics.WipeResidualsFound.Add(float64(len(result.Residuals)))
		if !unsafeWipeAll {
			return result, fdberr.Newf(fdberr.Consistency, "visitor.Wipe",
				"refusing full wipe: %d residual URIs", len(result.Residuals))
		}
	}

	result.FullWipe = true
	if !doit {
		return result, nil
	}

	// Ordered teardown so an interrupted wipe is completed by running
	// the same wipe again: index files first, then the container and
	// the Engine's cache entry for it.
	if owner, ok := cat.(indexFileOwner); ok {
		for _, ik := range deletableIndexKeys {
			path, ok := owner.IndexFilePath(ik)
			if !ok {
				continue
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fdberr.New(fdberr.Transport, "visitor.Wipe", err).WithURI(path)
			}
			result.DeletedURIs = append(result.DeletedURIs, path)
			metrics.WipeURIsDeleted.Inc()
		}
	}
	return result, eng.RemoveDB(dbKey)
}

// indexFileOwner is implemented by catalogues whose Indexes have
// per-Index backing files a full wipe must delete before the container
// goes.
type indexFileOwner interface {
	IndexFilePath(indexKey *key.Key) (string, bool)
}
