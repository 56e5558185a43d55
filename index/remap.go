package index

import (
	"github.com/google/uuid"

	"github.com/majin1102/lance/format"
)

// RecordReuse appends a rewrite ledger entry to the catalog's fragment
// reuse index, creating the index on first use, and remaps the fragment
// bitmaps of every other entry so coverage never references a replaced
// fragment id.
func (c *Catalog) RecordReuse(rv format.ReuseVersion) error {
	for _, e := range c.entries {
		if e.Name == FragmentReuseIndexName {
			continue
		}
		remapEntry(e, rv)
	}

	if e := c.Get(FragmentReuseIndexName); e != nil {
		details := e.Details.(*format.FragmentReuseIndexDetails)
		details.Versions = append(details.Versions, rv)
		e.DatasetVersion = rv.DatasetVersion
		return nil
	}
	_, err := c.Register(&format.IndexMetadata{
		UUID:           uuid.New(),
		Name:           FragmentReuseIndexName,
		DatasetVersion: rv.DatasetVersion,
		Details:        &format.FragmentReuseIndexDetails{Versions: []format.ReuseVersion{rv}},
	})
	return err
}

// ReuseLedger returns the recorded rewrite history, oldest first, or nil
// when no rewrite ever happened.
func (c *Catalog) ReuseLedger() []format.ReuseVersion {
	e := c.Get(FragmentReuseIndexName)
	if e == nil {
		return nil
	}
	return e.Details.(*format.FragmentReuseIndexDetails).Versions
}

// remapEntry rewrites one entry's fragment bitmap for a rewrite event. A
// group whose old fragments were all covered transfers coverage to the new
// fragments; partially covered groups only lose the replaced ids, leaving
// the index stale for the moved rows until the next rebuild consults the
// ledger.
func remapEntry(e *format.IndexMetadata, rv format.ReuseVersion) {
	if e.FragmentBitmap == nil {
		return
	}
	for _, g := range rv.Groups {
		all := true
		any := false
		for _, old := range g.OldFragments {
			if e.FragmentBitmap.Contains(uint32(old.ID)) {
				any = true
			} else {
				all = false
			}
		}
		if !any {
			continue
		}
		for _, old := range g.OldFragments {
			e.FragmentBitmap.Remove(uint32(old.ID))
		}
		if all {
			for _, nw := range g.NewFragments {
				e.FragmentBitmap.Add(uint32(nw.ID))
			}
		}
	}
}
