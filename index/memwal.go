package index

import (
	"github.com/google/uuid"

	"github.com/majin1102/lance/format"
)

// MemWals returns the dataset's MemWAL records, nil when none exist. The
// returned slice aliases catalog state; callers mutate through
// ReplaceMemWals only.
func (c *Catalog) MemWals() []format.MemWal {
	e := c.Get(MemWalIndexName)
	if e == nil {
		return nil
	}
	return e.Details.(*format.MemWalIndexDetails).MemWals
}

// ReplaceMemWals swaps the MemWAL system entry wholesale, creating it on
// first use and removing it when the record set empties out.
func (c *Catalog) ReplaceMemWals(records []format.MemWal, datasetVersion uint64) error {
	if e := c.Get(MemWalIndexName); e != nil {
		if len(records) == 0 {
			c.Remove(e.UUID)
			return nil
		}
		e.Details = &format.MemWalIndexDetails{MemWals: records}
		e.DatasetVersion = datasetVersion
		return nil
	}
	if len(records) == 0 {
		return nil
	}
	_, err := c.Register(&format.IndexMetadata{
		UUID:           uuid.New(),
		Name:           MemWalIndexName,
		DatasetVersion: datasetVersion,
		Details:        &format.MemWalIndexDetails{MemWals: records},
	})
	return err
}
