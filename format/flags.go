package format

import "fmt"

// Feature flags gate behavior that older readers or writers cannot handle.
// A reader must refuse a dataset whose reader flags contain a bit it does not
// understand; guessing would silently mis-read data.
const (
	// FlagDeletionFiles indicates that fragments may carry deletion files.
	FlagDeletionFiles uint64 = 1
	// FlagStableRowIDs indicates that row ids are stable across physical
	// moves (compaction). Every fragment must then carry row-id metadata.
	FlagStableRowIDs uint64 = 2
	// FlagUseV2Format marks datasets written with the legacy storage
	// generation.
	FlagUseV2Format uint64 = 4
	// FlagTableConfig indicates the manifest carries table configuration.
	FlagTableConfig uint64 = 8
)

// KnownReaderFlags is the union of reader flags this implementation
// understands.
const KnownReaderFlags = FlagDeletionFiles | FlagStableRowIDs | FlagUseV2Format | FlagTableConfig

// KnownWriterFlags is the union of writer flags this implementation
// understands.
const KnownWriterFlags = FlagDeletionFiles | FlagStableRowIDs | FlagUseV2Format | FlagTableConfig

// UnknownFlagsError reports feature bits this implementation does not
// understand. It is fatal and never retried.
type UnknownFlagsError struct {
	Kind  string // "reader" or "writer"
	Flags uint64 // the unknown bits only
}

func (e *UnknownFlagsError) Error() string {
	return fmt.Sprintf("unknown %s feature flags: %#x", e.Kind, e.Flags)
}

// CheckReaderFlags fails when flags contains any bit outside
// KnownReaderFlags.
func CheckReaderFlags(flags uint64) error {
	if unknown := flags &^ KnownReaderFlags; unknown != 0 {
		return &UnknownFlagsError{Kind: "reader", Flags: unknown}
	}
	return nil
}

// CheckWriterFlags fails when flags contains any bit outside
// KnownWriterFlags. Writers must check before modifying a dataset.
func CheckWriterFlags(flags uint64) error {
	if unknown := flags &^ KnownWriterFlags; unknown != 0 {
		return &UnknownFlagsError{Kind: "writer", Flags: unknown}
	}
	return nil
}
