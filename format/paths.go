package format

import "fmt"

// Well-known directories under the dataset root.
const (
	VersionsDir     = "_versions"
	TransactionsDir = "_transactions"
	DeletionsDir    = "_deletions"
	RowIDsDir       = "_rowids"
	TagsDir         = "_refs/tags"
	DataDir         = "data"
)

// ManifestPath returns the path of the manifest for the given version,
// relative to the dataset root.
func ManifestPath(version uint64) string {
	return fmt.Sprintf("%s/%d.manifest", VersionsDir, version)
}

// TransactionPath returns the path of a transaction record, relative to the
// dataset root.
func TransactionPath(readVersion uint64, uuid string) string {
	return fmt.Sprintf("%s/%d-%s.txn", TransactionsDir, readVersion, uuid)
}

// TagPath returns the path of a named version tag, relative to the dataset
// root.
func TagPath(name string) string {
	return fmt.Sprintf("%s/%s", TagsDir, name)
}
