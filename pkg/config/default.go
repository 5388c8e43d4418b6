// Global store config.
package config

// Name of the store.
const DBName = "hammersbald"

// Prompt printed by REPL.
const Prompt = DBName + "> "

// Default number of pages the page cache holds per file.
const DefaultCachePages = 16

// Default number of slots a bucket may hold before an insert triggers a split.
const DefaultBucketFillTarget = 2

// Extensions of the three store files and the lock file, appended to the
// store's base name.
const (
	TableFileExt = ".tbl"
	DataFileExt  = ".dat"
	LogFileExt   = ".log"
	LockFileExt  = ".lck"
)

// Return prompt if requested, else "".
func GetPrompt(flag bool) string {
	if flag {
		return Prompt
	}
	return ""
}
