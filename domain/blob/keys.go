package blob

import (
	"fmt"
	"time"
)

// RawKey builds the landing key for one chunk's parquet object. The
// date segments come from the chunk's window start so backfills land
// next to the data they replay.
//
//	{tenant}/raw/{service}/{table_path}/{yyyy}/{mm}/{dd}/{job_id}/{chunk_id}.parquet
func RawKey(tenantID, service, tablePath string, windowStart time.Time, jobID, chunkID string) string {
	d := windowStart.UTC()
	return fmt.Sprintf("%s/raw/%s/%s/%04d/%02d/%02d/%s/%s.parquet",
		tenantID, service, tablePath, d.Year(), int(d.Month()), d.Day(), jobID, chunkID)
}

// RejectKey builds the key for a transform batch's reject lines.
//
//	{tenant}/rejects/{canonical_table}/{job_id}.jsonl
func RejectKey(tenantID, canonicalTable, jobID string) string {
	return fmt.Sprintf("%s/rejects/%s/%s.jsonl", tenantID, canonicalTable, jobID)
}
