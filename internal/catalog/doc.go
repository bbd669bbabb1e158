// Package catalog ingests the case feed, records immutable catalog versions
// and reconciles the case catalog against each new snapshot.
//
// An ingest fetches the feed conditionally, archives the raw payload in the
// blob store, parses it into case records and applies the resulting diff in
// one store transaction. Failed ingests are recorded as invalid versions and
// never touch the catalog.
package catalog
