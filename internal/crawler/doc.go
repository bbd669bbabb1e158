// Package crawler defines the domain model shared by the case-crawler
// subsystems: catalog versions, cases, runs, per-run download attempts, the
// error-code vocabulary, and the ports (stores, blob storage, clocks, ID
// generators, resolvers) that the rest of the module is wired through.
package crawler
