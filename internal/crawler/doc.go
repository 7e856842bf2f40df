// Package crawler holds the shared vocabulary of the channel crawler: identity
// status and crawl tiers, the remote session contract, downstream records, the
// error taxonomy, and the retry policy applied to transient platform failures.
package crawler
