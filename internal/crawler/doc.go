// Package crawler holds the domain model shared by the citation pipeline:
// journals, issues, articles and authors, the store and browser session
// contracts, and the outcome taxonomy the orchestrator uses to decide between
// skipping an issue, restarting a journal or aborting the run.
package crawler
