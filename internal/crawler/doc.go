// Package crawler defines the crawl-job domain: jobs, rule sets, extracted
// values, fetch outcomes and the Engine that runs a job end to end.
//
// The Engine filters a job's URLs through a RobotsPolicy, fetches the rest
// through a BatchFetcher, applies the job's rules with an Extractor and
// persists the per-URL results through a RunStore.
package crawler
