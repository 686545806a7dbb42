// Package crawl defines the core domain of the auditing crawler: the crawl
// job lifecycle, the extracted page facts (pages, links, images), the issue
// rules, and the interfaces its collaborators implement.
package crawl
