package scraper

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URLBuilder maps a 1-based page number to the listing URL for that page.
type URLBuilder func(base string, page int) string

// PathPageURL returns base for page 1 and base/page/N/ afterwards.
func PathPageURL(base string, page int) string {
	if page <= 1 {
		return base
	}
	return strings.TrimRight(base, "/") + "/page/" + strconv.Itoa(page) + "/"
}

// QueryPageURL returns a builder that sets the query parameter param to the
// page number for pages after the first.
func QueryPageURL(param string) URLBuilder {
	return func(base string, page int) string {
		if page <= 1 {
			return base
		}
		u, err := url.Parse(base)
		if err != nil {
			sep := "?"
			if strings.Contains(base, "?") {
				sep = "&"
			}
			return base + sep + url.QueryEscape(param) + "=" + strconv.Itoa(page)
		}
		q := u.Query()
		q.Set(param, strconv.Itoa(page))
		u.RawQuery = q.Encode()
		return u.String()
	}
}

// BuilderFor resolves a pagination strategy name: "path" (default) or
// "query".
func BuilderFor(strategy, param string) (URLBuilder, error) {
	switch strategy {
	case "", "path":
		return PathPageURL, nil
	case "query":
		if param == "" {
			param = "page"
		}
		return QueryPageURL(param), nil
	default:
		return nil, fmt.Errorf("unknown pagination strategy %q", strategy)
	}
}
