package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// FlexString tolerates the GovInfo API's loose metadata typing: the same
// field may arrive as a string, a number, a single-element array, or an
// object carrying one of several authority keys.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = FlexString(flatten(raw))
	return nil
}

func flatten(v any) string {
	for {
		arr, ok := v.([]any)
		if !ok {
			break
		}
		if len(arr) == 0 {
			return ""
		}
		v = arr[0]
	}
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		for _, key := range []string{"authority-fnf", "authority-lnf", "name", "#text", "value"} {
			if inner, ok := t[key]; ok {
				if s := flatten(inner); s != "" {
					return s
				}
			}
		}
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// String returns the flattened value.
func (f FlexString) String() string { return string(f) }

// Package is one daily Congressional Record issue.
type Package struct {
	PackageID string     `json:"packageId"`
	Congress  FlexString `json:"congress"`
}

type packagesPage struct {
	Count    int       `json:"count"`
	Packages []Package `json:"packages"`
}

// Granule is one entry within a daily issue.
type Granule struct {
	GranuleID   string `json:"granuleId"`
	GranuleLink string `json:"granuleLink"`
}

// GranulesPage is one page of a package's granule listing.
type GranulesPage struct {
	Count    int       `json:"count"`
	Granules []Granule `json:"granules"`
}

// Member is speaker metadata attached to a granule.
type Member struct {
	Name       FlexString `json:"name"`
	Party      FlexString `json:"party"`
	State      FlexString `json:"state"`
	BioguideID FlexString `json:"bioguideId"`
}

// GranuleSummary is the metadata document for one granule.
type GranuleSummary struct {
	Members  []Member          `json:"members"`
	Download map[string]string `json:"download"`
	Congress FlexString        `json:"congress"`
}

// PublishedPackages lists every CREC package published in the given year,
// sorted by package id so unit ordering is deterministic across runs.
func (f *Fetcher) PublishedPackages(ctx context.Context, year int) ([]Package, error) {
	listURL := fmt.Sprintf("%s/published/%d-01-01/%d-12-31", f.baseURL, year, year)

	var all []Package
	offset := 0
	for {
		params := url.Values{}
		params.Set("collection", "CREC")
		params.Set("pageSize", strconv.Itoa(f.pageSize))
		params.Set("offset", strconv.Itoa(offset))

		body, err := f.get(ctx, listURL, params)
		if err != nil {
			return nil, fmt.Errorf("list packages %d: %w", year, err)
		}
		var page packagesPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode packages page: %w", err)
		}
		if len(page.Packages) == 0 {
			break
		}
		all = append(all, page.Packages...)
		if len(page.Packages) < f.pageSize {
			break
		}
		offset += f.pageSize
	}

	sort.Slice(all, func(i, j int) bool { return all[i].PackageID < all[j].PackageID })
	return all, nil
}

// Granules fetches one page of a package's granule listing.
func (f *Fetcher) Granules(ctx context.Context, packageID string, offset int) (GranulesPage, error) {
	granURL := fmt.Sprintf("%s/packages/%s/granules", f.baseURL, packageID)
	params := url.Values{}
	params.Set("pageSize", strconv.Itoa(f.pageSize))
	params.Set("offset", strconv.Itoa(offset))

	var page GranulesPage
	body, err := f.get(ctx, granURL, params)
	if err != nil {
		return page, fmt.Errorf("list granules %s: %w", packageID, err)
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return page, fmt.Errorf("decode granules page: %w", err)
	}
	return page, nil
}

// GranuleSummary fetches a granule's metadata document.
func (f *Fetcher) GranuleSummary(ctx context.Context, link string) (GranuleSummary, error) {
	var sum GranuleSummary
	body, err := f.get(ctx, link, nil)
	if err != nil {
		return sum, fmt.Errorf("granule summary: %w", err)
	}
	if err := json.Unmarshal(body, &sum); err != nil {
		return sum, fmt.Errorf("decode granule summary: %w", err)
	}
	return sum, nil
}

// GranuleText downloads a granule's text rendition. Text renditions live
// on the public content host rather than the API host, so the download is
// gated on its robots policy.
func (f *Fetcher) GranuleText(ctx context.Context, txtURL string) (string, error) {
	if f.robots != nil && !f.robots.IsAllowed(ctx, txtURL) {
		return "", fmt.Errorf("robots policy disallows %s", txtURL)
	}
	body, err := f.get(ctx, txtURL, nil)
	if err != nil {
		return "", fmt.Errorf("granule text: %w", err)
	}
	return string(body), nil
}

// PageSize returns the configured page size.
func (f *Fetcher) PageSize() int { return f.pageSize }
