// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sourcesite is the source-site client: session bootstrap
// (cookies + CSRF token) and HTML scraping of the search, filter and
// episode pages. golang.org/x/net/html is used for parsing rather than a
// hand-rolled scanner.
package sourcesite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/SavvyMeat/aw-downloader/internal/services/httpx"
)

// ErrSourceSite is the typed error returned by every client method.
type ErrSourceSite struct {
	Op       string
	Err      error
	HttpCode int
}

func (e *ErrSourceSite) Error() string {
	if e.HttpCode > 0 {
		return fmt.Sprintf("sourcesite %s: server returned %d", e.Op, e.HttpCode)
	}
	return fmt.Sprintf("sourcesite %s: %v", e.Op, e.Err)
}

func (e *ErrSourceSite) Unwrap() error { return e.Err }

// Client scrapes a single AnimeWorld-like source site.
type Client struct {
	baseURL string

	mu        sync.Mutex
	jar       *cookiejar.Jar
	csrfToken string
	bootOnce  bool
}

func New(baseURL string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), jar: jar}
}

// ensureSession bootstraps cookies and the CSRF token, tolerating either
// arriving before the other over up to two attempts.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bootOnce && c.csrfToken != "" {
		return nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
		if err != nil {
			return &ErrSourceSite{Op: "session_bootstrap", Err: err}
		}

		client := httpx.Client(httpx.DefaultTimeout)
		client.Jar = c.jar

		resp, err := client.Do(req)
		if err != nil {
			return &ErrSourceSite{Op: "session_bootstrap", Err: err}
		}
		body, err := httpx.ReadAndClose(resp)
		if err != nil {
			return &ErrSourceSite{Op: "session_bootstrap", Err: err, HttpCode: resp.StatusCode}
		}

		if token := extractCSRFToken(body); token != "" {
			c.csrfToken = token
			c.bootOnce = true
			return nil
		}
	}

	return &ErrSourceSite{Op: "session_bootstrap", Err: fmt.Errorf("no CSRF token found after 2 attempts")}
}

var metaCSRFRe = regexp.MustCompile(`(?i)<meta\s+name=["']csrf-token["']\s+content=["']([^"']+)["']`)

func extractCSRFToken(body []byte) string {
	if m := metaCSRFRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

func (c *Client) doGet(ctx context.Context, op, rawURL string) ([]byte, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &ErrSourceSite{Op: op, Err: err}
	}
	req.Header.Set("csrf-token", c.csrfToken)

	client := httpx.Client(httpx.DefaultTimeout)
	client.Jar = c.jar
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ErrSourceSite{Op: op, Err: err}
	}
	body, err := httpx.ReadAndClose(resp)
	if err != nil {
		return nil, &ErrSourceSite{Op: op, Err: err, HttpCode: resp.StatusCode}
	}
	return body, nil
}

// SearchResult is one candidate returned by searchAnime.
type SearchResult struct {
	ID         int64
	Name       string
	Jtitle     string
	Link       string
	Identifier string
	AnilistID  int64
	Dub        bool
}

// Title returns the display title used for normalized-title comparisons.
func (r SearchResult) Title() string { return r.Name }

type searchAnimeResponse []struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Jtitle     string `json:"jtitle"`
	Link       string `json:"link"`
	Identifier string `json:"identifier"`
	AnilistID  int64  `json:"anilistId"`
	Dub        int    `json:"dub"`
}

// SearchAnime performs a POST to the source site's JSON search endpoint.
func (c *Client) SearchAnime(ctx context.Context, keyword string) ([]SearchResult, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	searchURL := fmt.Sprintf("%s/api/search/v2?keyword=%s", c.baseURL, url.QueryEscape(keyword))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, searchURL, nil)
	if err != nil {
		return nil, &ErrSourceSite{Op: "search_anime", Err: err}
	}
	req.Header.Set("csrf-token", c.csrfToken)

	client := httpx.Client(httpx.DefaultTimeout)
	client.Jar = c.jar
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ErrSourceSite{Op: "search_anime", Err: err}
	}
	body, err := httpx.ReadAndClose(resp)
	if err != nil {
		return nil, &ErrSourceSite{Op: "search_anime", Err: err, HttpCode: resp.StatusCode}
	}

	var raw searchAnimeResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ErrSourceSite{Op: "search_anime", Err: err}
	}

	results := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		results = append(results, SearchResult{
			ID: r.ID, Name: r.Name, Jtitle: r.Jtitle, Link: r.Link,
			Identifier: r.Identifier, AnilistID: r.AnilistID, Dub: r.Dub == 1,
		})
	}
	return results, nil
}

// FilterParams selects a searchWithFilter query.
type FilterParams struct {
	Keyword    string
	Type       []string // e.g. "Anime", "ONA", "Movie"
	Dub        bool
	SeasonYear []int
}

// FilteredResult is one hit from searchWithFilter, enriched with any
// external anime-DB ids found on its anime page.
type FilteredResult struct {
	Title      string
	Jtitle     string
	Identifier string
	Dub        bool
	MalID      int64
	AniListID  int64
}

// SearchWithFilter scrapes the filter listing page, then visits each hit's
// anime page to extract MAL/AniList cross-reference ids.
func (c *Client) SearchWithFilter(ctx context.Context, p FilterParams) ([]FilteredResult, error) {
	q := url.Values{}
	q.Set("keyword", p.Keyword)
	q.Set("sort", "0")
	if p.Dub {
		q.Set("dub", "1")
	} else {
		q.Set("dub", "0")
	}
	for _, t := range p.Type {
		q.Add("type[]", t)
	}
	for _, y := range p.SeasonYear {
		q.Add("year[]", strconv.Itoa(y))
	}

	body, err := c.doGet(ctx, "search_filter", c.baseURL+"/filter?"+q.Encode())
	if err != nil {
		return nil, err
	}

	items, err := parseFilterList(body)
	if err != nil {
		return nil, err
	}

	out := make([]FilteredResult, 0, len(items))
	for _, item := range items {
		fr := FilteredResult{Title: item.title, Jtitle: item.jtitle, Identifier: item.identifier, Dub: p.Dub}
		if page, err := c.doGet(ctx, "anime_page", c.baseURL+item.href); err == nil {
			fr.MalID, fr.AniListID = extractCrossRefIDs(page)
		}
		out = append(out, fr)
	}
	return out, nil
}

type filterItem struct {
	title      string
	jtitle     string
	identifier string
	href       string
}

func parseFilterList(body []byte) ([]filterItem, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, &ErrSourceSite{Op: "parse_filter", Err: err}
	}

	var items []filterItem
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "item") {
			var nameNode *html.Node
			var findName func(*html.Node)
			findName = func(m *html.Node) {
				if nameNode != nil {
					return
				}
				if m.Type == html.ElementNode && hasClass(m, "name") {
					nameNode = m
					return
				}
				for child := m.FirstChild; child != nil; child = child.NextSibling {
					findName(child)
				}
			}
			findName(n)
			if nameNode != nil {
				href := attr(nameNode, "href")
				items = append(items, filterItem{
					title:      strings.TrimSpace(textContent(nameNode)),
					jtitle:     attr(nameNode, "data-jtitle"),
					identifier: strings.TrimPrefix(href, "/play/"),
					href:       href,
				})
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return items, nil
}

var (
	malLinkRe      = regexp.MustCompile(`myanimelist\.net/anime/(\d+)`)
	anilistLinkRe  = regexp.MustCompile(`anilist\.co/anime/(\d+)`)
	malAttrRe      = regexp.MustCompile(`data-mal-id=["'](\d+)["']`)
	anilistAttrRe  = regexp.MustCompile(`data-anilist-id=["'](\d+)["']`)
)

func extractCrossRefIDs(page []byte) (malID, anilistID int64) {
	if m := malLinkRe.FindSubmatch(page); m != nil {
		malID, _ = strconv.ParseInt(string(m[1]), 10, 64)
	} else if m := malAttrRe.FindSubmatch(page); m != nil {
		malID, _ = strconv.ParseInt(string(m[1]), 10, 64)
	}
	if m := anilistLinkRe.FindSubmatch(page); m != nil {
		anilistID, _ = strconv.ParseInt(string(m[1]), 10, 64)
	} else if m := anilistAttrRe.FindSubmatch(page); m != nil {
		anilistID, _ = strconv.ParseInt(string(m[1]), 10, 64)
	}
	return
}

// EpisodesFromIdentifier returns episodeNumber -> episodeUrl for a single
// series identifier, scraped from its episode listing page.
func (c *Client) EpisodesFromIdentifier(ctx context.Context, identifier string) (map[int]string, error) {
	body, err := c.doGet(ctx, "episodes", c.baseURL+"/play/"+identifier)
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, &ErrSourceSite{Op: "episodes", Err: err}
	}

	out := make(map[int]string)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "li" && hasClass(n, "episode") {
			var anchor *html.Node
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				if child.Type == html.ElementNode && child.Data == "a" {
					anchor = child
					break
				}
			}
			if anchor != nil {
				if num := attr(anchor, "data-episode-num"); num != "" {
					if n, err := strconv.Atoi(num); err == nil {
						out[n] = attr(anchor, "href")
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return out, nil
}

// EpisodesFromMultipleIdentifiers concatenates parts with sequential
// renumbering: part p's local episode n becomes global episode
// offset(p) + n, where offset(p) = sum of max episode numbers of parts
// 1..p-1 (invariant 2, testable property 5).
func (c *Client) EpisodesFromMultipleIdentifiers(ctx context.Context, identifiers []string) (map[int]string, error) {
	out := make(map[int]string)
	offset := 0
	for _, id := range identifiers {
		part, err := c.EpisodesFromIdentifier(ctx, id)
		if err != nil {
			return nil, err
		}

		maxNum := 0
		for n, u := range part {
			out[offset+n] = u
			if n > maxNum {
				maxNum = n
			}
		}
		offset += maxNum
	}
	return out, nil
}

var downloadAnchorRe = regexp.MustCompile(`(?is)<div[^>]*id=["']download["'][^>]*>.*?<a[^>]*download[^>]*href=["']([^"']+)["']`)

// DownloadLinkForEpisode fetches an episode page and extracts the direct
// download href from `#download center a[download]`.
func (c *Client) DownloadLinkForEpisode(ctx context.Context, episodeURL string) (string, error) {
	full := episodeURL
	if !strings.HasPrefix(full, "http") {
		full = c.baseURL + episodeURL
	}
	body, err := c.doGet(ctx, "download_link", full)
	if err != nil {
		return "", err
	}

	if m := downloadAnchorRe.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", &ErrSourceSite{Op: "download_link", Err: err}
	}

	var found string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" && hasAttr(n, "download") {
			found = attr(n, "href")
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return found, nil
}

// FindEpisodeDownloadLink resolves a single episode's direct download URL
// against one or more (multi-part) identifiers.
func (c *Client) FindEpisodeDownloadLink(ctx context.Context, identifiers []string, episodeNumber int) (string, error) {
	var episodes map[int]string
	var err error
	if len(identifiers) == 1 {
		episodes, err = c.EpisodesFromIdentifier(ctx, identifiers[0])
	} else {
		episodes, err = c.EpisodesFromMultipleIdentifiers(ctx, identifiers)
	}
	if err != nil {
		return "", err
	}

	episodeURL, ok := episodes[episodeNumber]
	if !ok || episodeURL == "" {
		return "", nil
	}
	return c.DownloadLinkForEpisode(ctx, episodeURL)
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		sb.WriteString(textContent(child))
	}
	return sb.String()
}

var parenTagRe = regexp.MustCompile(`\([^)]*\)`)

// NormalizeTitle strips punctuation/casing differences so library-manager
// and source-site titles can be compared: drop parenthesised
// language/segment tags first ("(ita)", "(sub ita)", "(TV)"), then
// lowercase, strip non-alphanumerics and collapse whitespace.
func NormalizeTitle(title string) string {
	title = parenTagRe.ReplaceAllString(title, " ")
	title = strings.ToLower(title)

	var sb strings.Builder
	lastWasSpace := false
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastWasSpace = false
		default:
			if !lastWasSpace {
				sb.WriteRune(' ')
				lastWasSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

var partSuffixRe = regexp.MustCompile(`(?i)\bpart[e]?\.?\s*(\d+)\b`)

// FindBestMatchWithParts returns every result whose normalised title equals
// target's, plus every result matching "<base> part N" in either name or
// jtitle (the "part" keyword is required so later, unrelated seasons never
// slip in), ordered ascending by result id.
func FindBestMatchWithParts(target string, results []SearchResult) []SearchResult {
	want := NormalizeTitle(target)

	var matches []SearchResult
	for _, r := range results {
		normName := NormalizeTitle(r.Name)
		normJtitle := NormalizeTitle(r.Jtitle)
		if normName == want || normJtitle == want {
			matches = append(matches, r)
			continue
		}
		if partSuffixRe.MatchString(r.Name) || partSuffixRe.MatchString(r.Jtitle) {
			base := partSuffixRe.ReplaceAllString(normName, "")
			baseJ := partSuffixRe.ReplaceAllString(normJtitle, "")
			if strings.TrimSpace(base) == want || strings.TrimSpace(baseJ) == want {
				matches = append(matches, r)
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches
}
