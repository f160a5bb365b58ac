// Package caldav implements the CalDAV client operations the synchronizer
// drives: discovery, CTag fetch, listing, multiget, PUT with conditional
// headers, and DELETE. It generalizes the
// Nextcloud CalDAV backend's approach — a thin http.Client wrapper issuing
// hand-built PROPFIND/REPORT XML bodies and parsing multistatus responses
// with encoding/xml (then unescaping any XML entities left in calendar-data
// blocks some servers double-escape) — from a single fixed Nextcloud host
// to any RFC 4791 server, and from "first status wins" error handling to
// the closed error taxonomy the rest of this module shares.
package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cfait/cfait/internal/apperrors"
	"github.com/cfait/cfait/internal/task"
)

// Config holds the connection settings for a single CalDAV account.
type Config struct {
	URL                string // principal/calendar-home collection URL
	Username           string
	Password           string
	AllowInsecureCerts bool
	RequestTimeout     time.Duration // per-request timeout; default 30s
}

// Client is a thin CalDAV transport. It is safe for concurrent use.
type Client struct {
	http     *http.Client
	baseURL  string
	username string
	password string
}

// New builds a Client. If transport is nil, a default TLS-aware transport
// is constructed from cfg.AllowInsecureCerts; pass the rate-limited
// transport here to have every CalDAV call go through it.
func New(cfg Config, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.AllowInsecureCerts},
		}
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	base := cfg.URL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &Client{
		http:     &http.Client{Transport: transport, Timeout: timeout},
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
	}
}

// ResourceRef is an href+ETag pair returned by listing operations.
type ResourceRef struct {
	Href string
	ETag string
}

// RawResource is a fetched-but-undecoded VCALENDAR body plus its ETag.
type RawResource struct {
	Href string
	ETag string
	Body string
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	// Servers report hrefs as paths; resolve them against the account URL.
	if ref, err := url.Parse(target); err == nil && !ref.IsAbs() {
		if base, err := url.Parse(c.baseURL); err == nil {
			target = base.ResolveReference(ref).String()
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apperrors.Transport(err)
	}
	req.SetBasicAuth(c.username, c.password)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Cancelled()
		}
		return nil, apperrors.Transport(err)
	}
	return resp, nil
}

// classify maps an HTTP status to the closed error taxonomy. A 5xx is
// folded into Transport rather than its own kind, since server failures are
// transport failures from the client's point of view. nil means success.
func classify(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusMultiStatus:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.Auth(fmt.Errorf("caldav: %s", resp.Status))
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NotFound("caldav resource not found: %s", resp.Request.URL)
	case resp.StatusCode == http.StatusPreconditionFailed:
		return apperrors.New(apperrors.KindPreconditionFailed, fmt.Errorf("caldav: %s", resp.Status))
	default:
		return apperrors.Transport(fmt.Errorf("caldav: unexpected status %s", resp.Status))
	}
}

func readBody(resp *http.Response) (string, error) {
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.Transport(err)
	}
	return string(b), nil
}

// --- multistatus XML shapes -------------------------------------------------
//
// Struct tags deliberately omit namespace prefixes: encoding/xml matches by
// local name when no Space is given, which lets the same structs parse
// Nextcloud's "d:"/"cal:" prefixes, Radicale's unprefixed elements, and
// anything in between.

type comp struct {
	Name string `xml:"name,attr"`
}

type prop struct {
	DisplayName  string `xml:"displayname"`
	ResourceType struct {
		Calendar *struct{} `xml:"calendar"`
	} `xml:"resourcetype"`
	CTag                        string `xml:"getctag"`
	ETag                        string `xml:"getetag"`
	CalendarData                string `xml:"calendar-data"`
	SupportedCalendarComponent struct {
		Comp []comp `xml:"comp"`
	} `xml:"supported-calendar-component-set"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type response struct {
	Href     string     `xml:"href"`
	PropStat []propstat `xml:"propstat"`
}

type multistatus struct {
	Responses []response `xml:"response"`
}

func parseMultistatus(body string) (*multistatus, error) {
	var ms multistatus
	if err := xml.Unmarshal([]byte(body), &ms); err != nil {
		return nil, apperrors.Transport(fmt.Errorf("parsing CalDAV multistatus response: %w", err))
	}
	return &ms, nil
}

func okProp(r response) (prop, bool) {
	for _, ps := range r.PropStat {
		if strings.Contains(ps.Status, "200") {
			return ps.Prop, true
		}
	}
	return prop{}, false
}

func supportsVTODO(p prop) bool {
	for _, c := range p.SupportedCalendarComponent.Comp {
		if strings.EqualFold(c.Name, "VTODO") {
			return true
		}
	}
	return false
}

// DiscoverCalendars performs a PROPFIND Depth 1 on the account's principal
// URL and returns the collections that support VTODO.
func (c *Client) DiscoverCalendars(ctx context.Context) ([]task.Calendar, error) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/" xmlns:cal="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
    <cs:getctag/>
    <cal:supported-calendar-component-set/>
  </d:prop>
</d:propfind>`

	resp, err := c.do(ctx, "PROPFIND", c.baseURL, []byte(body), map[string]string{
		"Depth":        "1",
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return nil, err
	}
	if err := classify(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	raw, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	ms, err := parseMultistatus(raw)
	if err != nil {
		return nil, err
	}

	var calendars []task.Calendar
	for _, r := range ms.Responses {
		p, ok := okProp(r)
		if !ok || p.ResourceType.Calendar == nil || !supportsVTODO(p) {
			continue
		}
		calendars = append(calendars, task.Calendar{
			Href:        r.Href,
			DisplayName: p.DisplayName,
			CTag:        p.CTag,
			Visible:     true,
		})
	}
	return calendars, nil
}

// FetchCTag performs a PROPFIND Depth 0 on href, returning its current CTag.
func (c *Client) FetchCTag(ctx context.Context, href string) (string, error) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:prop><cs:getctag/></d:prop>
</d:propfind>`

	resp, err := c.do(ctx, "PROPFIND", href, []byte(body), map[string]string{
		"Depth":        "0",
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return "", err
	}
	if err := classify(resp); err != nil {
		_ = resp.Body.Close()
		return "", err
	}
	raw, err := readBody(resp)
	if err != nil {
		return "", err
	}
	ms, err := parseMultistatus(raw)
	if err != nil {
		return "", err
	}
	if len(ms.Responses) == 0 {
		return "", apperrors.NotFound("no PROPFIND response for %s", href)
	}
	p, _ := okProp(ms.Responses[0])
	return p.CTag, nil
}

// ListResources enumerates VTODO resource hrefs+ETags in a calendar via
// REPORT calendar-query, without fetching bodies.
func (c *Client) ListResources(ctx context.Context, calendarHref string) ([]ResourceRef, error) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<cal:calendar-query xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">
  <d:prop><d:getetag/></d:prop>
  <cal:filter>
    <cal:comp-filter name="VCALENDAR">
      <cal:comp-filter name="VTODO"/>
    </cal:comp-filter>
  </cal:filter>
</cal:calendar-query>`

	resp, err := c.do(ctx, "REPORT", calendarHref, []byte(body), map[string]string{
		"Depth":        "1",
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return nil, err
	}
	if err := classify(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	raw, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	ms, err := parseMultistatus(raw)
	if err != nil {
		return nil, err
	}

	var refs []ResourceRef
	for _, r := range ms.Responses {
		p, ok := okProp(r)
		if !ok {
			continue
		}
		refs = append(refs, ResourceRef{Href: r.Href, ETag: p.ETag})
	}
	return refs, nil
}

// MultiGet fetches the bodies of specific hrefs via REPORT calendar-multiget,
// bounded by the caller's own concurrency policy (the synchronizer's inner
// semaphore operates at a higher level than this single network call).
func (c *Client) MultiGet(ctx context.Context, calendarHref string, hrefs []string) ([]RawResource, error) {
	if len(hrefs) == 0 {
		return nil, nil
	}
	var hrefXML strings.Builder
	for _, h := range hrefs {
		hrefXML.WriteString("<d:href>")
		hrefXML.WriteString(xmlEscape(h))
		hrefXML.WriteString("</d:href>\n")
	}
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<cal:calendar-multiget xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">
  <d:prop><d:getetag/><cal:calendar-data/></d:prop>
  %s
</cal:calendar-multiget>`, hrefXML.String())

	resp, err := c.do(ctx, "REPORT", calendarHref, []byte(body), map[string]string{
		"Depth":        "1",
		"Content-Type": "application/xml; charset=utf-8",
	})
	if err != nil {
		return nil, err
	}
	if err := classify(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	raw, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	ms, err := parseMultistatus(raw)
	if err != nil {
		return nil, err
	}

	var out []RawResource
	for _, r := range ms.Responses {
		p, ok := okProp(r)
		if !ok || p.CalendarData == "" {
			continue
		}
		out = append(out, RawResource{Href: r.Href, ETag: p.ETag, Body: unescapeXMLEntities(p.CalendarData)})
	}
	return out, nil
}

// Get fetches a single resource directly by GET, returning its body and
// ETag. Used when a resource is known but not part of a batch multiget.
func (c *Client) Get(ctx context.Context, href string) (body, etag string, err error) {
	resp, err := c.do(ctx, "GET", href, nil, nil)
	if err != nil {
		return "", "", err
	}
	if err := classify(resp); err != nil {
		_ = resp.Body.Close()
		return "", "", err
	}
	raw, err := readBody(resp)
	if err != nil {
		return "", "", err
	}
	return raw, resp.Header.Get("ETag"), nil
}

// Put creates (ifMatch == "" meaning If-None-Match: *) or updates
// (ifMatch != "" meaning If-Match: <etag>) a resource. On
// success it returns the server-assigned ETag if the response carries one;
// an empty return means the caller must re-GET to learn it.
func (c *Client) Put(ctx context.Context, href, body, ifMatch string) (etag string, err error) {
	headers := map[string]string{"Content-Type": "text/calendar; charset=utf-8"}
	if ifMatch == "" {
		headers["If-None-Match"] = "*"
	} else {
		headers["If-Match"] = ifMatch
	}

	resp, err := c.do(ctx, "PUT", href, []byte(body), headers)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classify(resp); err != nil {
		return "", err
	}
	return resp.Header.Get("ETag"), nil
}

// Delete removes a resource conditioned on ifMatch. A 404 is treated as
// success: the desired end state (resource gone) already holds.
func (c *Client) Delete(ctx context.Context, href, ifMatch string) error {
	headers := map[string]string{}
	if ifMatch != "" {
		headers["If-Match"] = ifMatch
	}
	resp, err := c.do(ctx, "DELETE", href, nil, headers)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return classify(resp)
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func unescapeXMLEntities(s string) string {
	r := strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&", "&quot;", `"`, "&apos;", "'")
	return r.Replace(s)
}
