package crawler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// catalogPattern finds the inline catalog object. The match is non-greedy up
// to the first "};", which is where the board page closes the literal.
var catalogPattern = regexp.MustCompile(`(?s)var catalog = (\{.*?\});`)

var errNoCatalog = errors.New("catalog data not found")

// ParseCatalogThreadIDs returns the thread ids of an inline catalog blob in
// the order the page lists them.
func ParseCatalogThreadIDs(body []byte) ([]string, error) {
	m := catalogPattern.FindSubmatch(body)
	if m == nil {
		return nil, errNoCatalog
	}
	var envelope struct {
		Threads json.RawMessage `json:"threads"`
	}
	if err := json.Unmarshal(m[1], &envelope); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	raw := bytes.TrimSpace(envelope.Threads)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New(`catalog has no "threads" object`)
	}
	threads := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(raw, threads); err != nil {
		return nil, fmt.Errorf("decode catalog threads: %w", err)
	}
	ids := make([]string, 0, threads.Len())
	for pair := threads.Oldest(); pair != nil; pair = pair.Next() {
		if id := strings.TrimSpace(pair.Key); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// threadURLBuilder derives thread URLs from a catalog URL of the form
// {scheme}://{host}/{board}/catalog.
type threadURLBuilder struct {
	scheme string
	host   string
	board  string
}

func newThreadURLBuilder(catalogURL string) (threadURLBuilder, error) {
	u, err := url.Parse(catalogURL)
	if err != nil {
		return threadURLBuilder{}, fmt.Errorf("parse catalog url: %w", err)
	}
	board, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if board == "" || u.Host == "" {
		return threadURLBuilder{}, fmt.Errorf("cannot determine board from %q", catalogURL)
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return threadURLBuilder{scheme: scheme, host: u.Host, board: board}, nil
}

func (b threadURLBuilder) threadURL(id string) string {
	return fmt.Sprintf("%s://%s/%s/thread/%s", b.scheme, b.host, b.board, url.PathEscape(id))
}
