// Package catalog resolves tag ids to book records. Records come from a
// catalog API and are cached in a local tab-separated file.
package catalog

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds catalog settings.
type Config struct {
	URL       string        `yaml:"url"` // e.g. "https://library.example/api"
	CAFile    string        `yaml:"ca_file"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	CacheFile string        `yaml:"cache_file"`
	Timeout   time.Duration `yaml:"timeout"`
}

// BookEntry is one record as served by the API.
type BookEntry struct {
	TagID     string `json:"tagId"`
	Name      string `json:"name"`
	Author    string `json:"author"`
	CreatedAt string `json:"createdAt"`
}

// Book is the in-memory representation of a catalog record.
type Book struct {
	TagID     string `json:"tagId"`
	Name      string `json:"name"`
	Author    string `json:"author"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Manager holds the catalog and keeps the cache file current.
//
// mu guards books and onUpdate. fetchMu serialises fetches, which share
// the HTTP client and the temporary cache file.
type Manager struct {
	mu       sync.RWMutex
	books    map[string]Book
	onUpdate func(n int)

	fetchMu sync.Mutex
	client  *http.Client

	cfg Config
	log zerolog.Logger
}

// New creates a catalog manager.
func New(cfg Config, log zerolog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Manager{
		books: make(map[string]Book),
		cfg:   cfg,
		log:   log,
	}
}

// SetUpdateCallback sets a callback run after a successful fetch.
func (m *Manager) SetUpdateCallback(fn func(n int)) {
	m.mu.Lock()
	m.onUpdate = fn
	m.mu.Unlock()
}

// Lookup finds the book carrying tagID.
func (m *Manager) Lookup(tagID string) (Book, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.books[normalizeTag(tagID)]
	return b, ok
}

// Len returns the number of known books.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.books)
}

// FetchFromAPI downloads the book list and rewrites the cache file.
func (m *Manager) FetchFromAPI() error {
	if m.cfg.URL == "" {
		return fmt.Errorf("catalog url not configured")
	}

	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	client, err := m.httpClient()
	if err != nil {
		return err
	}

	url := strings.TrimRight(m.cfg.URL, "/") + "/books"
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if m.cfg.Username != "" {
		req.SetBasicAuth(m.cfg.Username, m.cfg.Password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch catalog: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var items []BookEntry
	if err := json.Unmarshal(body, &items); err != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}

	books := make(map[string]Book, len(items))
	for _, item := range items {
		tag := normalizeTag(item.TagID)
		if tag == "" {
			continue
		}
		books[tag] = Book{
			TagID:     tag,
			Name:      clean(item.Name),
			Author:    clean(item.Author),
			CreatedAt: clean(item.CreatedAt),
		}
	}

	if m.cfg.CacheFile != "" {
		if err := writeCache(m.cfg.CacheFile, books); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.books = books
	onUpdate := m.onUpdate
	m.mu.Unlock()

	m.log.Info().Int("books", len(books)).Msg("Catalog downloaded")
	if onUpdate != nil {
		onUpdate(len(books))
	}
	return nil
}

// LoadFromFile loads the catalog from the cache file.
// Creates the file if it doesn't exist.
func (m *Manager) LoadFromFile() error {
	if m.cfg.CacheFile == "" {
		return nil
	}

	dir := filepath.Dir(m.cfg.CacheFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	file, err := os.OpenFile(m.cfg.CacheFile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open cache file: %w", err)
	}
	defer file.Close()

	books := make(map[string]Book)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// tag, name, author, created_at; trailing fields optional
		parts := strings.Split(line, "\t")
		tag := normalizeTag(parts[0])
		if tag == "" {
			continue
		}
		b := Book{TagID: tag}
		if len(parts) > 1 {
			b.Name = parts[1]
		}
		if len(parts) > 2 {
			b.Author = parts[2]
		}
		if len(parts) > 3 {
			b.CreatedAt = parts[3]
		}
		books[tag] = b
	}
	if err := scanner.Err(); err != nil {
		m.log.Warn().Err(err).Msg("Reading cache file")
	}

	m.mu.Lock()
	m.books = books
	m.mu.Unlock()

	m.log.Info().Int("books", len(books)).Str("file", m.cfg.CacheFile).Msg("Catalog loaded from cache")
	return nil
}

// httpClient returns the shared client. Callers hold fetchMu.
func (m *Manager) httpClient() (*http.Client, error) {
	if m.client != nil {
		return m.client, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if m.cfg.CAFile != "" {
		caCert, err := os.ReadFile(m.cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	m.client = &http.Client{Transport: transport, Timeout: m.cfg.Timeout}
	return m.client, nil
}

func writeCache(path string, books map[string]Book) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	file, err := os.Create(path + ".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, b := range books {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.TagID, b.Name, b.Author, b.CreatedAt)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(path+".tmp", path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

func normalizeTag(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}

// clean strips separators that would break the cache file format.
func clean(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(strings.TrimSpace(s))
}
