package ipc

import (
	"errors"
	"net/url"
	"sort"
	"sync"

	logx "jobcluster/pkg/logx"
)

// ClientConfig is what a Factory receives.
type ClientConfig struct {
	Name    string
	URL     *url.URL
	RawURL  string
	Options map[string]string
}

// Factory builds a client for one URL scheme.
type Factory func(cfg ClientConfig) (Client, error)

// ClientSpec is one configured named client.
type ClientSpec struct {
	URL     string
	Options map[string]string
}

// Kind selects the cache or the queue client table.
type Kind string

const (
	KindCache Kind = "cache"
	KindQueue Kind = "queue"
)

// DefaultClient is the name of the client used when a lookup misses.
const DefaultClient = ""

// Clients owns the named cache and queue clients of one process.
type Clients struct {
	log logx.Logger

	mu        sync.RWMutex
	factories map[string]Factory
	tables    map[Kind]map[string]Client
}

func NewClients(log logx.Logger) *Clients {
	return &Clients{
		log:       log.With(logx.String("comp", "ipc.clients")),
		factories: map[string]Factory{},
		tables:    map[Kind]map[string]Client{KindCache: {}, KindQueue: {}},
	}
}

// Register binds a URL scheme to a factory. Later registrations win.
func (c *Clients) Register(scheme string, f Factory) {
	c.mu.Lock()
	c.factories[scheme] = f
	c.mu.Unlock()
}

// Create builds a client from a URL. An unknown scheme yields (nil, nil).
func (c *Clients) Create(name, rawURL string, opts map[string]string) (Client, error) {
	u, merged, err := ParseURL(rawURL, opts)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	f := c.factories[u.Scheme]
	c.mu.RUnlock()
	if f == nil {
		c.log.Warn("ipc: no client for url scheme", logx.String("name", name), logx.String("scheme", u.Scheme))
		return nil, nil
	}
	return f(ClientConfig{Name: name, URL: u, RawURL: rawURL, Options: merged})
}

// Init (re)creates every client of kind from specs, closing the ones it
// replaces or drops. A default client is created from fallback when specs
// has none or it cannot be built.
func (c *Clients) Init(kind Kind, specs map[string]ClientSpec, fallback string) error {
	next := map[string]Client{}
	var errList []error
	for name, spec := range specs {
		if spec.URL == "" {
			continue
		}
		cl, err := c.Create(name, spec.URL, spec.Options)
		if err != nil {
			errList = append(errList, err)
			c.log.Error("ipc: client init failed", logx.String("kind", string(kind)), logx.String("name", name), logx.Err(err))
			continue
		}
		if cl != nil {
			next[name] = cl
		}
	}
	if _, ok := next[DefaultClient]; !ok && fallback != "" {
		cl, err := c.Create(DefaultClient, fallback, nil)
		if err != nil {
			errList = append(errList, err)
		} else if cl != nil {
			next[DefaultClient] = cl
		}
	}

	c.mu.Lock()
	prev := c.tables[kind]
	c.tables[kind] = next
	c.mu.Unlock()

	for name, cl := range prev {
		if err := cl.Close(); err != nil {
			c.log.Warn("ipc: client close failed", logx.String("kind", string(kind)), logx.String("name", name), logx.Err(err))
		}
	}
	c.log.Info("ipc: clients ready", logx.String("kind", string(kind)), logx.Strings("names", sortedNames(next)))
	return errors.Join(errList...)
}

// Set installs a client directly, closing any client it replaces.
func (c *Clients) Set(kind Kind, name string, cl Client) {
	c.mu.Lock()
	prev := c.tables[kind][name]
	c.tables[kind][name] = cl
	c.mu.Unlock()
	if prev != nil && prev != cl {
		_ = prev.Close()
	}
}

// Get returns the named client, falling back to the default one.
func (c *Clients) Get(kind Kind, name string) Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := c.tables[kind]
	if cl, ok := t[name]; ok {
		return cl
	}
	return t[DefaultClient]
}

func (c *Clients) Cache(name string) Client { return c.Get(KindCache, name) }
func (c *Clients) Queue(name string) Client { return c.Get(KindQueue, name) }

// Names lists configured client names of kind.
func (c *Clients) Names(kind Kind) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedNames(c.tables[kind])
}

func (c *Clients) Close() error {
	c.mu.Lock()
	tables := c.tables
	c.tables = map[Kind]map[string]Client{KindCache: {}, KindQueue: {}}
	c.mu.Unlock()

	var errList []error
	seen := map[Client]bool{}
	for _, t := range tables {
		for _, cl := range t {
			if seen[cl] {
				continue
			}
			seen[cl] = true
			if err := cl.Close(); err != nil {
				errList = append(errList, err)
			}
		}
	}
	return errors.Join(errList...)
}

func sortedNames(m map[string]Client) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
