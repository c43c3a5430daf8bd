package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/fsnotify/fsnotify"
)

// SchemaSource loads the current set of subgraph SDLs and host URLs.
// Implementations correspond to spec.md §4.10's three lifecycle
// origins: a local file, a managed-fleet poll endpoint, or an OCI
// image reference.
type SchemaSource interface {
	Load(ctx context.Context) (sdls map[string]string, hosts map[string]string, err error)
}

// subgraphFile is one entry of a FileSource's manifest.
type subgraphFile struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	SchemaFile string `json:"schema_file"`
}

// FileSource loads subgraph SDLs from local files listed in a manifest
// JSON file, and — when Watch is called — triggers onChange whenever
// the manifest or any schema file it references is modified.
type FileSource struct {
	manifestPath string
}

// NewFileSource returns a source reading subgraph definitions from the
// JSON manifest at manifestPath: an array of {name, host, schema_file}.
func NewFileSource(manifestPath string) *FileSource {
	return &FileSource{manifestPath: manifestPath}
}

func (s *FileSource) entries() ([]subgraphFile, error) {
	raw, err := os.ReadFile(s.manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var entries []subgraphFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return entries, nil
}

// Load reads the manifest and every schema file it references.
func (s *FileSource) Load(_ context.Context) (map[string]string, map[string]string, error) {
	entries, err := s.entries()
	if err != nil {
		return nil, nil, err
	}

	sdls := make(map[string]string, len(entries))
	hosts := make(map[string]string, len(entries))
	for _, e := range entries {
		src, err := os.ReadFile(e.SchemaFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read schema for %q: %w", e.Name, err)
		}
		sdls[e.Name] = string(src)
		hosts[e.Name] = e.Host
	}
	return sdls, hosts, nil
}

// Watch starts an fsnotify watcher on the manifest and every schema
// file it currently references, calling onChange whenever one is
// written. Watch returns once the watcher is established; it runs the
// event loop in a background goroutine until ctx is cancelled.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}

	if err := watcher.Add(s.manifestPath); err != nil {
		watcher.Close()
		return fmt.Errorf("watch manifest: %w", err)
	}
	if entries, err := s.entries(); err == nil {
		for _, e := range entries {
			watcher.Add(e.SchemaFile) // best-effort: a missing file just isn't watched
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// PollSource loads subgraph SDLs and hosts from a managed-fleet poll
// endpoint returning a JSON array of {name, host, schema} entries (the
// SDL inline, where a file manifest's schema_file names a path), fetched
// fresh on every Load call.
type PollSource struct {
	url    string
	client *http.Client
}

// NewPollSource returns a source polling url with client (or
// http.DefaultClient if nil).
func NewPollSource(url string, client *http.Client) *PollSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &PollSource{url: url, client: client}
}

func (s *PollSource) Load(ctx context.Context) (map[string]string, map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("poll %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("poll %s: HTTP %d", s.url, resp.StatusCode)
	}

	var entries []struct {
		Name   string `json:"name"`
		Host   string `json:"host"`
		Schema string `json:"schema"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, nil, fmt.Errorf("decode poll response: %w", err)
	}

	sdls := make(map[string]string, len(entries))
	hosts := make(map[string]string, len(entries))
	for _, e := range entries {
		sdls[e.Name] = e.Schema
		hosts[e.Name] = e.Host
	}
	return sdls, hosts, nil
}

// OCISource would load subgraph SDLs bundled in an OCI image
// reference. No OCI registry client (e.g. go-containerregistry)
// appears anywhere in the example pack to ground a real implementation
// on, so this is left as an explicit stub rather than inventing a
// dependency: Load always fails until such a client is wired in.
type OCISource struct {
	ImageRef string
}

func (s *OCISource) Load(_ context.Context) (map[string]string, map[string]string, error) {
	return nil, nil, fmt.Errorf("controlplane: OCI image source (%s) not implemented", s.ImageRef)
}
