package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/bbq/internal/config"
	"github.com/mattjoyce/bbq/internal/flavor"
)

const maxSourceBytes = 10 << 20

// ErrInvalidSource marks a flavor config source missing required sections.
var ErrInvalidSource = errors.New("invalid flavor config source")

// Source is the flavor config document: a schema version and the flavor list.
type Source struct {
	Version string            `yaml:"version"`
	Flavors []flavor.Manifest `yaml:"flavors"`
}

// LoadSource reads the flavor config from an https:// URL or a local path.
func LoadSource(ctx context.Context, location string, client *http.Client) (*Source, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: no location configured (set %s or flavors.source)", ErrInvalidSource, config.EnvFlavorSource)
	}

	var (
		data []byte
		err  error
	)
	if config.IsRemoteSource(location) {
		data, err = fetch(ctx, location, client)
	} else {
		data, err = os.ReadFile(location)
	}
	if err != nil {
		return nil, fmt.Errorf("load flavor config %s: %w", location, err)
	}

	src, err := ParseSource(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return src, nil
}

// ParseSource decodes a JSON or YAML flavor config and checks that both
// version and flavors are present.
func ParseSource(data []byte) (*Source, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	for _, key := range []string{"version", "flavors"} {
		if node, ok := raw[key]; !ok || node.Tag == "!!null" {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidSource, key)
		}
	}

	var src Source
	if err := yaml.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if strings.TrimSpace(src.Version) == "" {
		return nil, fmt.Errorf("%w: version is empty", ErrInvalidSource)
	}
	return &src, nil
}

func fetch(ctx context.Context, url string, client *http.Client) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, application/yaml")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxSourceBytes {
		return nil, fmt.Errorf("config exceeds %d bytes", maxSourceBytes)
	}
	return data, nil
}
