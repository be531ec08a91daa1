// Package emoji serves reaction stickers from a directory described by
// an index.yaml file.
package emoji

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// IndexFile is the name of the index inside the emoji directory.
const IndexFile = "index.yaml"

// Emoji is one sticker.
type Emoji struct {
	// Path is the absolute path of the image file.
	Path        string
	Description string
	Tags        []string
}

type indexEntry struct {
	File        string   `yaml:"file"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

type index struct {
	Emojis []indexEntry `yaml:"emojis"`
}

// Library picks stickers matching a text.
type Library struct {
	entries []Emoji
	logger  *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Load reads dir/index.yaml. Entries whose file does not exist are
// skipped with a warning. A zero seed seeds from the clock.
func Load(dir string, seed uint64, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("read emoji index: %w", err)
	}
	var idx index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse emoji index: %w", err)
	}

	lib := newLibrary(seed, logger)
	for _, e := range idx.Emojis {
		path := e.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if _, err := os.Stat(path); err != nil {
			logger.Warn("emoji file missing, skipping", "file", e.File, "error", err)
			continue
		}
		tags := make([]string, 0, len(e.Tags))
		for _, t := range e.Tags {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				tags = append(tags, t)
			}
		}
		lib.entries = append(lib.entries, Emoji{Path: path, Description: e.Description, Tags: tags})
	}
	logger.Info("emoji library loaded", "dir", dir, "count", len(lib.entries))
	return lib, nil
}

func newLibrary(seed uint64, logger *slog.Logger) *Library {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Library{logger: logger, rng: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

// Len returns the number of stickers.
func (l *Library) Len() int { return len(l.entries) }

// Lookup returns a random sticker with a tag occurring in text, or nil
// if none matches.
func (l *Library) Lookup(ctx context.Context, text string) (*Emoji, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lower := strings.ToLower(text)
	var hits []int
	for i, e := range l.entries {
		for _, t := range e.Tags {
			if strings.Contains(lower, t) {
				hits = append(hits, i)
				break
			}
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	pick := hits[l.rng.IntN(len(hits))]
	l.mu.Unlock()
	e := l.entries[pick]
	return &e, nil
}

// Encode returns the sticker image as standard base64.
func (l *Library) Encode(e *Emoji) (string, error) {
	data, err := os.ReadFile(e.Path)
	if err != nil {
		return "", fmt.Errorf("read emoji: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
