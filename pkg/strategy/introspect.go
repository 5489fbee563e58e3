// Package strategy reads what the search needs to know about a freqtrade
// strategy from its source file.
package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/StudioSol/set"

	"github.com/raykavin/hyperforge/pkg/logger"
)

var (
	// buy_rsi = IntParameter(10, 40, default=30, space="buy", optimize=True)
	parameterRe = regexp.MustCompile(`(?m)^\s*(\w+)\s*=\s*\w*Parameter\(([^)]*)\)`)
	spaceArgRe  = regexp.MustCompile(`space\s*=\s*["'](\w+)["']`)
	roiRe       = regexp.MustCompile(`(?m)^\s*minimal_roi\s*=`)
	stoplossRe  = regexp.MustCompile(`(?m)^\s*stoploss\s*=`)
	trailingRe  = regexp.MustCompile(`(?m)^\s*trailing_stop\s*=`)
	timeframeRe = regexp.MustCompile(`(?m)^\s*timeframe\s*=\s*["'](\w+)["']`)
)

// Info is what the source of a strategy declares.
type Info struct {
	Name        string
	File        string
	Hash        string
	Timeframe   string
	Spaces      *set.LinkedHashSetString
	ParamSpaces map[string]string
	ModTime     time.Time
}

// SpaceList returns the declared spaces in declaration order.
func (i *Info) SpaceList() []string {
	var spaces []string
	for s := range i.Spaces.Iter() {
		spaces = append(spaces, s)
	}
	return spaces
}

// Option configures an Introspector.
type Option func(*Introspector)

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(i *Introspector) {
		i.log = log
	}
}

// WithCache shares a cache between introspectors.
func WithCache(c *Cache[*Info]) Option {
	return func(i *Introspector) {
		i.cache = c
	}
}

// Introspector parses strategy sources found in one directory. Parsed
// results are cached and reloaded when the file changes.
type Introspector struct {
	dir   string
	cache *Cache[*Info]
	log   logger.Logger
}

// NewIntrospector reads strategies from dir.
func NewIntrospector(dir string, options ...Option) *Introspector {
	i := &Introspector{dir: dir, log: logger.Nop()}
	for _, option := range options {
		option(i)
	}
	if i.cache == nil {
		i.cache = NewCache[*Info]()
	}
	return i
}

// File is the source path of the named strategy.
func (i *Introspector) File(name string) string {
	return filepath.Join(i.dir, name+".py")
}

// Info returns the parsed declaration of the named strategy.
func (i *Introspector) Info(name string) (*Info, error) {
	key := Key{Name: name}

	if cached, ok := i.cache.Peek(key); ok {
		stat, err := os.Stat(cached.File)
		if err == nil && stat.ModTime().Equal(cached.ModTime) {
			return cached, nil
		}
		i.log.Debugf("strategy %s changed, reloading", name)
		i.cache.Invalidate(name)
	}

	return i.cache.Get(key, func(k Key) (*Info, error) {
		return Parse(k.Name, i.File(k.Name))
	})
}

// Spaces lists the hyperopt spaces the strategy declares.
func (i *Introspector) Spaces(name string) ([]string, error) {
	info, err := i.Info(name)
	if err != nil {
		return nil, err
	}
	return info.SpaceList(), nil
}

// ParamSpaces maps each declared parameter to its space.
func (i *Introspector) ParamSpaces(name string) (map[string]string, error) {
	info, err := i.Info(name)
	if err != nil {
		return nil, err
	}
	return info.ParamSpaces, nil
}

// Hash is the sha256 of the strategy source.
func (i *Introspector) Hash(name string) (string, error) {
	info, err := i.Info(name)
	if err != nil {
		return "", err
	}
	return info.Hash, nil
}

// Invalidate forgets everything cached about the named strategy.
func (i *Introspector) Invalidate(name string) {
	i.cache.Invalidate(name)
}

// Purge forgets every strategy.
func (i *Introspector) Purge() {
	i.cache.Purge()
}

// Parse reads a strategy source file.
func Parse(name, file string) (*Info, error) {
	stat, err := os.Stat(file)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	source, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}

	sum := sha256.Sum256(source)
	info := &Info{
		Name:        name,
		File:        file,
		Hash:        hex.EncodeToString(sum[:]),
		Spaces:      set.NewLinkedHashSetString(),
		ParamSpaces: make(map[string]string),
		ModTime:     stat.ModTime(),
	}

	if m := timeframeRe.FindSubmatch(source); m != nil {
		info.Timeframe = string(m[1])
	}

	var custom []string
	for _, m := range parameterRe.FindAllSubmatch(source, -1) {
		space := spaceArgRe.FindSubmatch(m[2])
		if space == nil {
			continue
		}
		info.ParamSpaces[string(m[1])] = string(space[1])
		custom = append(custom, string(space[1]))
	}

	if roiRe.Match(source) {
		info.Spaces.Add("roi")
	}
	if stoplossRe.Match(source) {
		info.Spaces.Add("stoploss")
	}
	if trailingRe.Match(source) {
		info.Spaces.Add("trailing")
	}

	sort.Strings(custom)
	info.Spaces.Add(custom...)
	return info, nil
}
